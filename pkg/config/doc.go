/*
Package config decodes the agentmesh core's environment-variable surface
into a typed Config struct.

Every knob is an environment variable with a CORE_ prefix, decoded with
envdecode's struct tags. A .env file in the working directory is loaded
first (if present) so local development doesn't require exporting
variables by hand.
*/
package config
