/*
Package events implements the publish message pattern and the security
audit trail.

A Broker fans a published message out to every current subscriber of a
topic over an independent per-subscriber channel; a slow subscriber that
cannot keep up is dropped once its buffer hits the high-watermark, per the
router's publish-pattern contract. The same package's Audit records
security_events (register, deregister, unauthorized, eviction, integrity
failure) for the Auth Gate and Registry.
*/
package events
