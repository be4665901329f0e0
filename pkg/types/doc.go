/*
Package types defines the core data structures shared across the agentmesh
runtime.

This package contains the domain model used by every other package: agent
records, wire messages, task nodes, sessions, and the persistent-store
entities that back them. These types are the contract between the Registry,
Router, Planner, and Auth Gate — each subsystem reads and writes them, none
of them own a private copy.

# Core Types

Agent & Session:
  - AgentRecord: a registered agent's identity, role, capabilities, and
    transport endpoints
  - Role, Status: agent lifecycle enums
  - Session: an admission context derived from a validated token

Messaging:
  - Message: a routed message with pattern, priority, and integrity tag
  - Pattern, Priority: message-shape and delivery-class enums

Planning:
  - TaskNode: one node of a plan's dependency DAG
  - PlanSpec, PlanStatus: submission and status-query shapes

All types are JSON-serializable and are persisted through the storage
package's Store interface without a separate DTO layer.
*/
package types
