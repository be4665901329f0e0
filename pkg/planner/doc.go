// Package planner computes and dispatches plan waves: validating a task
// DAG, layering it into parallel-executable waves, selecting agents by
// capability and load, and checkpointing completed work so a restarted
// planner can resume a plan without redoing finished tasks.
package planner
