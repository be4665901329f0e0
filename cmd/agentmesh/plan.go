package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/agentmesh/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// planManifest is the on-disk YAML shape for `agentmesh plan submit`, an
// apiVersion/kind/metadata/spec envelope familiar from other declarative
// resource manifests.
type planManifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   planMetadata     `yaml:"metadata"`
	Spec       planManifestSpec `yaml:"spec"`
}

type planMetadata struct {
	Name string `yaml:"name"`
}

type planManifestSpec struct {
	FailurePolicy    string              `yaml:"failurePolicy"`
	RetryMaxAttempts int                 `yaml:"retryMaxAttempts"`
	Tasks            []planManifestTask  `yaml:"tasks"`
}

type planManifestTask struct {
	ID            string         `yaml:"id"`
	Action        string         `yaml:"action"`
	AssignedAgent string         `yaml:"assignedAgent"`
	Capability    string         `yaml:"capability"`
	Priority      string         `yaml:"priority"`
	DependsOn     []string       `yaml:"dependsOn"`
	Inputs        map[string]any `yaml:"inputs"`
	MaxAttempts   int            `yaml:"maxAttempts"`
}

// taskPriorities maps the manifest's lowercase priority name to the
// delivery class the planner's thermal gate checks against. An empty or
// unrecognized value defaults to PriorityCritical, which keeps a task
// eligible for dispatch no matter the host's thermal state — manifests
// that actually want thermal deferral must opt into a lower class
// explicitly.
var taskPriorities = map[string]types.Priority{
	"critical": types.PriorityCritical,
	"high":     types.PriorityHigh,
	"normal":   types.PriorityNormal,
	"low":      types.PriorityLow,
	"batch":    types.PriorityBatch,
}

func runPlanSubmit(cmd *cobra.Command, args []string) error {
	filename := args[0]

	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var manifest planManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return badArgs("failed to parse plan YAML: %v", err)
	}
	if manifest.Kind != "" && manifest.Kind != "Plan" {
		return badArgs("unsupported resource kind %q (expected Plan)", manifest.Kind)
	}
	if manifest.Metadata.Name == "" {
		return badArgs("metadata.name is required")
	}
	if len(manifest.Spec.Tasks) == 0 {
		return badArgs("spec.tasks must contain at least one task")
	}

	tasks := make([]*types.TaskNode, 0, len(manifest.Spec.Tasks))
	for _, t := range manifest.Spec.Tasks {
		if t.ID == "" {
			return badArgs("every task requires an id")
		}
		tasks = append(tasks, &types.TaskNode{
			ID:            t.ID,
			Action:        t.Action,
			AssignedAgent: t.AssignedAgent,
			Capability:    t.Capability,
			Priority:      taskPriorities[t.Priority],
			DependsOn:     t.DependsOn,
			Inputs:        t.Inputs,
			MaxAttempts:   t.MaxAttempts,
		})
	}

	spec := &types.PlanSpec{
		ID:               manifest.Metadata.Name,
		Name:             manifest.Metadata.Name,
		Tasks:            tasks,
		FailurePolicy:    types.FailurePolicy(manifest.Spec.FailurePolicy),
		RetryMaxAttempts: manifest.Spec.RetryMaxAttempts,
	}
	if spec.FailurePolicy == "" {
		spec.FailurePolicy = types.FailurePolicyFailFast
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := c.SubmitPlan(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to submit plan: %w", err)
	}

	fmt.Printf("plan submitted: %s (%s)\n", status.PlanID, status.Status)
	return nil
}
