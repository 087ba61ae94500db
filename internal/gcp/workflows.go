package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/publishflow/internal/models"
)

// WorkflowTrigger starts the post-publication workflow.
type WorkflowTrigger struct {
	client *executions.Client
	parent string
}

// NewWorkflowTrigger targets projects/<projectID>/locations/<location>/workflows/<workflowID>.
func NewWorkflowTrigger(client *executions.Client, projectID, location, workflowID string) *WorkflowTrigger {
	return &WorkflowTrigger{client: client, parent: WorkflowParent(projectID, location, workflowID)}
}

// WorkflowParent is the resource name executions are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

// ExecutionRequest builds the request that hands args to the workflow.
func ExecutionRequest(parent string, args models.PublishedWorkflowArgs) (*executionspb.CreateExecutionRequest, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	return &executionspb.CreateExecutionRequest{
		Parent: parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}, nil
}

// Trigger creates an execution and returns its resource name.
func (w *WorkflowTrigger) Trigger(ctx context.Context, args models.PublishedWorkflowArgs) (string, error) {
	req, err := ExecutionRequest(w.parent, args)
	if err != nil {
		return "", err
	}
	exec, err := w.client.CreateExecution(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}
