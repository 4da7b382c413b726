package gcp

import (
	"context"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
)

// NewExecutionsClient creates a Cloud Workflows executions client.
func NewExecutionsClient(ctx context.Context) (*executions.Client, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return client, nil
}

// WorkflowName is the fully qualified parent used when creating executions.
func WorkflowName(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}
