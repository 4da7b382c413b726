package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/drawingtileflow/internal/models"
	"github.com/googleapis/gax-go/v2"
)

// ReadyNotifier is told about drawing sets that have just become ready.
type ReadyNotifier interface {
	NotifySetReady(ctx context.Context, set models.DrawingSet, processedPages int) error
}

// ExecutionCreator is the part of the Workflows executions client used here.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

// WorkflowNotifier starts a Cloud Workflows execution for every ready set.
type WorkflowNotifier struct {
	client       ExecutionCreator
	workflowName string
	logger       *slog.Logger
}

// NewWorkflowNotifier builds a notifier for the fully qualified workflow
// name, see gcp.WorkflowName.
func NewWorkflowNotifier(client ExecutionCreator, workflowName string, logger *slog.Logger) *WorkflowNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowNotifier{client: client, workflowName: workflowName, logger: logger}
}

func (n *WorkflowNotifier) NotifySetReady(ctx context.Context, set models.DrawingSet, processedPages int) error {
	logCtx := n.logger.With("drawingSetId", set.ID, "orgId", set.OrgID, "workflow", n.workflowName)
	logCtx.Info("Triggering ready workflow.")

	workflowPayload := map[string]interface{}{
		"orgId":          set.OrgID,
		"drawingSetId":   set.ID,
		"processedPages": processedPages,
	}
	payloadBytes, err := json.Marshal(workflowPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: n.workflowName,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := n.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution for drawing set %s: %w", set.ID, err)
	}
	logCtx.Info("Ready workflow triggered.", "execution", exec.GetName())
	return nil
}
