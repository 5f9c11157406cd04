package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/pkg/models"
)

// ProviderKey is the provider key of the in-process scheduling adapter.
const ProviderKey = "scheduler"

// Scheduling tool names.
const (
	ToolScheduleCreate = "schedule_create"
	ToolScheduleList   = "schedule_list"
	ToolScheduleCancel = "schedule_cancel"
)

// ToolStore is the job persistence surface the scheduling tools need.
type ToolStore interface {
	CreateJob(ctx context.Context, job *models.ScheduledJob) error
	ListJobs(ctx context.Context, userID string) ([]*models.ScheduledJob, error)
	CancelJob(ctx context.Context, userID, id string) error
}

// AdapterFactory builds the in-process factory for the scheduler provider.
// The adapter is per-role; the role id from the token data scopes created
// jobs.
func AdapterFactory(jobs ToolStore, now func() time.Time) adapter.InProcessFactory {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, opts adapter.CreateOptions) (adapter.Adapter, error) {
		userID := opts.UserID
		roleID, _ := opts.TokenData["role_id"].(string)

		tools := []adapter.InProcessTool{
			{
				Descriptor: models.ToolDescriptor{
					Name:        ToolScheduleCreate,
					Description: "Schedule a prompt to run later, once or on a recurring cadence",
					InputSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"description": {"type": "string", "description": "The prompt to replay when the job runs"},
							"cadence": {"type": "string", "description": "When to run, e.g. 'in 10 minutes', 'every day at 8am', or a cron expression"}
						},
						"required": ["description", "cadence"]
					}`),
				},
				Fn: func(ctx context.Context, args map[string]any) (any, error) {
					description, _ := args["description"].(string)
					cadence, _ := args["cadence"].(string)
					if description == "" || cadence == "" {
						return nil, fmt.Errorf("description and cadence are required")
					}
					job, err := CreateJob(userID, roleID, description, cadence, now())
					if err != nil {
						return nil, err
					}
					if err := jobs.CreateJob(ctx, job); err != nil {
						return nil, err
					}
					return fmt.Sprintf("Scheduled job %s (%s), next run %s",
						job.ID, job.Kind, job.NextRun.Format(time.RFC3339)), nil
				},
			},
			{
				Descriptor: models.ToolDescriptor{
					Name:        ToolScheduleList,
					Description: "List the user's scheduled jobs with status and next run",
					InputSchema: json.RawMessage(`{"type":"object"}`),
				},
				Fn: func(ctx context.Context, _ map[string]any) (any, error) {
					all, err := jobs.ListJobs(ctx, userID)
					if err != nil {
						return nil, err
					}
					payload, err := json.Marshal(all)
					if err != nil {
						return nil, err
					}
					return string(payload), nil
				},
			},
			{
				Descriptor: models.ToolDescriptor{
					Name:        ToolScheduleCancel,
					Description: "Cancel a pending or failed scheduled job by id",
					InputSchema: json.RawMessage(`{
						"type": "object",
						"properties": {"job_id": {"type": "string"}},
						"required": ["job_id"]
					}`),
				},
				Fn: func(ctx context.Context, args map[string]any) (any, error) {
					jobID, _ := args["job_id"].(string)
					if jobID == "" {
						return nil, fmt.Errorf("job_id is required")
					}
					if err := jobs.CancelJob(ctx, userID, jobID); err != nil {
						return nil, err
					}
					return "Cancelled job " + jobID, nil
				},
			},
		}
		return adapter.NewInProcess(ProviderKey, tools), nil
	}
}
