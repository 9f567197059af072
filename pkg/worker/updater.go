package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dukex/flowcore/pkg/models"
	"github.com/dukex/flowcore/pkg/tasks"
	"github.com/tidwall/gjson"
)

// Job lifecycle activities handled by Updater.
const (
	JobCompleteActivity  = "jobComplete"
	JobFailedActivity    = "jobFailed"
	JobCancelledActivity = "jobCancelled"
)

// Updater reports job progress. It consumes the updater notifications and the job lifecycle
// activities a workflow schedules at its end.
type Updater struct {
	Logger *slog.Logger
}

func (u Updater) Handle(ctx context.Context, task *Task) error {
	logger := u.Logger.With("job_id", task.JobID, "execution_id", task.ExecutionID)

	switch task.ActivityName {
	case JobCompleteActivity:
		logger.InfoContext(ctx, "job completed", "destination", task.Input("destination").String())
	case JobFailedActivity:
		logger.InfoContext(ctx, "job failed", "message", task.Input("message").String())
	case JobCancelledActivity:
		logger.InfoContext(ctx, "job cancelled")
	default:
		return task.RespondFailure(ctx, "Unknown activity name - "+task.ActivityName, nil)
	}

	return task.RespondSuccess(ctx, nil)
}

func (u Updater) HandleNotification(ctx context.Context, task *Task) error {
	logger := u.Logger.With("job_id", task.JobID, "execution_id", task.ExecutionID)
	notificationType := task.Input("type").String()

	switch notificationType {
	case tasks.HeartbeatNotificationType:
		progress := int(task.Input("progress").Int())
		logger.InfoContext(ctx, "job progress",
			"progress", progress,
			"overall_progress", OverallProgress(progress, json.RawMessage(task.Input("progressData").Raw)),
			"message", task.Input("message").String())
	case tasks.FailureNotificationType, string(models.EventWorkflowExecutionCancelled):
		logger.InfoContext(ctx, "job errored", "type", notificationType, "reason", task.Input("reason").String())
	default:
		logger.WarnContext(ctx, "unknown notification type", "type", notificationType)
	}

	return nil
}

// OverallProgress spreads a stage's progress over all stages: ((stage-1)*100+progress)/stages.
// It returns -1 when progressData does not carry stage and stages.
func OverallProgress(progress int, progressData json.RawMessage) int {
	stage := gjson.GetBytes(progressData, "stage")
	stages := gjson.GetBytes(progressData, "stages")

	if !stage.Exists() || !stages.Exists() || stages.Int() <= 0 {
		return -1
	}

	return (int(stage.Int()-1)*100 + progress) / int(stages.Int())
}
