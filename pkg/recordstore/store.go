package recordstore

import (
	"context"

	"github.com/modelforge/modelforge-go/pkg/models"
)

// RecordStore is the interface for job and model persistence. The
// scheduler treats it as a collaborator: store failures are logged and
// never abort scheduling decisions.
type RecordStore interface {
	// Job operations
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id string, fields models.JobUpdate) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error)
	// MarkActiveJobsStopped closes out rows left in a non-terminal
	// status by a previous run. Called once at startup.
	MarkActiveJobsStopped(ctx context.Context) (int64, error)

	// Model registry operations
	CreateModelRecord(ctx context.Context, record *models.ModelRecord) error
	ListModelRecords(ctx context.Context, limit int) ([]*models.ModelRecord, error)

	Close() error
}
