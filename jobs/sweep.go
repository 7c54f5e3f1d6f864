package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// DefaultSweepRetention keeps removed and expired assignments for 90 days
// before hard deletion, preserving a window for audit reconstruction.
const DefaultSweepRetention = 90 * 24 * time.Hour

// SweepRepository hard-deletes assignments that were removed or expired
// before the cutoff.
type SweepRepository interface {
	DeleteSweepable(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper purges dead assignment rows. Active grants are never touched;
// lazy expiry keeps expired rows invisible to reads long before the sweep.
type Sweeper struct {
	repo      SweepRepository
	retention time.Duration
	metrics   *Metrics
	logger    *slog.Logger
}

// NewSweeper constructs a Sweeper instance. Metrics may be nil.
func NewSweeper(repo SweepRepository, retention time.Duration, metrics *Metrics, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultSweepRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{repo: repo, retention: retention, metrics: metrics, logger: logger}
}

// HandleAssignmentSweep processes TaskTypeAssignmentSweep tasks.
func (s *Sweeper) HandleAssignmentSweep(ctx context.Context, t *asynq.Task) error {
	var payload AssignmentSweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("assignment_sweep")
	retention := payload.Retention
	if retention <= 0 {
		retention = s.retention
	}
	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := s.repo.DeleteSweepable(ctx, cutoff)
	if err != nil {
		s.logger.Error("assignment sweep failed", slog.Any("error", err))
		return tracker.End(err)
	}
	s.metrics.AddSwept(deleted)
	s.logger.Info("assignment sweep executed",
		slog.String("job", "assignment_sweep"),
		slog.Time("cutoff", cutoff),
		slog.Int64("deleted", deleted))
	return tracker.End(nil)
}
