package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/mira-run/mira/internal/config"
	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/mira"
)

// ActiveSegment describes one user's currently open conversation segment, as
// seen by whatever keeps continuums resident (the orchestrator's in-memory
// registry in production).
type ActiveSegment struct {
	ContinuumID string
	UserID      string
	SegmentID   string
	IdleFor     time.Duration
	// LocalHour is the hour-of-day (0-23) in the user's local timezone,
	// used to pick the applicable idle threshold.
	LocalHour int
}

// ActiveSegmentSource enumerates currently open segments across all users.
// The scheduler depends only on this interface so it never needs to know
// how continuums are held in memory.
type ActiveSegmentSource interface {
	ActiveSegments(ctx context.Context) ([]ActiveSegment, error)
}

// SegmentTimeoutJob scans active segments every tick and publishes a
// SegmentTimeoutEvent for any whose idle duration has crossed the
// configured threshold for its local hour. It does not collapse the segment
// itself; that stays the orchestrator's job, triggered by the event.
type SegmentTimeoutJob struct {
	source ActiveSegmentSource
	cfg    func() config.SegmentTimeoutConfig
	bus    *eventbus.Bus
}

// NewSegmentTimeoutJob constructs the job. cfg is called on every run so a
// hot-reloaded threshold config takes effect without restarting the job.
func NewSegmentTimeoutJob(source ActiveSegmentSource, cfg func() config.SegmentTimeoutConfig, bus *eventbus.Bus) *SegmentTimeoutJob {
	return &SegmentTimeoutJob{source: source, cfg: cfg, bus: bus}
}

func (j *SegmentTimeoutJob) Name() string { return "segment_timeout_scan" }

func (j *SegmentTimeoutJob) Run(ctx context.Context) error {
	segments, err := j.source.ActiveSegments(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active segments: %w", err)
	}
	cfg := j.cfg()
	for _, seg := range segments {
		threshold := cfg.Threshold(seg.LocalHour)
		if seg.IdleFor < threshold {
			continue
		}
		j.bus.Publish(mira.SegmentTimeoutEvent{
			ContinuumID: seg.ContinuumID,
			UserID:      seg.UserID,
			SegmentID:   seg.SegmentID,
			IdleFor:     seg.IdleFor,
			LocalHour:   seg.LocalHour,
		})
	}
	return nil
}
