package staleness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/metrics"
	"github.com/stateline/stateline/pkg/model"
)

// PipelineLister supplies the pipelines to scan.
type PipelineLister interface {
	ListPipelines(ctx context.Context, entityType string, limit, offset int) ([]model.Pipeline, int64, error)
}

// StaleFinder reports entities stuck in their current state past the
// threshold.
type StaleFinder interface {
	FindStale(ctx context.Context, pipelineID uuid.UUID, threshold time.Duration) ([]model.StaleEntity, error)
}

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, event eventbus.Event) error
}

// Monitor periodically scans every active pipeline for entities whose time in
// their current state exceeds the threshold, exports them as a gauge and
// emits one event per stale entity for alerting consumers.
type Monitor struct {
	pipelines PipelineLister
	entities  StaleFinder
	events    Publisher
	logger    *zap.Logger
	interval  time.Duration
	threshold time.Duration
}

func NewMonitor(
	pipelines PipelineLister,
	entities StaleFinder,
	events Publisher,
	logger *zap.Logger,
	interval, threshold time.Duration,
) *Monitor {
	if interval <= 0 {
		interval = time.Hour
	}
	if threshold <= 0 {
		threshold = 7 * 24 * time.Hour
	}
	return &Monitor{
		pipelines: pipelines,
		entities:  entities,
		events:    events,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("staleness monitor starting",
		zap.Duration("interval", m.interval),
		zap.Duration("threshold", m.threshold),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("staleness monitor shutting down")
			return ctx.Err()
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan runs one full pass over all active pipelines.
func (m *Monitor) Scan(ctx context.Context) {
	const pageSize = 100

	for offset := 0; ; offset += pageSize {
		pipelines, total, err := m.pipelines.ListPipelines(ctx, "", pageSize, offset)
		if err != nil {
			m.logger.Warn("failed to list pipelines", zap.Error(err))
			return
		}

		for i := range pipelines {
			if !pipelines[i].Active {
				continue
			}
			m.scanPipeline(ctx, &pipelines[i])
		}

		if int64(offset+pageSize) >= total {
			return
		}
	}
}

func (m *Monitor) scanPipeline(ctx context.Context, pipeline *model.Pipeline) {
	stale, err := m.entities.FindStale(ctx, pipeline.ID, m.threshold)
	if err != nil {
		m.logger.Warn("stale scan failed",
			zap.String("pipeline", pipeline.Code), zap.Error(err))
		return
	}

	byState := make(map[string]int)
	for _, entry := range stale {
		byState[entry.StateCode]++
		m.publishStale(ctx, pipeline, entry)
	}
	for state, count := range byState {
		metrics.StaleEntities.WithLabelValues(pipeline.ID.String(), state).Set(float64(count))
	}

	if len(stale) > 0 {
		m.logger.Info("stale entities found",
			zap.String("pipeline", pipeline.Code),
			zap.Int("count", len(stale)),
		)
	}
}

func (m *Monitor) publishStale(ctx context.Context, pipeline *model.Pipeline, entry model.StaleEntity) {
	if m.events == nil {
		return
	}

	event, err := eventbus.NewEvent("entity_stale", eventbus.StaleEntityEvent{
		PipelineID:     pipeline.ID.String(),
		EntityType:     entry.EntityState.EntityType,
		EntityID:       entry.EntityState.EntityID,
		State:          entry.StateCode,
		ElapsedSeconds: int64(entry.Elapsed.Seconds()),
	})
	if err != nil {
		m.logger.Warn("failed to build stale event", zap.Error(err))
		return
	}
	if err := m.events.Publish(ctx, eventbus.ChannelStale, event); err != nil {
		m.logger.Warn("failed to publish stale event", zap.Error(err))
	}
}
