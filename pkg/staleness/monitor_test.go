package staleness

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/model"
)

type fakePipelines struct {
	pipelines []model.Pipeline
}

func (f *fakePipelines) ListPipelines(_ context.Context, _ string, _, offset int) ([]model.Pipeline, int64, error) {
	if offset > 0 {
		return nil, int64(len(f.pipelines)), nil
	}
	return f.pipelines, int64(len(f.pipelines)), nil
}

type fakeStale struct {
	byPipeline map[uuid.UUID][]model.StaleEntity
	thresholds []time.Duration
}

func (f *fakeStale) FindStale(_ context.Context, pipelineID uuid.UUID, threshold time.Duration) ([]model.StaleEntity, error) {
	f.thresholds = append(f.thresholds, threshold)
	return f.byPipeline[pipelineID], nil
}

type fakePublisher struct {
	channels []string
	events   []eventbus.Event
}

func (f *fakePublisher) Publish(_ context.Context, channel string, event eventbus.Event) error {
	f.channels = append(f.channels, channel)
	f.events = append(f.events, event)
	return nil
}

func TestScanPublishesStaleEntities(t *testing.T) {
	active := model.Pipeline{ID: uuid.New(), Code: "asset-lifecycle", Active: true}
	inactive := model.Pipeline{ID: uuid.New(), Code: "old-draft", Active: false}

	stale := &fakeStale{byPipeline: map[uuid.UUID][]model.StaleEntity{
		active.ID: {
			{
				EntityState: model.EntityState{
					PipelineID: active.ID,
					EntityType: "asset",
					EntityID:   "42",
				},
				StateCode: "review",
				Elapsed:   10 * 24 * time.Hour,
			},
		},
	}}
	publisher := &fakePublisher{}

	monitor := NewMonitor(
		&fakePipelines{pipelines: []model.Pipeline{active, inactive}},
		stale, publisher, zap.NewNop(),
		time.Hour, 7*24*time.Hour,
	)
	monitor.Scan(context.Background())

	// Only the active pipeline is scanned.
	if len(stale.thresholds) != 1 || stale.thresholds[0] != 7*24*time.Hour {
		t.Fatalf("unexpected scans: %v", stale.thresholds)
	}

	if len(publisher.events) != 1 || publisher.channels[0] != eventbus.ChannelStale {
		t.Fatalf("expected one stale event, got %d on %v", len(publisher.events), publisher.channels)
	}

	var payload eventbus.StaleEntityEvent
	if err := json.Unmarshal(publisher.events[0].Data, &payload); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if payload.EntityID != "42" || payload.State != "review" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.ElapsedSeconds != int64((10 * 24 * time.Hour).Seconds()) {
		t.Fatalf("unexpected elapsed: %d", payload.ElapsedSeconds)
	}
}

func TestScanWithNothingStale(t *testing.T) {
	pipeline := model.Pipeline{ID: uuid.New(), Code: "asset-lifecycle", Active: true}
	publisher := &fakePublisher{}

	monitor := NewMonitor(
		&fakePipelines{pipelines: []model.Pipeline{pipeline}},
		&fakeStale{byPipeline: map[uuid.UUID][]model.StaleEntity{}},
		publisher, zap.NewNop(),
		time.Hour, 2*24*time.Hour,
	)
	monitor.Scan(context.Background())

	if len(publisher.events) != 0 {
		t.Fatalf("expected no events, got %d", len(publisher.events))
	}
}
