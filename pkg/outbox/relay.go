package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/metrics"
	"github.com/stateline/stateline/pkg/model"
)

type Repository interface {
	ListPending(ctx context.Context, limit int) ([]model.ActionDispatch, error)
	MarkPublished(ctx context.Context, dispatchID uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, dispatchID uuid.UUID) error
}

// Relay drains pending async action dispatches to the broker. Delivery is
// at-least-once; consumers dedupe on the dispatch id.
type Relay struct {
	repo         Repository
	writer       *kafka.Writer
	dlqWriter    *kafka.Writer
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
}

type Message struct {
	DispatchID string      `json:"dispatch_id"`
	ActionID   string      `json:"action_id"`
	PipelineID string      `json:"pipeline_id"`
	EntityType string      `json:"entity_type"`
	EntityID   string      `json:"entity_id"`
	Kind       string      `json:"kind"`
	Config     model.JSONB `json:"config"`
	Snapshot   model.JSONB `json:"snapshot"`
	CreatedAt  time.Time   `json:"created_at"`
}

type DLQMessage struct {
	Dispatch Message   `json:"dispatch"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRelay(repo Repository, writer, dlqWriter *kafka.Writer, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		repo:         repo,
		writer:       writer,
		dlqWriter:    dlqWriter,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
}

func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("dispatch relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatch relay shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) {
	dispatches, err := r.repo.ListPending(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("failed to list pending dispatches", zap.Error(err))
		return
	}

	if len(dispatches) == 0 {
		return
	}

	for _, dispatch := range dispatches {
		if err := r.publishDispatch(ctx, dispatch); err != nil {
			r.logger.Warn("failed to publish dispatch",
				zap.Error(err), zap.String("dispatch_id", dispatch.ID.String()))
		}
	}
}

func (r *Relay) publishDispatch(ctx context.Context, dispatch model.ActionDispatch) error {
	message := Message{
		DispatchID: dispatch.ID.String(),
		ActionID:   dispatch.ActionID.String(),
		PipelineID: dispatch.PipelineID.String(),
		EntityType: dispatch.EntityType,
		EntityID:   dispatch.EntityID,
		Kind:       string(dispatch.Kind),
		Config:     dispatch.Config,
		Snapshot:   dispatch.Snapshot,
		CreatedAt:  dispatch.CreatedAt,
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(dispatch.ID.String()),
		Value: payload,
		Time:  time.Now(),
	}

	if err := r.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		r.logger.Warn("failed to publish to kafka, sending to DLQ",
			zap.Error(err), zap.String("dispatch_id", dispatch.ID.String()))
		metrics.DispatchesRelayed.WithLabelValues("dlq").Inc()
		return r.publishDLQ(ctx, message, err, dispatch.ID)
	}

	if err := r.repo.MarkPublished(ctx, dispatch.ID, time.Now()); err != nil {
		r.logger.Warn("failed to mark dispatch published",
			zap.Error(err), zap.String("dispatch_id", dispatch.ID.String()))
		return err
	}

	metrics.DispatchesRelayed.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) publishDLQ(ctx context.Context, message Message, publishErr error, dispatchID uuid.UUID) error {
	dlq := DLQMessage{
		Dispatch: message,
		Error:    publishErr.Error(),
		FailedAt: time.Now(),
	}

	payload, err := json.Marshal(dlq)
	if err != nil {
		return err
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(message.DispatchID),
		Value: payload,
		Time:  time.Now(),
	}

	if err := r.dlqWriter.WriteMessages(ctx, kafkaMessage); err != nil {
		return err
	}

	if err := r.repo.MarkFailed(ctx, dispatchID); err != nil {
		r.logger.Warn("failed to mark dispatch failed",
			zap.Error(err), zap.String("dispatch_id", dispatchID.String()))
		return err
	}

	return nil
}
