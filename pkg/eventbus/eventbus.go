package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TransitionEvent is published after every committed transition.
type TransitionEvent struct {
	PipelineID string `json:"pipeline_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state"`
	Transition string `json:"transition,omitempty"`
	Actor      string `json:"actor"`
}

// ApprovalEvent signals that a transition needs routing through an approval
// workflow before it can execute.
type ApprovalEvent struct {
	PipelineID   string `json:"pipeline_id"`
	TransitionID string `json:"transition_id"`
	Transition   string `json:"transition"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	RequestedBy  string `json:"requested_by"`
}

// NotificationEvent carries a send_notification action payload to whatever
// delivery collaborator subscribes to the channel.
type NotificationEvent struct {
	Channel    string                 `json:"channel"`
	Recipients []string               `json:"recipients,omitempty"`
	Message    string                 `json:"message"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// StaleEntityEvent is emitted by the staleness monitor for alerting.
type StaleEntityEvent struct {
	PipelineID     string `json:"pipeline_id"`
	EntityType     string `json:"entity_type"`
	EntityID       string `json:"entity_id"`
	State          string `json:"state"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

const (
	ChannelTransition   = "sl:events:transition"
	ChannelApproval     = "sl:events:approval"
	ChannelNotification = "sl:events:notification"
	ChannelStale        = "sl:events:stale"
)

type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) <-chan *Event {
	sub := b.client.Subscribe(ctx, channels...)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			ch <- &event
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
