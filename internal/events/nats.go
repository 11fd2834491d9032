package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/agentmesh/internal/model"
)

const (
	eventStreamName     = "AGENTMESH_EVENTS"
	eventStreamSubjects = "agentmesh.events.>"
	eventSubjectPrefix  = "agentmesh.events."
	eventStreamMaxAge   = 24 * time.Hour
)

func eventSubject(typ model.EventType) string {
	return eventSubjectPrefix + string(typ)
}

// Forwarder republishes bus events onto JetStream so dashboards outside the
// process can watch the run. Losing an event is acceptable; stalling the
// publisher is not.
type Forwarder struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewForwarder creates the forwarder and ensures the event stream exists.
func NewForwarder(js nats.JetStreamContext, logger *zap.Logger) (*Forwarder, error) {
	f := &Forwarder{
		logger: logger.Named("event-forwarder"),
		js:     js,
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{eventStreamSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   eventStreamMaxAge,
	})
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create event stream: %w", err)
		}
		f.logger.Info("using existing stream", zap.String("stream", eventStreamName))
	}
	return f, nil
}

// Run drains the channel into JetStream until the context ends or the
// channel closes. Typically fed by a Bus subscription.
func (f *Forwarder) Run(ctx context.Context, events <-chan model.Event) {
	f.logger.Info("event forwarder started")
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("event forwarder stopped")
			return
		case event, ok := <-events:
			if !ok {
				f.logger.Info("event channel closed, forwarder exiting")
				return
			}
			if err := f.Publish(ctx, event); err != nil {
				f.logger.Warn("failed to forward event",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}
	}
}

// Publish pushes a single event to its per-type subject.
func (f *Forwarder) Publish(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.js.Publish(eventSubject(event.Type), data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// SubscribeEvents delivers every forwarded event to handler until the
// context ends. Malformed payloads are logged and skipped.
func (f *Forwarder) SubscribeEvents(ctx context.Context, handler func(model.Event)) error {
	sub, err := f.js.Subscribe(eventStreamSubjects, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Error("failed to unmarshal event", zap.Error(err))
			return
		}

		handler(event)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			f.logger.Warn("failed to unsubscribe from events", zap.Error(err))
		}
	}()

	return nil
}
