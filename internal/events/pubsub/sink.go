// Package pubsub publishes events to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/goalclip/internal/events"
)

// Publisher sends one message and returns its server id.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
}

// Topic adapts a *pubsub.Topic to Publisher.
type Topic struct {
	topic *pubsub.Topic
}

// NewTopic wraps topic.
func NewTopic(topic *pubsub.Topic) *Topic {
	return &Topic{topic: topic}
}

// Publish implements Publisher.
func (t *Topic) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	if t.topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	id, err := t.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending publishes.
func (t *Topic) Stop() {
	if t.topic != nil {
		t.topic.Stop()
	}
}

// Sink is an events.Sink that publishes one JSON message per event.
type Sink struct {
	publisher Publisher
}

// NewSink builds a Sink.
func NewSink(p Publisher) *Sink {
	return &Sink{publisher: p}
}

// Consume implements events.Sink.
func (s *Sink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal event: %w", err))
			continue
		}
		attrs := map[string]string{
			"kind":   string(evt.Kind),
			"target": evt.Target,
		}
		otel.GetTextMapPropagator().Inject(ctx, carrier(attrs))
		if _, err := s.publisher.Publish(ctx, data, attrs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements events.Sink.
func (s *Sink) Close(context.Context) error {
	if stopper, ok := s.publisher.(interface{ Stop() }); ok {
		stopper.Stop()
	}
	return nil
}

// carrier implements propagation.TextMapCarrier over message attributes.
type carrier map[string]string

func (c carrier) Get(key string) string { return c[key] }

func (c carrier) Set(key, value string) { c[key] = value }

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
