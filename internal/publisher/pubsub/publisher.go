// Package pubsub publishes lifecycle events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Attributed payloads contribute message attributes, which subscribers can
// filter on without decoding the body.
type Attributed interface {
	Attributes() map[string]string
}

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic      *pubsub.Topic
	propagator propagation.TextMapPropagator
}

// New creates a Publisher for the provided topic. Trace context is injected
// into message attributes with the global propagator.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic, propagator: otel.GetTextMapPropagator()}
}

// Publish marshals the payload to JSON and publishes it to the topic. The
// topic argument is recorded as an attribute; the destination is fixed at
// construction.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	msg, err := buildMessage(ctx, p.propagator, topic, payload)
	if err != nil {
		return "", err
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

func buildMessage(ctx context.Context, prop propagation.TextMapPropagator, topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{}
	if topic != "" {
		attrs["event"] = topic
	}
	if a, ok := payload.(Attributed); ok {
		for k, v := range a.Attributes() {
			attrs[k] = v
		}
	}
	if prop != nil {
		prop.Inject(ctx, &pubsubCarrier{attrs: attrs})
	}
	return &pubsub.Message{Data: data, Attributes: attrs}, nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
