// Package pubsub implements a Google Cloud Pub/Sub publisher for completion events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Sender delivers one message to a topic and returns the server-assigned id.
type Sender interface {
	Send(ctx context.Context, topic string, msg *pubsub.Message) (string, error)
}

// Publisher marshals payloads to JSON and hands them to a Sender.
type Publisher struct {
	sender     Sender
	propagator propagation.TextMapPropagator
	logger     *zap.Logger
}

var _ pipeline.Publisher = (*Publisher)(nil)

// Option customises a Publisher.
type Option func(*Publisher)

// WithPropagator overrides the global OpenTelemetry propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(pub *Publisher) {
		pub.propagator = p
	}
}

// New creates a Publisher on top of sender.
func New(sender Sender, logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		sender:     sender,
		propagator: otel.GetTextMapPropagator(),
		logger:     logger.Named("pubsub"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish marshals the payload to JSON and publishes it to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.sender == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"content_type": "application/json"},
	}
	p.propagator.Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	id, err := p.sender.Send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", topic, err)
	}
	p.logger.Debug("published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// ClientSender publishes through a Pub/Sub client, keeping one publisher per topic.
type ClientSender struct {
	client *pubsub.Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// NewClientSender creates a client for projectID.
func NewClientSender(ctx context.Context, projectID string) (*ClientSender, error) {
	if projectID == "" {
		return nil, fmt.Errorf("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &ClientSender{client: client, publishers: make(map[string]*pubsub.Publisher)}, nil
}

// Send publishes msg and waits for the server acknowledgement.
func (s *ClientSender) Send(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	result := s.publisher(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *ClientSender) publisher(topic string) *pubsub.Publisher {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.publishers[topic]
	if !ok {
		pub = s.client.Publisher(topic)
		s.publishers[topic] = pub
	}
	return pub
}

// Close flushes pending messages and closes the client.
func (s *ClientSender) Close() error {
	s.mu.Lock()
	for _, pub := range s.publishers {
		pub.Stop()
	}
	s.publishers = map[string]*pubsub.Publisher{}
	s.mu.Unlock()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
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
