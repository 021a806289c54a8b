package pubsub

import (
	"context"
	"errors"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type recordingSender struct {
	topic string
	msg   *pubsub.Message
	err   error
}

func (s *recordingSender) Send(_ context.Context, topic string, msg *pubsub.Message) (string, error) {
	s.topic = topic
	s.msg = msg
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func TestPublishMarshalsAndInjectsTraceContext(t *testing.T) {
	t.Parallel()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithRemoteSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	sender := &recordingSender{}
	pub := New(sender, nil, WithPropagator(propagation.TraceContext{}))
	id, err := pub.Publish(ctx, "listings-completed", map[string]string{"sku": "listing"})
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Equal(t, "listings-completed", sender.topic)
	require.JSONEq(t, `{"sku":"listing"}`, string(sender.msg.Data))
	require.Equal(t, "application/json", sender.msg.Attributes["content_type"])
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", sender.msg.Attributes["traceparent"])
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Publish(context.Background(), "t", "x")
	require.Error(t, err)

	_, err = New(&recordingSender{}, nil).Publish(context.Background(), "", "x")
	require.Error(t, err)

	_, err = New(&recordingSender{}, nil).Publish(context.Background(), "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	boom := errors.New("deadline")
	_, err = New(&recordingSender{err: boom}, nil).Publish(context.Background(), "t", "x")
	require.ErrorIs(t, err, boom)
}

func TestCarrierKeys(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "v")
	require.Equal(t, "v", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
