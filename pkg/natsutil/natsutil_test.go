package natsutil

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type testMsg struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type capture struct {
	msgs []*nats.Msg
	err  error
}

func (c *capture) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return c.err
}

func withTraceContext(t *testing.T) context.Context {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x04, 0x05},
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("expected traceparent, got %q", got)
	}

	keys := carrier.Keys()
	if len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestNatsHeaderCarrierNilHeader(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	if got := carrier.Get("missing"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Fatalf("expected nil keys, got %v", keys)
	}
}

func TestPublishInjectsTrace(t *testing.T) {
	ctx := withTraceContext(t)
	pub := &capture{}
	if err := Publish(ctx, pub, "ifcgraph.test", testMsg{Name: "run", Value: 3}); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.Subject != "ifcgraph.test" || string(m.Data) != `{"name":"run","value":3}` {
		t.Fatalf("unexpected message %s %s", m.Subject, m.Data)
	}
	if m.Header.Get("traceparent") == "" {
		t.Fatal("trace context not propagated")
	}
}

func TestPublishWrapsErrors(t *testing.T) {
	down := errors.New("no servers")
	err := Publish(context.Background(), &capture{err: down}, "s", testMsg{})
	if !errors.Is(err, down) {
		t.Fatalf("err = %v", err)
	}
	if err := Publish(context.Background(), &capture{}, "s", make(chan int)); err == nil {
		t.Fatal("unencodable value should fail")
	}
}

func TestDecodeRoundTripsTrace(t *testing.T) {
	ctx := withTraceContext(t)
	pub := &capture{}
	if err := Publish(ctx, pub, "s", testMsg{Name: "a", Value: 1}); err != nil {
		t.Fatal(err)
	}

	var got testMsg
	var traceID trace.TraceID
	decode(func(ctx context.Context, v testMsg) {
		got = v
		traceID = trace.SpanContextFromContext(ctx).TraceID()
	})(pub.msgs[0])

	if got != (testMsg{Name: "a", Value: 1}) {
		t.Fatalf("got %+v", got)
	}
	if traceID != (trace.TraceID{0x01, 0x02, 0x03}) {
		t.Fatalf("trace id %s not extracted", traceID)
	}
}

func TestDecodeDropsMalformed(t *testing.T) {
	called := false
	decode(func(context.Context, testMsg) { called = true })(&nats.Msg{Data: []byte("{invalid json")})
	if called {
		t.Fatal("handler should not have been called for malformed message")
	}
}
