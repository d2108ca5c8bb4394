package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stagecraft/stagecraft/internal/common/apperr"
)

// flakyBus fails every publish with err until it is cleared. Only the publish
// path matters to the breaker; everything else passes through the embedded Bus.
type flakyBus struct {
	Bus
	calls int
	err   error
}

func (f *flakyBus) Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error {
	f.calls++
	return f.err
}

func TestBreakerBus_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyBus{err: errors.New("connection reset")}
	b := NewBreakerBus(inner, newTestLogger(t))
	ctx := context.Background()
	topic := NewTopics("").Results()

	for i := 0; i < 5; i++ {
		if err := b.Publish(ctx, topic, []byte("{}")); !errors.Is(err, inner.err) {
			t.Fatalf("publish %d: expected the backend error, got %v", i+1, err)
		}
	}
	if inner.calls != 5 {
		t.Fatalf("expected 5 backend attempts before the trip, got %d", inner.calls)
	}

	err := b.Publish(ctx, topic, []byte("{}"))
	if inner.calls != 5 {
		t.Fatalf("open breaker must not reach the backend, got %d calls", inner.calls)
	}
	if !apperr.IsKind(err, apperr.KindTransient) {
		t.Fatalf("expected a transient error from the open breaker, got %v", err)
	}
}

func TestBreakerBus_PassesThroughWhenHealthy(t *testing.T) {
	inner := &flakyBus{}
	b := NewBreakerBus(inner, newTestLogger(t))

	if err := b.Publish(context.Background(), NewTopics("").Results(), []byte("{}")); err != nil {
		t.Fatalf("healthy publish failed: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected one backend call, got %d", inner.calls)
	}
}
