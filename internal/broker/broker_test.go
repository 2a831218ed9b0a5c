package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		topic   string
		want    bool
	}{
		{"exact match", "pipeline.run1.status", "pipeline.run1.status", true},
		{"exact mismatch", "pipeline.run1.status", "pipeline.run2.status", false},
		{"star matches one segment", "pipeline.*.status", "pipeline.run1.status", true},
		{"star does not span segments", "pipeline.*", "pipeline.run1.status", false},
		{"hash matches remainder", "pipeline.#", "pipeline.run1.status", true},
		{"hash matches single segment", "quality.#", "quality.report", true},
		{"hash alone matches everything", "#", "a.b.c", true},
		{"shorter topic", "pipeline.*.status", "pipeline.run1", false},
		{"longer topic", "pipeline.status", "pipeline.status.extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchTopic(strings.Split(tt.pattern, "."), tt.topic)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr error
	}{
		{"valid exact", "pipeline.status", nil},
		{"valid wildcard", "pipeline.*.status", nil},
		{"valid hash tail", "pipeline.#", nil},
		{"empty", "", ErrEmptyPattern},
		{"empty segment", "pipeline..status", ErrEmptyPattern},
		{"hash not last", "pipeline.#.status", ErrInvalidPattern},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePattern(tt.pattern)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := New(16, slog.Default())
	defer b.Close()

	var mu sync.Mutex
	var got []Message
	done := make(chan struct{}, 1)

	_, err := b.Subscribe("pipeline.*.status", func(ctx context.Context, msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		done <- struct{}{}
	})
	require.NoError(t, err)

	_, err = b.Subscribe("quality.#", func(ctx context.Context, msg Message) {
		t.Error("quality subscriber must not receive pipeline topics")
	})
	require.NoError(t, err)

	msg := b.Publish(context.Background(), "pipeline.run1.status", map[string]any{
		"status": "running",
	})
	require.NotEmpty(t, msg.ID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "pipeline.run1.status", got[0].Topic)
	assert.Equal(t, "running", got[0].String("status"))
	assert.False(t, got[0].Time.IsZero())
}

func TestSubscribeValidation(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	_, err := b.Subscribe("topic", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = b.Subscribe("", func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrEmptyPattern)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(16, nil)
	defer b.Close()

	received := make(chan Message, 8)
	id, err := b.Subscribe("events.#", func(ctx context.Context, msg Message) {
		received <- msg
	})
	require.NoError(t, err)

	b.Publish(context.Background(), "events.one", nil)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("first message not delivered")
	}

	b.Unsubscribe(id)
	b.Publish(context.Background(), "events.two", nil)

	select {
	case msg := <-received:
		t.Fatalf("unexpected delivery after unsubscribe: %s", msg.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(2, nil)
	defer b.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string

	_, err := b.Subscribe("flood.#", func(ctx context.Context, msg Message) {
		<-release
		mu.Lock()
		seen = append(seen, msg.String("n"))
		mu.Unlock()
	})
	require.NoError(t, err)

	// One message occupies the handler, two fill the buffer, the rest drop.
	for i := 0; i < 6; i++ {
		b.Publish(context.Background(), "flood.n", map[string]any{"n": string(rune('a' + i))})
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := b.Stats()
	assert.Greater(t, stats.Dropped, int64(0))
	assert.Equal(t, int64(6), stats.Published)
}

func TestCloseWaitsForDispatchers(t *testing.T) {
	b := New(4, nil)

	started := make(chan struct{})
	_, err := b.Subscribe("slow.#", func(ctx context.Context, msg Message) {
		close(started)
		time.Sleep(50 * time.Millisecond)
	})
	require.NoError(t, err)

	b.Publish(context.Background(), "slow.msg", nil)
	<-started
	b.Close()

	_, err = b.Subscribe("late.#", func(context.Context, Message) {})
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent
	b.Close()
}

func TestStatsSubscriberCount(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	id1, err := b.Subscribe("a.#", func(context.Context, Message) {})
	require.NoError(t, err)
	_, err = b.Subscribe("b.#", func(context.Context, Message) {})
	require.NoError(t, err)

	assert.Equal(t, 2, b.Stats().Subscribers)
	b.Unsubscribe(id1)
	assert.Equal(t, 1, b.Stats().Subscribers)
}

func TestCounterInstrumentsRecordTraffic(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		provider.Shutdown(context.Background())
	})

	b := New(16, slog.Default())
	defer b.Close()

	delivered := make(chan struct{}, 1)
	_, err := b.Subscribe("events.#", func(ctx context.Context, msg Message) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)

	b.Publish(context.Background(), "events.ping", nil)
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.Eventually(t, func() bool {
		return b.Stats().Delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				var total int64
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
				sums[m.Name] = total
			}
		}
	}
	assert.Equal(t, int64(1), sums["broker.messages.published"])
	assert.Equal(t, int64(1), sums["broker.messages.delivered"])
}
