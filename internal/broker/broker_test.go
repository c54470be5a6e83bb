package broker_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/logging"
)

const waitTimeout = 2 * time.Second

func newBroker(t *testing.T, queueSize int) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{QueueSize: queueSize})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

// collector returns a handler that forwards every event to a buffered
// channel the test can read from.
func collector(size int) (broker.Handler, <-chan events.Event) {
	ch := make(chan events.Event, size)
	return func(e events.Event) error {
		ch <- e
		return nil
	}, ch
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func expectNone(t *testing.T, ch <-chan events.Event, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(wait):
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := newBroker(t, 0)
	assert.Equal(t, 0, b.Publish(events.MessageCreated, "Main", "payload"))
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	b := newBroker(t, 0)

	_, err := b.Subscribe("bogus", nil, func(events.Event) error { return nil })
	assert.Error(t, err)

	_, err = b.Subscribe(events.MessageCreated, nil, nil)
	assert.Error(t, err)
}

func TestPublishRoutesByKindAndRoom(t *testing.T) {
	b := newBroker(t, 0)

	mainHandler, mainCh := collector(8)
	otherHandler, otherCh := collector(8)
	typingHandler, typingCh := collector(8)

	_, err := b.Subscribe(events.MessageCreated, broker.RoomFilter("Main"), mainHandler)
	require.NoError(t, err)
	_, err = b.Subscribe(events.MessageCreated, broker.RoomFilter("Other"), otherHandler)
	require.NoError(t, err)
	_, err = b.Subscribe(events.TypingChanged, broker.RoomFilter("Main"), typingHandler)
	require.NoError(t, err)

	queued := b.Publish(events.MessageCreated, "Main", "hello")
	assert.Equal(t, 1, queued)

	ev := receive(t, mainCh)
	assert.Equal(t, events.MessageCreated, ev.Kind)
	assert.Equal(t, "Main", ev.Room)
	assert.Equal(t, "hello", ev.Payload)
	assert.False(t, ev.At.IsZero())

	expectNone(t, otherCh, 50*time.Millisecond)
	expectNone(t, typingCh, 10*time.Millisecond)
}

func TestRoomIsolationUnderConcurrentPublishes(t *testing.T) {
	b := newBroker(t, 1024)
	handler, ch := collector(1024)
	_, err := b.Subscribe(events.MessageCreated, broker.RoomFilter("Main"), handler)
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		room := "Main"
		if i%2 == 1 {
			room = "Other"
		}
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				b.Publish(events.MessageCreated, room, j)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < 4*50; i++ {
		assert.Equal(t, "Main", receive(t, ch).Room)
	}
	expectNone(t, ch, 50*time.Millisecond)
}

func TestDeliveryOrderIsFIFOPerSubscriber(t *testing.T) {
	b := newBroker(t, 128)
	handler, ch := collector(128)
	_, err := b.Subscribe(events.MessageCreated, nil, handler)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		b.Publish(events.MessageCreated, "Main", i)
	}
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, receive(t, ch).Payload)
	}
}

func TestSubscriberAddedDuringPublishMissesInFlightEvent(t *testing.T) {
	b := newBroker(t, 0)
	lateHandler, lateCh := collector(8)

	var once sync.Once
	var late *broker.Subscription
	firstHandler, firstCh := collector(8)

	// The predicate runs inside Publish, so subscribing from it lands in
	// the middle of an in-flight publish.
	_, err := b.Subscribe(events.MessageCreated, func(events.Event) bool {
		once.Do(func() {
			var err error
			late, err = b.Subscribe(events.MessageCreated, nil, lateHandler)
			require.NoError(t, err)
		})
		return true
	}, firstHandler)
	require.NoError(t, err)

	b.Publish(events.MessageCreated, "Main", "first")
	assert.Equal(t, "first", receive(t, firstCh).Payload)
	require.NotNil(t, late)
	expectNone(t, lateCh, 50*time.Millisecond)

	b.Publish(events.MessageCreated, "Main", "second")
	assert.Equal(t, "second", receive(t, lateCh).Payload)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := newBroker(t, 0)
	handler, ch := collector(8)
	sub, err := b.Subscribe(events.PresenceChanged, nil, handler)
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(events.PresenceChanged))
	assert.NoError(t, sub.Err())

	b.Unsubscribe(sub.Token())
	b.Unsubscribe(sub.Token())
	b.Unsubscribe("never-issued")

	select {
	case <-sub.Done():
	case <-time.After(waitTimeout):
		t.Fatal("subscription not stopped")
	}
	assert.ErrorIs(t, sub.Err(), broker.ErrUnsubscribed)
	assert.Equal(t, 0, b.SubscriberCount(events.PresenceChanged))
	assert.Equal(t, 0, b.Publish(events.PresenceChanged, "Main", "x"))
	expectNone(t, ch, 50*time.Millisecond)
}

func TestUnsubscribeConcurrentWithPublish(t *testing.T) {
	b := newBroker(t, 16)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				b.Publish(events.TypingChanged, "Main", j)
			}
			return nil
		})
	}
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				sub, err := b.Subscribe(events.TypingChanged, nil, func(events.Event) error { return nil })
				if err != nil {
					return err
				}
				b.Unsubscribe(sub.Token())
				b.Unsubscribe(sub.Token())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, b.SubscriberCount(events.TypingChanged))
}

func TestFailingSubscribersAreIsolated(t *testing.T) {
	b := newBroker(t, 0)

	_, err := b.Subscribe(events.MessageCreated, nil, func(events.Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(events.MessageCreated, nil, func(events.Event) error {
		return errors.New("transport gone")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(events.MessageCreated, func(events.Event) bool {
		panic("bad predicate")
	}, func(events.Event) error { return nil })
	require.NoError(t, err)

	healthy, ch := collector(8)
	_, err = b.Subscribe(events.MessageCreated, nil, healthy)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		b.Publish(events.MessageCreated, "Main", 1)
		b.Publish(events.MessageCreated, "Main", 2)
	})
	assert.Equal(t, 1, receive(t, ch).Payload)
	assert.Equal(t, 2, receive(t, ch).Payload)
}

func TestSlowSubscriberIsEvictedWithoutBlockingOthers(t *testing.T) {
	b := newBroker(t, 2)

	release := make(chan struct{})
	defer close(release)
	stalled, err := b.Subscribe(events.MessageCreated, nil, func(events.Event) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	fast, ch := collector(64)
	_, err = b.Subscribe(events.MessageCreated, nil, fast)
	require.NoError(t, err)

	// Pace publishes on the fast subscriber so only the stalled one backs up.
	for i := 0; i < 20; i++ {
		start := time.Now()
		b.Publish(events.MessageCreated, "Main", i)
		assert.Less(t, time.Since(start), 500*time.Millisecond, "publish must not block on a stalled subscriber")
		assert.Equal(t, i, receive(t, ch).Payload)
	}

	select {
	case <-stalled.Done():
	case <-time.After(waitTimeout):
		t.Fatal("stalled subscriber was not evicted")
	}
	assert.ErrorIs(t, stalled.Err(), broker.ErrSlowSubscriber)
	assert.Equal(t, 1, b.SubscriberCount(events.MessageCreated))
}

func TestCloseStopsSubscriptions(t *testing.T) {
	b := broker.New(broker.Config{})
	subs := make([]*broker.Subscription, 0, 3)
	for _, kind := range []events.Kind{events.MessageCreated, events.MessageEdited, events.TypingChanged} {
		sub, err := b.Subscribe(kind, nil, func(events.Event) error { return nil })
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, b.Close(ctx))
	require.NoError(t, b.Close(ctx), "close is idempotent")

	for i, sub := range subs {
		select {
		case <-sub.Done():
		default:
			t.Fatalf("subscription %d still active", i)
		}
		assert.ErrorIs(t, sub.Err(), broker.ErrClosed)
	}

	_, err := b.Subscribe(events.MessageCreated, nil, func(events.Event) error { return nil })
	assert.ErrorIs(t, err, broker.ErrClosed)
}

func TestCloseTimesOutOnStuckHandler(t *testing.T) {
	b := broker.New(broker.Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	_, err := b.Subscribe(events.MessageCreated, nil, func(events.Event) error {
		close(entered)
		<-release
		return nil
	})
	require.NoError(t, err)
	b.Publish(events.MessageCreated, "Main", "stuck")
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
}

func TestManySubscribersEachReceiveOnce(t *testing.T) {
	b := newBroker(t, 0)
	const n = 25

	var mu sync.Mutex
	counts := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("sub-%d", i)
		_, err := b.Subscribe(events.MessageEdited, broker.RoomFilter("Main"), func(events.Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, n, b.Publish(events.MessageEdited, "Main", "edit"))
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, counts, n)
	for name, c := range counts {
		assert.Equal(t, 1, c, name)
	}
}

func TestBrokerLogsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	b := broker.New(broker.Config{Logger: logging.New(&buf, "production", "debug")})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = b.Close(ctx)
	})

	handle, _ := collector(1)
	_, err := b.Subscribe(events.MessageCreated, nil, handle)
	require.NoError(t, err)

	line, _, _ := strings.Cut(buf.String(), "\n")
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"component"`), line)
	assert.Contains(t, line, `"component":"broker"`)
}
