package notify

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeFiltered(t *testing.T) {
	h := NewHub[*item](nil)
	defer h.Close()

	ch, _ := h.Subscribe(context.Background(), Filter{Kinds: []Kind{Delete}})

	h.Publish(Event[*item]{Kind: Insert, Model: "person"})
	h.Publish(Event[*item]{Kind: Delete, Model: "person"})

	select {
	case ev := <-ch:
		assert.Equal(t, Delete, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	assert.Equal(t, uint64(2), h.Published())
}

func TestHub_DropsForFullSubscriber(t *testing.T) {
	h := NewHub[*item](nil)
	defer h.Close()

	_, _ = h.Subscribe(context.Background(), Filter{})
	for i := 0; i < subscriberBufferSize+5; i++ {
		h.Publish(Event[*item]{Kind: Insert, Model: "person"})
	}

	assert.Equal(t, uint64(5), h.Dropped())
}

func TestHub_UnsubscribeOnCancel(t *testing.T) {
	h := NewHub[*item](nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := h.Subscribe(ctx, Filter{})
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestHub_UnsubscribeStopsContextWatchers(t *testing.T) {
	h := NewHub[*item](nil)
	base := runtime.NumGoroutine()

	ids := make([]string, 0, 20)
	for range 20 {
		_, id := h.Subscribe(context.Background(), Filter{})
		ids = append(ids, id)
	}
	for _, id := range ids[:10] {
		h.Unsubscribe(id)
	}
	h.Close()

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= base
	}, time.Second, 5*time.Millisecond)
}

func TestHub_Observers(t *testing.T) {
	h := NewHub[*item](nil)
	defer h.Close()

	var got []Kind
	id := h.Observe(Filter{Models: []string{"person"}}, func(ev Event[*item]) {
		got = append(got, ev.Kind)
	})

	h.Publish(Event[*item]{Kind: Insert, Model: "person"})
	h.Publish(Event[*item]{Kind: Insert, Model: "pet"})
	h.RemoveObserver(id)
	h.Publish(Event[*item]{Kind: Delete, Model: "person"})

	assert.Equal(t, []Kind{Insert}, got)
}

func TestHub_Close(t *testing.T) {
	h := NewHub[*item](nil)
	ch, id := h.Subscribe(context.Background(), Filter{})

	h.Close()
	h.Close()
	h.Unsubscribe(id)
	h.Publish(Event[*item]{Kind: Insert})

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := h.Subscribe(context.Background(), Filter{})
	_, ok = <-late
	assert.False(t, ok, "subscribing to a closed hub yields a closed channel")
}

func TestHub_WithBatcher(t *testing.T) {
	h := NewHub[*item](nil)
	defer h.Close()
	b := NewBatcher(h.Publish)

	var got []Event[*item]
	h.Observe(Filter{}, func(ev Event[*item]) { got = append(got, ev) })

	a := &item{1}
	_ = b.Batched(context.Background(), true, func(ctx context.Context) error {
		b.Enqueue(ctx, Event[*item]{Kind: Insert, Model: "person", Instances: []*item{a}})
		b.Enqueue(ctx, Event[*item]{Kind: Insert, Model: "person", Instances: []*item{a}})
		return nil
	})

	require.Len(t, got, 2)
	assert.Equal(t, []*item{a}, got[0].Instances)
}
