package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEmitFansOutInOrder verifies synchronous, subscription-ordered
// delivery within one Emit call.
func TestEmitFansOutInOrder(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	var got []string
	b.Subscribe(MissionAssigned, func(Event) { got = append(got, "first") })
	b.Subscribe(MissionAssigned, func(Event) { got = append(got, "second") })

	b.Emit(MissionAssignedEvent{MissionID: "M1", WorkerID: "W1"})

	require.Equal(t, []string{"first", "second"}, got)
}

// TestHandlerPanicIsContained asserts a panicking handler does not prevent
// delivery to later handlers or reach the emitter.
func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	delivered := false
	b.Subscribe(SessionError, func(Event) { panic("boom") })
	b.Subscribe(SessionError, func(Event) { delivered = true })

	require.NotPanics(t, func() {
		b.Emit(SessionErrorEvent{SessionID: "S1", WorkerID: "W1"})
	})
	require.True(t, delivered)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	calls := 0
	unsub := b.Subscribe(ScrapeComplete, func(Event) { calls++ })

	b.Emit(ScrapeCompleteEvent{MissionID: "M1"})
	unsub()
	b.Emit(ScrapeCompleteEvent{MissionID: "M1"})

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.SubscriberCount(ScrapeComplete))
}

// TestHistoryIsBounded checks the ring never grows past the configured cap
// and keeps the most recent entries.
func TestHistoryIsBounded(t *testing.T) {
	t.Parallel()

	b := New(Config{HistorySize: 10})
	for i := 0; i < 25; i++ {
		b.Emit(MissionCompleteEvent{MissionID: "M", AdsCount: i})
	}

	records := b.History(0)
	require.Len(t, records, 10)
	require.Equal(t, 15, records[0].Payload.(MissionCompleteEvent).AdsCount)
	require.Equal(t, 24, records[9].Payload.(MissionCompleteEvent).AdsCount)

	limited := b.History(3)
	require.Len(t, limited, 3)
	require.Equal(t, 24, limited[2].Payload.(MissionCompleteEvent).AdsCount)
}

// TestEmitWithoutSubscribersStillRecords ensures history is independent of
// subscriber presence.
func TestEmitWithoutSubscribersStillRecords(t *testing.T) {
	t.Parallel()

	b := New(Config{})
	b.Emit(OrchestratorStartedEvent{})

	records := b.History(0)
	require.Len(t, records, 1)
	require.Equal(t, OrchestratorStarted, records[0].Event)
}

// TestConcurrentEmitters exercises the bus under concurrent use the way
// two manager loops would drive it.
func TestConcurrentEmitters(t *testing.T) {
	t.Parallel()

	b := New(Config{HistorySize: 100})
	var mu sync.Mutex
	total := 0
	b.Subscribe(ScrapeStarted, func(Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Emit(ScrapeStartedEvent{MissionID: "M", WorkerID: "W", JobID: "J"})
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 400, total)
	require.Len(t, b.History(0), 100)
}
