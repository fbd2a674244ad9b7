package sow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	liveview "github.com/shogotsuneto/go-simple-liveview"
)

type recorder struct {
	mu   sync.Mutex
	msgs []liveview.Message
}

func (r *recorder) handle(msg liveview.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return kinds(r.msgs)
}

func (r *recorder) waitFor(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.msgs) >= n
	}, time.Second, 5*time.Millisecond)
	return r.kinds()
}

func TestHub_SnapshotThenIncrementalInOrder(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	hub.Upsert("t", quote("AAPL", 100))

	var rec recorder
	handle, err := hub.Open(liveview.Query{Topic: "t"}, rec.handle)
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, 1, hub.Streams())

	hub.Upsert("t", quote("IBM", 90))
	hub.Delete("t", "AAPL")
	hub.Upsert("other", quote("MSFT", 1))

	got := rec.waitFor(t, 5)
	assert.Equal(t, []string{
		"BatchBegin:", "SnapshotRow:AAPL", "BatchEnd:",
		"Upsert:IBM", "Remove:AAPL",
	}, got)
}

func TestHub_OpenRejectsInvalidQuery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	_, err := hub.Open(liveview.Query{Topic: "t", Filter: "/bid >"}, func(liveview.Message) {})
	require.Error(t, err)
	assert.True(t, liveview.IsQueryRejected(err))
	assert.Equal(t, 0, hub.Streams())
}

func TestHub_CancelStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var rec recorder
	handle, err := hub.Open(liveview.Query{Topic: "t"}, rec.handle)
	require.NoError(t, err)
	rec.waitFor(t, 2)

	require.NoError(t, hub.Cancel(handle))
	assert.ErrorIs(t, hub.Cancel(handle), liveview.ErrUnknownStream)

	hub.Upsert("t", quote("AAPL", 100))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"BatchBegin:", "BatchEnd:"}, rec.kinds())
}

func TestHub_ConflationCoalescesUpdates(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()

	var rec recorder
	_, err := hub.Open(liveview.Query{Topic: "t", Options: "conflation=30ms"}, rec.handle)
	require.NoError(t, err)
	rec.waitFor(t, 2)

	for i := 0; i < 10; i++ {
		hub.Upsert("t", quote("AAPL", float64(100+i)))
	}

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		last := rec.msgs[len(rec.msgs)-1]
		return last.Kind == liveview.Upsert && last.Row.Fields["bid"] == 109.0
	}, time.Second, 5*time.Millisecond)

	got := rec.kinds()
	assert.Equal(t, []string{"BatchBegin:", "BatchEnd:", "Upsert:AAPL"}, got[:3])
	assert.Less(t, len(got), 12, "updates were not conflated")
}

func TestHub_ReplaceReportsDisappearedRows(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	hub.Upsert("t", quote("AAPL", 100))
	hub.Upsert("t", quote("IBM", 90))

	var rec recorder
	_, err := hub.Open(liveview.Query{Topic: "t"}, rec.handle)
	require.NoError(t, err)
	rec.waitFor(t, 4)

	hub.Replace("t", []liveview.Row{quote("IBM", 91)})
	got := rec.waitFor(t, 6)
	assert.Equal(t, []string{"Remove:AAPL", "Upsert:IBM"}, got[4:])
	assert.Len(t, hub.Rows("t"), 1)
}

func TestHub_ClosedRejectsOpen(t *testing.T) {
	hub := NewHub(nil)
	hub.Close()

	_, err := hub.Open(liveview.Query{Topic: "t"}, func(liveview.Message) {})
	assert.ErrorIs(t, err, liveview.ErrClosed)
}
