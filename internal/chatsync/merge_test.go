package chatsync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

const testKey core.ChannelKey = "community:42"

func readyLog(t *testing.T) *MessageLog {
	t.Helper()
	l := NewMessageLog(testKey)
	l.Begin()
	l.MarkReady()
	require.Equal(t, StateReady, l.State())
	return l
}

func TestApplyHistoryPageOrdersAndDedups(t *testing.T) {
	l := readyLog(t)

	added := l.ApplyHistoryPage([]core.Message{msg(testKey, 3, 30), msg(testKey, 1, 10), msg(testKey, 2, 20)})
	assert.Equal(t, 3, added)

	added = l.ApplyHistoryPage([]core.Message{msg(testKey, 2, 20), msg(testKey, 4, 40)})
	assert.Equal(t, 1, added)

	assert.Equal(t, []int64{1, 2, 3, 4}, ids(l.Messages()))
	for _, m := range l.Messages() {
		assert.Equal(t, core.StatusConfirmed, m.Status)
	}
}

func TestOrderingBreaksTiesByID(t *testing.T) {
	l := readyLog(t)
	l.ApplyHistoryPage([]core.Message{msg(testKey, 9, 10), msg(testKey, 4, 10), msg(testKey, 6, 5)})
	assert.Equal(t, []int64{6, 4, 9}, ids(l.Messages()))
}

func TestHistoryPageSkipsForeignAndUnsavedRows(t *testing.T) {
	l := readyLog(t)
	added := l.ApplyHistoryPage([]core.Message{
		msg("community:7", 1, 10),
		msg(testKey, 0, 11),
		msg(testKey, 2, 12),
	})
	assert.Equal(t, 1, added)
	assert.Equal(t, []int64{2}, ids(l.Messages()))
}

func TestLiveInsertIsIdempotent(t *testing.T) {
	l := readyLog(t)
	ev := insertEvent(msg(testKey, 1, 10))

	assert.Equal(t, OutcomeApplied, l.ApplyLiveEvent(ev))
	assert.Equal(t, OutcomeDuplicate, l.ApplyLiveEvent(ev))
	assert.Equal(t, 1, l.Len())
}

func TestLiveUpdateMergesReadFlag(t *testing.T) {
	l := readyLog(t)
	l.ApplyHistoryPage([]core.Message{msg(testKey, 5, 10), msg(testKey, 7, 12)})

	upd := msg(testKey, 5, 10)
	upd.Read = true
	assert.Equal(t, OutcomeApplied, l.ApplyLiveEvent(core.Event{Op: core.OpUpdate, Message: upd}))

	got := l.Messages()
	require.Equal(t, []int64{5, 7}, ids(got))
	assert.True(t, got[0].Read)
	assert.False(t, got[1].Read)
}

func TestUpdateForUnknownIDIsDiscarded(t *testing.T) {
	l := readyLog(t)
	upd := msg(testKey, 99, 10)
	upd.Read = true
	assert.Equal(t, OutcomeDiscarded, l.ApplyLiveEvent(core.Event{Op: core.OpUpdate, Message: upd}))
	assert.Zero(t, l.Len())
}

func TestHistoryDoesNotRevertLiveUpdate(t *testing.T) {
	l := readyLog(t)
	l.ApplyLiveEvent(insertEvent(msg(testKey, 5, 10)))
	upd := msg(testKey, 5, 10)
	upd.Read = true
	l.ApplyLiveEvent(core.Event{Op: core.OpUpdate, Message: upd})

	// A page fetched before the update landed still carries read=false.
	l.ApplyHistoryPage([]core.Message{msg(testKey, 5, 10)})

	got, ok := l.Message(5)
	require.True(t, ok)
	assert.True(t, got.Read)
}

func TestMalformedEventsAreDiscarded(t *testing.T) {
	l := readyLog(t)
	cases := map[string]core.Event{
		"unknown op":   {Op: "delete", Message: msg(testKey, 1, 10)},
		"missing id":   insertEvent(msg(testKey, 0, 10)),
		"missing time": {Op: core.OpInsert, Message: core.Message{ID: 1, Channel: testKey, Kind: core.KindText}},
		"unknown kind": {Op: core.OpInsert, Message: core.Message{ID: 1, Channel: testKey, Kind: "sticker", SentAt: time.Unix(1, 0)}},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, OutcomeMalformed, l.ApplyLiveEvent(ev))
		})
	}
	assert.Zero(t, l.Len())
}

func TestEventForOtherChannelIsIgnored(t *testing.T) {
	l := readyLog(t)
	assert.Equal(t, OutcomeIgnored, l.ApplyLiveEvent(insertEvent(msg("community:1", 1, 10))))
	assert.Zero(t, l.Len())
}

func TestDisposedLogIgnoresEverything(t *testing.T) {
	l := readyLog(t)
	l.ApplyHistoryPage([]core.Message{msg(testKey, 1, 10)})
	l.Dispose()

	assert.Equal(t, StateClosed, l.State())
	assert.Zero(t, l.ApplyHistoryPage([]core.Message{msg(testKey, 2, 20)}))
	assert.Equal(t, OutcomeIgnored, l.ApplyLiveEvent(insertEvent(msg(testKey, 3, 30))))
	assert.False(t, l.AddPending(core.Message{ClientID: "tmp-1", Channel: testKey, SentAt: time.Unix(1, 0)}))
	assert.Zero(t, l.Len())
}

func TestFailedLogRejectsApplies(t *testing.T) {
	l := readyLog(t)
	l.Fail(core.ErrChannelPermission)
	assert.Equal(t, StateError, l.State())
	assert.ErrorIs(t, l.Err(), core.ErrChannelPermission)
	assert.Zero(t, l.ApplyHistoryPage([]core.Message{msg(testKey, 1, 10)}))
}

func TestPendingReconciledByLiveEcho(t *testing.T) {
	l := readyLog(t)
	pending := core.Message{ClientID: "tmp-a", Channel: testKey, Content: "hi", Kind: core.KindText, SentAt: time.Unix(50, 0)}
	require.True(t, l.AddPending(pending))
	require.False(t, l.AddPending(pending), "same client id twice")

	echo := msg(testKey, 101, 51)
	echo.ClientID = "tmp-a"
	assert.Equal(t, OutcomeReconciled, l.ApplyLiveEvent(insertEvent(echo)))

	got := l.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, int64(101), got[0].ID)
	assert.Equal(t, core.StatusConfirmed, got[0].Status)

	// The write response arriving afterwards changes nothing.
	assert.Equal(t, OutcomeDuplicate, l.ConfirmPending("tmp-a", echo))
	assert.Equal(t, 1, l.Len())
}

func TestConfirmPendingResortsCanonicalRecord(t *testing.T) {
	l := readyLog(t)
	l.ApplyHistoryPage([]core.Message{msg(testKey, 1, 10), msg(testKey, 2, 20)})
	require.True(t, l.AddPending(core.Message{ClientID: "tmp-a", Channel: testKey, Content: "x", SentAt: time.Unix(30, 0)}))

	// The server stamped an earlier time than the local clock.
	canonical := msg(testKey, 3, 15)
	assert.Equal(t, OutcomeReconciled, l.ConfirmPending("tmp-a", canonical))
	assert.Equal(t, []int64{1, 3, 2}, ids(l.Messages()))
}

func TestPendingStatusAndDiscard(t *testing.T) {
	l := readyLog(t)
	require.True(t, l.AddPending(core.Message{ClientID: "tmp-a", Channel: testKey, SentAt: time.Unix(1, 0)}))

	require.True(t, l.SetPendingStatus("tmp-a", core.StatusFailed))
	m, ok := l.Pending("tmp-a")
	require.True(t, ok)
	assert.Equal(t, core.StatusFailed, m.Status)

	assert.True(t, l.DiscardPending("tmp-a"))
	assert.False(t, l.DiscardPending("tmp-a"))
	assert.Zero(t, l.Len())
}

func TestWatermarkAndOldestIgnorePending(t *testing.T) {
	l := readyLog(t)
	_, ok := l.Oldest()
	assert.False(t, ok)
	assert.True(t, l.Watermark().IsZero())

	require.True(t, l.AddPending(core.Message{ClientID: "tmp-a", Channel: testKey, SentAt: time.Unix(1, 0)}))
	l.ApplyHistoryPage([]core.Message{msg(testKey, 4, 20), msg(testKey, 3, 10)})

	oldest, ok := l.Oldest()
	require.True(t, ok)
	assert.Equal(t, core.Cursor{SentAt: time.Unix(10, 0), ID: 3}, oldest)
	assert.Equal(t, time.Unix(20, 0), l.Watermark())
}

func TestWatermarkIgnoresWriteResponses(t *testing.T) {
	l := readyLog(t)
	l.ApplyHistoryPage([]core.Message{msg(testKey, 1, 10)})

	require.True(t, l.AddPending(core.Message{ClientID: "tmp-a", Channel: testKey, SentAt: time.Unix(90, 0)}))
	own := msg(testKey, 5, 90)
	require.Equal(t, OutcomeReconciled, l.ConfirmPending("tmp-a", own))
	assert.Equal(t, time.Unix(10, 0), l.Watermark())

	// The echo of the same row through the feed does advance it.
	assert.Equal(t, OutcomeDuplicate, l.ApplyLiveEvent(insertEvent(own)))
	assert.Equal(t, time.Unix(90, 0), l.Watermark())
}

func TestConfirmPendingRefusesForeignRow(t *testing.T) {
	l := readyLog(t)
	require.True(t, l.AddPending(core.Message{ClientID: "tmp-1", Channel: testKey, SentAt: time.Unix(5, 0)}))

	foreign := msg("dm:alice:bob", 1, 5)
	assert.Equal(t, OutcomeMalformed, l.ConfirmPending("tmp-1", foreign))
	assert.Equal(t, OutcomeMalformed, l.ConfirmPending("tmp-1", core.Message{Channel: testKey}))

	got := l.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, testKey, got[0].Channel)
	assert.Zero(t, got[0].ID)
	assert.Equal(t, core.StatusFailed, got[0].Status)
	_, ok := l.Message(1)
	assert.False(t, ok)
}

// TestConvergenceAcrossInterleavings feeds the same messages through random
// splits into pages and live inserts, in random order with repeats, and
// expects the same final log every time.
func TestConvergenceAcrossInterleavings(t *testing.T) {
	var all []core.Message
	for i := int64(1); i <= 40; i++ {
		all = append(all, msg(testKey, i, 100+i%7))
	}

	want := readyLog(t)
	want.ApplyHistoryPage(all)

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		type step struct {
			page []core.Message
			ev   *core.Event
		}
		var steps []step
		for _, m := range all {
			copies := 1 + rng.Intn(3)
			for c := 0; c < copies; c++ {
				if rng.Intn(2) == 0 {
					ev := insertEvent(m)
					steps = append(steps, step{ev: &ev})
				} else {
					steps = append(steps, step{page: []core.Message{m}})
				}
			}
		}
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })

		got := readyLog(t)
		for _, s := range steps {
			if s.ev != nil {
				got.ApplyLiveEvent(*s.ev)
			} else {
				got.ApplyHistoryPage(s.page)
			}
		}
		if diff := cmp.Diff(want.Messages(), got.Messages()); diff != "" {
			t.Fatalf("round %d: log mismatch (-want +got):\n%s", round, diff)
		}
	}
}
