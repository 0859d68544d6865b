package notify

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]Option{WithClock(mock)}, opts...)
	s := NewStore(opts...)
	t.Cleanup(s.Close)
	return s, mock
}

func durationPtr(d time.Duration) *time.Duration { return &d }
func stringPtr(v string) *string                { return &v }
func kindPtr(k Kind) *Kind                       { return &k }

func (s *Store) timerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func TestAdd_NewestFirst(t *testing.T) {
	s, _ := newTestStore(t)

	first := s.Add(Notification{Kind: KindInfo, Title: "first"})
	second := s.Add(Notification{Kind: KindInfo, Title: "second"})

	items := s.Notifications()
	require.Len(t, items, 2)
	assert.Equal(t, second, items[0].ID)
	assert.Equal(t, first, items[1].ID)
	assert.NotEqual(t, first, second)
}

func TestAdd_IgnoresCallerID(t *testing.T) {
	s, _ := newTestStore(t)

	id := s.Add(Notification{ID: "caller-chosen", Kind: KindInfo})
	assert.NotEqual(t, "caller-chosen", id)

	_, ok := s.Get(id)
	assert.True(t, ok)
}

func TestAdd_EvictionBound(t *testing.T) {
	for _, max := range []int{1, 3, DefaultMaxNotifications} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			s, _ := newTestStore(t, WithMaxNotifications(max))

			var added []string
			for i := 0; i < 4*max+1; i++ {
				added = append(added, s.Add(Notification{Kind: KindInfo, Title: fmt.Sprintf("n%d", i)}))

				items := s.Notifications()
				require.LessOrEqual(t, len(items), max)

				// The retained set is always the most recently added items, newest first.
				want := len(added)
				if want > max {
					want = max
				}
				require.Len(t, items, want)
				for j, n := range items {
					assert.Equal(t, added[len(added)-1-j], n.ID)
				}
			}
		})
	}
}

func TestAdd_EvictionCancelsTimer(t *testing.T) {
	s, mock := newTestStore(t, WithMaxNotifications(1))

	s.Add(Notification{Kind: KindInfo, Expiry: time.Second})
	kept := s.Add(Notification{Kind: KindInfo})

	assert.Equal(t, 0, s.timerCount())

	mock.Add(2 * time.Second)
	items := s.Notifications()
	require.Len(t, items, 1)
	assert.Equal(t, kept, items[0].ID)
}

func TestExpiry_RemovesAfterDuration(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindSuccess, Expiry: 6 * time.Second})
	s.Add(Notification{Kind: KindInfo})

	mock.Add(5 * time.Second)
	_, ok := s.Get(id)
	assert.True(t, ok, "notification should survive until its expiry")

	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		_, ok := s.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Len())
}

func TestExpiry_ZeroPersists(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindPending})
	mock.Add(time.Hour)

	_, ok := s.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 0, s.timerCount())
}

func TestUpdate_RearmsFromSecondCall(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindPending})

	s.Update(id, Update{Expiry: durationPtr(5 * time.Second)})
	mock.Add(3 * time.Second)
	s.Update(id, Update{Expiry: durationPtr(5 * time.Second)})
	assert.Equal(t, 1, s.timerCount(), "exactly one live timer per id")

	// The first timer would have fired here.
	mock.Add(3 * time.Second)
	_, ok := s.Get(id)
	assert.True(t, ok, "first timer must have been cancelled by the second update")

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool {
		_, ok := s.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.timerCount())
}

func TestUpdate_ZeroExpiryCancelsTimer(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindError, Expiry: time.Second})
	s.Update(id, Update{Expiry: durationPtr(0)})
	assert.Equal(t, 0, s.timerCount())

	mock.Add(time.Minute)
	n, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), n.Expiry)
}

func TestUpdate_WithoutExpiryRestartsCountdown(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindInfo, Expiry: 2 * time.Second})
	mock.Add(1500 * time.Millisecond)
	s.Update(id, Update{Title: stringPtr("renamed")})
	assert.Equal(t, 1, s.timerCount())

	// 2.5s after Add but only 1s after the update.
	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	n, ok := s.Get(id)
	require.True(t, ok, "expiry counts from the most recent update")
	assert.Equal(t, "renamed", n.Title)
	assert.Equal(t, 2*time.Second, n.Expiry)

	mock.Add(time.Second)
	assert.Eventually(t, func() bool {
		_, ok := s.Get(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestUpdate_WithoutExpiryLeavesPersistentAlone(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindPending})
	s.Update(id, Update{Message: stringPtr("still waiting")})
	assert.Equal(t, 0, s.timerCount())

	mock.Add(time.Hour)
	_, ok := s.Get(id)
	assert.True(t, ok)
}

func TestUpdate_MergesFields(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindPending, Title: "Transaction Pending", Message: "waiting", ChainID: 1})
	mock.Add(time.Second)

	chainID := int64(8453)
	s.Update(id, Update{
		Kind:            kindPtr(KindSuccess),
		Message:         stringPtr("done"),
		TransactionHash: stringPtr("0xdef"),
		ChainID:         &chainID,
	})

	n, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, KindSuccess, n.Kind)
	assert.Equal(t, "Transaction Pending", n.Title)
	assert.Equal(t, "done", n.Message)
	assert.Equal(t, "0xdef", n.TransactionHash)
	assert.Equal(t, int64(8453), n.ChainID)
	assert.True(t, n.UpdatedAt.After(n.CreatedAt))
}

func TestUpdate_UnknownIDIsNoOp(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(Notification{Kind: KindInfo, Title: "kept"})

	s.Update("missing", Update{Title: stringPtr("nope"), Expiry: durationPtr(time.Second)})

	items := s.Notifications()
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0].Title)
	assert.Equal(t, 0, s.timerCount())
}

func TestRemove(t *testing.T) {
	s, mock := newTestStore(t)

	id := s.Add(Notification{Kind: KindInfo, Expiry: time.Second})
	s.Remove(id)
	s.Remove(id)
	s.Remove("missing")

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.timerCount())
	mock.Add(time.Minute)
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		s.Add(Notification{Kind: KindInfo, Expiry: time.Duration(i+1) * time.Second})
	}
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.timerCount())
}

func TestClose_StopsTimersAndIgnoresMutations(t *testing.T) {
	mock := clock.NewMock()
	s := NewStore(WithClock(mock))

	id := s.Add(Notification{Kind: KindInfo, Expiry: time.Second})
	ch, _ := s.Subscribe()

	s.Close()
	assert.Equal(t, 0, s.timerCount())

	_, open := <-ch
	assert.False(t, open, "subscriber channel should be closed")

	s.Add(Notification{Kind: KindInfo})
	s.Update(id, Update{Title: stringPtr("x")})
	s.Clear()
	s.Close()
	mock.Add(time.Minute)

	assert.Equal(t, 0, s.Len())
}

func TestSubscribe_CoalescesSignals(t *testing.T) {
	s, _ := newTestStore(t)

	ch, unsubscribe := s.Subscribe()

	id := s.Add(Notification{Kind: KindInfo})
	s.Update(id, Update{Title: stringPtr("x")})
	s.Remove(id)

	select {
	case <-ch:
	default:
		t.Fatal("expected a change signal")
	}

	select {
	case <-ch:
		t.Fatal("signals should be coalesced")
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestConcurrentMutations(t *testing.T) {
	s, mock := newTestStore(t, WithMaxNotifications(3))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := s.Add(Notification{Kind: KindInfo, Expiry: time.Duration(i%4) * time.Second})
			s.Update(id, Update{Expiry: durationPtr(time.Second)})
			if i%3 == 0 {
				s.Remove(id)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 3)
	assert.LessOrEqual(t, s.timerCount(), 3)

	mock.Add(2 * time.Second)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}
