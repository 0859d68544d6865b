package notify

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/brojonat/tipwatch/service/metrics"
)

// DefaultMaxNotifications is the number of notifications kept when no bound is configured.
const DefaultMaxNotifications = 5

// Kind represents the severity of a notification.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindWarning Kind = "warning"
	KindInfo    Kind = "info"
	KindPending Kind = "pending"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSuccess, KindError, KindWarning, KindInfo, KindPending:
		return true
	}
	return false
}

// Notification is a single entry in the feed.
// An Expiry of zero keeps the notification until it is updated or removed.
type Notification struct {
	ID              string        `json:"id"`
	Kind            Kind          `json:"kind"`
	Title           string        `json:"title"`
	Message         string        `json:"message"`
	TransactionHash string        `json:"transaction_hash,omitempty"`
	ChainID         int64         `json:"chain_id,omitempty"`
	Expiry          time.Duration `json:"expiry"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Update carries the fields to merge into an existing notification.
// Nil fields are left unchanged.
type Update struct {
	Kind            *Kind
	Title           *string
	Message         *string
	TransactionHash *string
	ChainID         *int64
	Expiry          *time.Duration
}

type armedTimer struct {
	timer *clock.Timer
	seq   uint64
}

// Store is a bounded, newest-first collection of notifications with per-item expiry.
// It is safe for concurrent use. Timers are owned by the store; callers never touch them.
type Store struct {
	mu          sync.Mutex
	items       []Notification
	timers      map[string]armedTimer
	seq         uint64
	subscribers map[uint64]chan struct{}
	nextSub     uint64
	closed      bool

	max     int
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithMaxNotifications sets the capacity of the store. Values below 1 are ignored.
func WithMaxNotifications(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithClock sets the clock used to arm expiry timers.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates an empty notification store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items:       make([]Notification, 0, DefaultMaxNotifications),
		timers:      make(map[string]armedTimer),
		subscribers: make(map[uint64]chan struct{}),
		max:         DefaultMaxNotifications,
		clock:       clock.New(),
		logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add inserts n at the front of the feed and returns its generated id.
// Any ID already set on n is ignored. Entries beyond the capacity are evicted oldest first.
func (s *Store) Add(n Notification) string {
	n.ID = uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return n.ID
	}

	now := s.clock.Now()
	n.CreatedAt = now
	n.UpdatedAt = now

	s.items = append([]Notification{n}, s.items...)
	for len(s.items) > s.max {
		evicted := s.items[len(s.items)-1]
		s.items = s.items[:len(s.items)-1]
		s.stopTimerLocked(evicted.ID)
		s.logger.Debug("notification evicted", "notification_id", evicted.ID)
	}

	if n.Expiry > 0 {
		s.armTimerLocked(n.ID, n.Expiry)
	}

	s.recordSizeLocked()
	s.signalLocked()
	return n.ID
}

// Update merges u into the notification with the given id. Every update restarts the
// expiry countdown from now, using u's expiry when it carries one and the current one
// otherwise; an expiry of zero makes the notification persistent.
// Updating an unknown id is a no-op.
func (s *Store) Update(id string, u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	idx := s.indexLocked(id)
	if idx < 0 {
		return
	}

	n := &s.items[idx]
	if u.Kind != nil {
		n.Kind = *u.Kind
	}
	if u.Title != nil {
		n.Title = *u.Title
	}
	if u.Message != nil {
		n.Message = *u.Message
	}
	if u.TransactionHash != nil {
		n.TransactionHash = *u.TransactionHash
	}
	if u.ChainID != nil {
		n.ChainID = *u.ChainID
	}
	n.UpdatedAt = s.clock.Now()

	if u.Expiry != nil {
		n.Expiry = *u.Expiry
	}
	s.stopTimerLocked(id)
	if n.Expiry > 0 {
		s.armTimerLocked(id, n.Expiry)
	}

	s.signalLocked()
}

// Remove deletes the notification with the given id and cancels its timer.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.removeLocked(id) {
		s.signalLocked()
	}
}

// Clear removes every notification and cancels every timer.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.clearLocked()
	s.signalLocked()
}

// Notifications returns a copy of the feed, newest first.
func (s *Store) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the notification with the given id.
func (s *Store) Get(id string) (Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Notification{}, false
	}
	return s.items[idx], true
}

// Len returns the number of notifications in the feed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Subscribe returns a channel that receives a signal after every change to the feed.
// Signals are coalesced: a slow reader sees one pending signal and should re-read
// Notifications. The returned func unsubscribes; the channel is closed on unsubscribe
// or when the store is closed.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	s.nextSub++
	key := s.nextSub
	s.subscribers[key] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[key]; ok {
			delete(s.subscribers, key)
			close(c)
		}
	}
}

// Close cancels all timers, drops all notifications and closes subscriber channels.
// The store ignores every mutation after Close.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.clearLocked()
	s.closed = true

	for key, ch := range s.subscribers {
		delete(s.subscribers, key)
		close(ch)
	}
	s.logger.Debug("notification store closed")
}

func (s *Store) expire(id string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	armed, ok := s.timers[id]
	if !ok || armed.seq != seq {
		// Re-armed or cancelled after this timer fired.
		return
	}
	delete(s.timers, id)

	if s.removeLocked(id) {
		s.logger.Debug("notification expired", "notification_id", id)
		if s.metrics != nil {
			s.metrics.RecordNotificationExpired()
		}
		s.signalLocked()
	}
}

func (s *Store) armTimerLocked(id string, d time.Duration) {
	s.seq++
	seq := s.seq
	t := s.clock.AfterFunc(d, func() { s.expire(id, seq) })
	s.timers[id] = armedTimer{timer: t, seq: seq}
}

func (s *Store) stopTimerLocked(id string) {
	if armed, ok := s.timers[id]; ok {
		armed.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Store) removeLocked(id string) bool {
	if s.closed {
		return false
	}
	s.stopTimerLocked(id)

	idx := s.indexLocked(id)
	if idx < 0 {
		return false
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	s.recordSizeLocked()
	return true
}

func (s *Store) clearLocked() {
	for id := range s.timers {
		s.stopTimerLocked(id)
	}
	s.items = s.items[:0]
	s.recordSizeLocked()
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) signalLocked() {
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) recordSizeLocked() {
	if s.metrics != nil {
		s.metrics.SetNotificationsActive(len(s.items))
	}
}
