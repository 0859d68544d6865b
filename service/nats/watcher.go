package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/atomic"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/metrics"
)

const (
	// DefaultBalanceCacheSize bounds the last-known balance cache.
	DefaultBalanceCacheSize = 1024

	// DefaultRequestTimeout bounds balance reads over request/reply.
	DefaultRequestTimeout = 5 * time.Second

	updateBuffer = 16
)

// requester is the core NATS surface used for control messages and request/reply.
type requester interface {
	Publish(subject string, data []byte) error
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

type watch struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// watchGroup holds every subscription open on one key. Pollers and trackers are told
// to start when the first subscription joins and to stop once the last one leaves.
type watchGroup struct {
	subs    map[string]*watch
	unwatch func()
}

// WatchService implements the transaction, balance and relay collaborators on top of
// NATS. Status updates are read from the TIPWATCH stream with ordered consumers that
// start at the last message per subject, so a late watcher sees the latest status
// immediately. Pollers and trackers are driven through control subjects.
type WatchService struct {
	conn           requester
	js             jetstream.JetStream
	cache          *lru.Cache[string, chain.BalanceUpdate]
	cacheSize      int
	requestTimeout time.Duration
	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         *slog.Logger

	mu     sync.Mutex
	groups map[string]*watchGroup
}

// WatchOption configures a WatchService.
type WatchOption func(*WatchService)

// WithCacheSize sets the number of last-known balances kept.
func WithCacheSize(n int) WatchOption {
	return func(s *WatchService) {
		if n > 0 {
			s.cacheSize = n
		}
	}
}

// WithRequestTimeout bounds GetBalance requests.
func WithRequestTimeout(d time.Duration) WatchOption {
	return func(s *WatchService) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

// WithWatchClock sets the clock used for relay deadlines.
func WithWatchClock(c clock.Clock) WatchOption {
	return func(s *WatchService) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithWatchLogger sets the service logger.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(s *WatchService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWatchMetrics enables metrics recording.
func WithWatchMetrics(m *metrics.Metrics) WatchOption {
	return func(s *WatchService) {
		s.metrics = m
	}
}

// NewWatchService creates a watch service on an existing connection and ensures the
// stream exists.
func NewWatchService(ctx context.Context, nc *nats.Conn, opts ...WatchOption) (*WatchService, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s, err := newWatchService(nc, js, opts...)
	if err != nil {
		return nil, err
	}
	if err := EnsureStream(ctx, js, s.logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream exists: %w", err)
	}
	return s, nil
}

func newWatchService(conn requester, js jetstream.JetStream, opts ...WatchOption) (*WatchService, error) {
	s := &WatchService{
		conn:           conn,
		js:             js,
		cacheSize:      DefaultBalanceCacheSize,
		requestTimeout: DefaultRequestTimeout,
		clock:          clock.New(),
		logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		groups:         make(map[string]*watchGroup),
	}
	for _, opt := range opts {
		opt(s)
	}

	cache, err := lru.New[string, chain.BalanceUpdate](s.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// WatchTransaction streams status events for txHash.
func (s *WatchService) WatchTransaction(ctx context.Context, txHash string, c *chain.Chain) (<-chan chain.TransactionUpdate, error) {
	canonical := c.Canonical(txHash)
	subject, err := TransactionSubject(c.ID, canonical)
	if err != nil {
		return nil, err
	}

	unwatch := func() {
		req := TransactionUnwatchRequest{ChainID: c.ID, TxHash: canonical}
		if err := s.control(SubjectTxUnwatch, req); err != nil {
			s.logger.Warn("failed to publish transaction unwatch", "tx_hash", canonical, "chain_id", c.ID, "error", err)
		}
	}

	updates := make(chan chain.TransactionUpdate, updateBuffer)
	wctx, cancel := context.WithCancel(ctx)
	first, err := s.consume(wctx, cancel, txWatchKey(c.ID, txHash), "tx", subject, unwatch, func(data []byte) {
		var ev TransactionStatusEvent
		if err := json.Unmarshal(data, &ev); err != nil || !ev.Status.Valid() {
			s.drop("tx", subject, data, err)
			return
		}
		if wctx.Err() != nil {
			return
		}
		select {
		case updates <- ev.Update():
		case <-wctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}

	if first {
		req := TransactionWatchRequest{ChainID: c.ID, TxHash: canonical}
		if err := s.control(SubjectTxWatch, req); err != nil {
			cancel()
			return nil, err
		}
	}

	s.logger.Debug("watching transaction", "tx_hash", txHash, "chain_id", c.ID, "subject", subject)
	return updates, nil
}

// CancelWatch releases the caller's watch on txHash. Each subscription already ends
// with the context passed to WatchTransaction, so only subscriptions whose context is
// done are released here and other live watchers on the same transaction keep their
// stream. Pollers are told to stop once no subscription is left.
func (s *WatchService) CancelWatch(txHash string, chainID int64) {
	s.release(txWatchKey(chainID, txHash), false)
}

// WatchBalance asks pollers to publish readings every pollInterval and streams them.
func (s *WatchService) WatchBalance(ctx context.Context, address string, c *chain.Chain, token string, pollInterval time.Duration) (string, <-chan chain.BalanceUpdate, error) {
	address, token = c.Canonical(address), c.Canonical(token)
	subject, err := BalanceSubject(c.ID, address, token)
	if err != nil {
		return "", nil, err
	}
	key := "balance-" + uuid.New().String()

	unwatch := func() {
		if err := s.control(SubjectBalanceUnwatch, BalanceUnwatchRequest{Key: key}); err != nil {
			s.logger.Warn("failed to publish balance unwatch", "watcher_key", key, "error", err)
		}
	}

	updates := make(chan chain.BalanceUpdate, updateBuffer)
	wctx, cancel := context.WithCancel(ctx)
	_, err = s.consume(wctx, cancel, key, "balance", subject, unwatch, func(data []byte) {
		var ev BalanceEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.drop("balance", subject, data, err)
			return
		}
		u := ev.Update()
		if u.Err == nil {
			s.cache.Add(subject, u)
		}
		if wctx.Err() != nil {
			return
		}
		select {
		case updates <- u:
		case <-wctx.Done():
		}
	})
	if err != nil {
		return "", nil, err
	}

	req := BalanceWatchRequest{
		Key:            key,
		ChainID:        c.ID,
		Address:        address,
		Token:          token,
		PollIntervalMS: pollInterval.Milliseconds(),
	}
	if err := s.control(SubjectBalanceWatch, req); err != nil {
		cancel()
		return "", nil, err
	}

	s.logger.Debug("watching balance", "watcher_key", key, "subject", subject, "poll_interval", pollInterval)
	return key, updates, nil
}

// CancelBalanceWatch stops the watch with the given key and tells pollers to stop.
// Keys are unique per WatchBalance call.
func (s *WatchService) CancelBalanceWatch(key string) {
	s.release(key, true)
}

// GetBalance returns the raw balance. With useCache the last-known reading is returned
// when one exists.
func (s *WatchService) GetBalance(ctx context.Context, address string, c *chain.Chain, token string, useCache bool) (string, error) {
	address, token = c.Canonical(address), c.Canonical(token)
	subject, err := BalanceSubject(c.ID, address, token)
	if err != nil {
		return "", err
	}
	if useCache {
		if u, ok := s.cache.Get(subject); ok {
			return u.Balance, nil
		}
	}

	reply, err := s.request(ctx, SubjectBalanceGet, BalanceRequest{
		ChainID:  c.ID,
		Address:  address,
		Token:    token,
		UseCache: useCache,
	}, s.requestTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to get balance: %w", err)
	}

	s.cache.Add(subject, s.replyUpdate(reply))
	return reply.Balance, nil
}

// RefreshBalanceAfterTransaction asks for a balance read once txHash settles. When the
// wait runs out the last-known reading is returned instead.
func (s *WatchService) RefreshBalanceAfterTransaction(ctx context.Context, txHash, address string, c *chain.Chain, token string, maxWait time.Duration) (chain.BalanceUpdate, error) {
	address, token = c.Canonical(address), c.Canonical(token)
	subject, err := BalanceSubject(c.ID, address, token)
	if err != nil {
		return chain.BalanceUpdate{}, err
	}

	reply, err := s.request(ctx, SubjectBalanceRefresh, RefreshRequest{
		TxHash:    c.Canonical(txHash),
		ChainID:   c.ID,
		Address:   address,
		Token:     token,
		MaxWaitMS: maxWait.Milliseconds(),
	}, maxWait)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			if u, ok := s.cache.Get(subject); ok {
				s.logger.Warn("balance refresh timed out, returning last known balance",
					"tx_hash", txHash, "subject", subject, "max_wait", maxWait)
				return u, nil
			}
		}
		return chain.BalanceUpdate{}, fmt.Errorf("failed to refresh balance: %w", err)
	}

	u := s.replyUpdate(reply)
	s.cache.Add(subject, u)
	return u, nil
}

// TrackRelay asks trackers to follow relayID and streams its progress. When maxWait
// elapses without a terminal status a failed update is emitted. Nothing is delivered
// after the first terminal update.
func (s *WatchService) TrackRelay(ctx context.Context, relayID string, src, dst *chain.Chain, sourceTxHash string, maxWait time.Duration) (<-chan chain.RelayUpdate, error) {
	subject, err := RelaySubject(relayID)
	if err != nil {
		return nil, err
	}

	unwatch := func() {
		if err := s.control(SubjectRelayUntrack, RelayUntrackRequest{RelayID: relayID}); err != nil {
			s.logger.Warn("failed to publish relay untrack", "relay_id", relayID, "error", err)
		}
	}

	wctx, cancel := context.WithCancel(ctx)
	rs := newRelayStream(wctx, s.clock, maxWait)
	first, err := s.consume(wctx, cancel, relayWatchKey(relayID), "relay", subject, unwatch, func(data []byte) {
		var ev RelayStatusEvent
		if err := json.Unmarshal(data, &ev); err != nil || !ev.Status.Valid() {
			s.drop("relay", subject, data, err)
			return
		}
		rs.deliver(ev.Update())
	})
	if err != nil {
		return nil, err
	}

	req := RelayTrackRequest{
		RelayID:            relayID,
		SourceChainID:      src.ID,
		DestinationChainID: dst.ID,
		SourceTxHash:       src.Canonical(sourceTxHash),
		MaxWaitMS:          maxWait.Milliseconds(),
	}
	if first {
		if err := s.control(SubjectRelayTrack, req); err != nil {
			cancel()
			return nil, err
		}
	}

	s.logger.Debug("tracking relay", "relay_id", relayID, "subject", subject, "max_wait", maxWait)
	return rs.updates, nil
}

// CancelRelayTracking releases the caller's tracking of relayID. As with CancelWatch,
// live subscriptions opened by other callers keep their stream, and trackers are told
// to stop once none is left.
func (s *WatchService) CancelRelayTracking(relayID string) {
	s.release(relayWatchKey(relayID), false)
}

// Close stops every open watch.
func (s *WatchService) Close() {
	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[string]*watchGroup)
	s.mu.Unlock()

	stopped := 0
	for _, g := range groups {
		for _, w := range g.subs {
			w.cancel()
			stopped++
		}
		g.unwatch()
	}
	s.logger.Info("watch service closed", "watches_stopped", stopped)
}

// ActiveWatches returns the number of open subscriptions.
func (s *WatchService) ActiveWatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.groups {
		n += len(g.subs)
	}
	return n
}

// consume opens an ordered consumer on subject and feeds messages to handle until ctx
// is done. The subscription joins the group for key; first reports whether it is the
// only one there, and unwatch runs once when the group empties.
func (s *WatchService) consume(ctx context.Context, cancel context.CancelFunc, key, stream, subject string, unwatch func(), handle func(data []byte)) (bool, error) {
	cons, err := s.js.OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		cancel()
		return false, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		handle(msg.Data())
	})
	if err != nil {
		cancel()
		return false, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	id := uuid.New().String()
	s.mu.Lock()
	g, ok := s.groups[key]
	if !ok {
		g = &watchGroup{subs: make(map[string]*watch), unwatch: unwatch}
		s.groups[key] = g
	}
	g.subs[id] = &watch{ctx: ctx, cancel: cancel}
	s.mu.Unlock()
	s.metrics.RecordWatchSubscriptionChange(stream, 1)

	go func() {
		<-ctx.Done()
		cc.Stop()
		s.leave(key, id)
		s.metrics.RecordWatchSubscriptionChange(stream, -1)
	}()
	return !ok, nil
}

// leave removes one subscription from its group.
func (s *WatchService) leave(key, id string) {
	s.mu.Lock()
	g, ok := s.groups[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, member := g.subs[id]; !member {
		s.mu.Unlock()
		return
	}
	delete(g.subs, id)
	empty := len(g.subs) == 0
	if empty {
		delete(s.groups, key)
	}
	s.mu.Unlock()

	if empty {
		g.unwatch()
	}
}

// release drops the subscriptions on key whose context is done, or all of them when
// all is set, and publishes the group's unwatch if none is left.
func (s *WatchService) release(key string, all bool) {
	s.mu.Lock()
	g, ok := s.groups[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	var released []*watch
	for id, w := range g.subs {
		if all || w.ctx.Err() != nil {
			released = append(released, w)
			delete(g.subs, id)
		}
	}
	empty := len(g.subs) == 0
	if empty {
		delete(s.groups, key)
	}
	s.mu.Unlock()

	for _, w := range released {
		w.cancel()
	}
	if empty {
		g.unwatch()
	}
}

func (s *WatchService) control(subject string, req any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func (s *WatchService) request(ctx context.Context, subject string, req any, timeout time.Duration) (BalanceReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return BalanceReply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(rctx, subject, data)
	if err != nil {
		return BalanceReply{}, err
	}

	var reply BalanceReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return BalanceReply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	if reply.Error != "" {
		return BalanceReply{}, errors.New(reply.Error)
	}
	return reply, nil
}

func (s *WatchService) replyUpdate(r BalanceReply) chain.BalanceUpdate {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	return chain.BalanceUpdate{Balance: r.Balance, PreviousBalance: r.PreviousBalance, Timestamp: ts}
}

func (s *WatchService) drop(stream, subject string, data []byte, err error) {
	s.metrics.RecordWatchMessageDropped(stream)
	s.logger.Warn("dropping undecodable status message",
		"subject", subject,
		"bytes", len(data),
		"error", err,
	)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)
}

func txWatchKey(chainID int64, txHash string) string {
	return fmt.Sprintf("tx:%d:%s", chainID, txHash)
}

func relayWatchKey(relayID string) string {
	return "relay:" + relayID
}

// relayStream delivers relay updates until the first terminal one, and synthesizes a
// failed update when maxWait elapses first.
type relayStream struct {
	ctx      context.Context
	clock    clock.Clock
	maxWait  time.Duration
	updates  chan chain.RelayUpdate
	terminal atomic.Bool
	timer    *clock.Timer
}

func newRelayStream(ctx context.Context, clk clock.Clock, maxWait time.Duration) *relayStream {
	rs := &relayStream{
		ctx:     ctx,
		clock:   clk,
		maxWait: maxWait,
		updates: make(chan chain.RelayUpdate, updateBuffer),
	}
	if maxWait > 0 {
		rs.timer = clk.AfterFunc(maxWait, rs.expire)
		go func() {
			<-ctx.Done()
			rs.timer.Stop()
		}()
	}
	return rs
}

func (rs *relayStream) deliver(u chain.RelayUpdate) {
	if u.Status.Terminal() {
		if !rs.terminal.CompareAndSwap(false, true) {
			return
		}
		if rs.timer != nil {
			rs.timer.Stop()
		}
	} else if rs.terminal.Load() {
		return
	}

	select {
	case rs.updates <- u:
	case <-rs.ctx.Done():
	}
}

func (rs *relayStream) expire() {
	rs.deliver(chain.RelayUpdate{
		Status:    chain.RelayFailed,
		Error:     fmt.Sprintf("relay did not complete within %s", rs.maxWait),
		Timestamp: rs.clock.Now(),
	})
}
