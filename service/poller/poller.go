package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/metrics"
	natspkg "github.com/brojonat/tipwatch/service/nats"
)

const (
	// QueueGroup load-balances watch requests and balance reads across pollers.
	QueueGroup = "tipwatch-pollers"

	DefaultTxPollInterval  = 4 * time.Second
	DefaultTxWatchTTL      = time.Hour
	DefaultCacheSize       = 1024
	DefaultReadTimeout     = 10 * time.Second
	DefaultRefreshMaxWait  = 30 * time.Second
	minBalancePollInterval = time.Second
)

// Reader reads on-chain state for one chain.
type Reader interface {
	Balance(ctx context.Context, address, token string) (string, error)
	TransactionStatus(ctx context.Context, txHash string) (chain.TransactionUpdate, error)
}

// bus is the core NATS surface the poller listens and replies on.
type bus interface {
	Subscribe(subject, queue string, handler nats.MsgHandler) (unsubscribe func() error, err error)
	Publish(subject string, data []byte) error
}

type natsBus struct {
	nc *nats.Conn
}

func (b natsBus) Subscribe(subject, queue string, handler nats.MsgHandler) (func() error, error) {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.Subscribe(subject, handler)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b natsBus) Publish(subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

type pollWatch struct {
	kind   string
	refs   int
	cancel context.CancelFunc
}

// Poller answers the watch service's control and request/reply subjects. It polls
// chain readers for watched transactions and balances and publishes every change to
// the event stream.
type Poller struct {
	publisher      natspkg.Publisher
	registry       *chain.Registry
	readers        map[int64]Reader
	cache          *lru.Cache[string, natspkg.BalanceReply]
	cacheSize      int
	txPollInterval time.Duration
	txWatchTTL     time.Duration
	readTimeout    time.Duration
	clock          clock.Clock
	metrics        *metrics.Metrics
	logger         *slog.Logger

	bus    bus
	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func() error

	mu      sync.Mutex
	watches map[string]*pollWatch
	wg      sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithTxPollInterval sets how often watched transactions are checked.
func WithTxPollInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.txPollInterval = d
		}
	}
}

// WithTxWatchTTL bounds how long a transaction is polled without reaching a terminal status.
func WithTxWatchTTL(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.txWatchTTL = d
		}
	}
}

// WithReadTimeout bounds a single balance read served over request/reply.
func WithReadTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.readTimeout = d
		}
	}
}

// WithCacheSize sets the number of last-known balances kept.
func WithCacheSize(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.cacheSize = n
		}
	}
}

// WithClock sets the clock used for poll tickers and deadlines.
func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the poller logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics enables metrics recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// New creates a poller. readers maps chain ids to the reader serving them; requests for
// chains without a reader are refused.
func New(publisher natspkg.Publisher, registry *chain.Registry, readers map[int64]Reader, opts ...Option) (*Poller, error) {
	p := &Poller{
		publisher:      publisher,
		registry:       registry,
		readers:        readers,
		cacheSize:      DefaultCacheSize,
		txPollInterval: DefaultTxPollInterval,
		txWatchTTL:     DefaultTxWatchTTL,
		readTimeout:    DefaultReadTimeout,
		clock:          clock.New(),
		logger:         slog.New(slog.NewJSONHandler(io.Discard, nil)),
		watches:        make(map[string]*pollWatch),
	}
	for _, opt := range opts {
		opt(p)
	}

	cache, err := lru.New[string, natspkg.BalanceReply](p.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance cache: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Run serves control and request/reply subjects on nc until ctx is done, then stops
// every watch and waits for in-flight work.
func (p *Poller) Run(ctx context.Context, nc *nats.Conn) error {
	if err := p.start(ctx, natsBus{nc: nc}); err != nil {
		return err
	}
	<-ctx.Done()
	p.stop()
	return nil
}

func (p *Poller) start(ctx context.Context, b bus) error {
	p.bus = b
	p.ctx, p.cancel = context.WithCancel(ctx)

	subs := []struct {
		subject string
		queue   string
		handler nats.MsgHandler
	}{
		{natspkg.SubjectTxWatch, QueueGroup, p.handleTxWatch},
		{natspkg.SubjectTxUnwatch, "", p.handleTxUnwatch},
		{natspkg.SubjectBalanceWatch, QueueGroup, p.handleBalanceWatch},
		{natspkg.SubjectBalanceUnwatch, "", p.handleBalanceUnwatch},
		{natspkg.SubjectBalanceGet, QueueGroup, p.async(p.handleBalanceGet)},
		{natspkg.SubjectBalanceRefresh, QueueGroup, p.async(p.handleBalanceRefresh)},
	}
	for _, s := range subs {
		unsub, err := b.Subscribe(s.subject, s.queue, s.handler)
		if err != nil {
			p.stop()
			return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
		}
		p.unsubs = append(p.unsubs, unsub)
	}

	p.logger.Info("poller started",
		"chains", len(p.readers),
		"tx_poll_interval", p.txPollInterval,
		"queue_group", QueueGroup,
	)
	return nil
}

func (p *Poller) stop() {
	for _, unsub := range p.unsubs {
		if err := unsub(); err != nil {
			p.logger.Warn("failed to unsubscribe", "error", err)
		}
	}
	p.unsubs = nil
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	n := len(p.watches)
	p.mu.Unlock()
	p.logger.Info("poller stopped", "watches_remaining", n)
}

// ActiveWatches returns the number of running poll loops.
func (p *Poller) ActiveWatches() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watches)
}

// async runs handler off the subscription goroutine so slow reads don't block delivery.
func (p *Poller) async(handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			handler(msg)
		}()
	}
}

func (p *Poller) handleTxWatch(msg *nats.Msg) {
	var req natspkg.TransactionWatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.logger.Warn("dropping malformed transaction watch", "error", err)
		return
	}
	c, r, err := p.resolve(req.ChainID)
	if err != nil {
		p.logger.Warn("refusing transaction watch", "tx_hash", req.TxHash, "chain_id", req.ChainID, "error", err)
		return
	}
	hash := c.Canonical(req.TxHash)
	p.startWatch(txKey(c.ID, hash), "tx", func(ctx context.Context) {
		p.pollTransaction(ctx, c, r, hash)
	})
}

func (p *Poller) handleTxUnwatch(msg *nats.Msg) {
	var req natspkg.TransactionUnwatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.logger.Warn("dropping malformed transaction unwatch", "error", err)
		return
	}
	hash := req.TxHash
	if c, ok := p.registry.ResolveChain(req.ChainID); ok {
		hash = c.Canonical(hash)
	}
	p.stopWatch(txKey(req.ChainID, hash))
}

func (p *Poller) handleBalanceWatch(msg *nats.Msg) {
	var req natspkg.BalanceWatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.logger.Warn("dropping malformed balance watch", "error", err)
		return
	}
	c, r, err := p.resolve(req.ChainID)
	if err != nil {
		p.logger.Warn("refusing balance watch", "watcher_key", req.Key, "chain_id", req.ChainID, "error", err)
		return
	}
	if req.Key == "" {
		p.logger.Warn("refusing balance watch without key", "address", req.Address)
		return
	}
	interval := time.Duration(req.PollIntervalMS) * time.Millisecond
	if interval < minBalancePollInterval {
		interval = minBalancePollInterval
	}
	address, token := c.Canonical(req.Address), c.Canonical(req.Token)
	p.startWatch(req.Key, "balance", func(ctx context.Context) {
		p.pollBalance(ctx, c, r, address, token, interval)
	})
}

func (p *Poller) handleBalanceUnwatch(msg *nats.Msg) {
	var req natspkg.BalanceUnwatchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.logger.Warn("dropping malformed balance unwatch", "error", err)
		return
	}
	p.stopWatch(req.Key)
}

func (p *Poller) handleBalanceGet(msg *nats.Msg) {
	var req natspkg.BalanceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.respond(msg, natspkg.BalanceReply{Error: fmt.Sprintf("invalid balance request: %v", err)})
		return
	}
	c, r, err := p.resolve(req.ChainID)
	if err != nil {
		p.respond(msg, natspkg.BalanceReply{Error: err.Error()})
		return
	}
	address, token := c.Canonical(req.Address), c.Canonical(req.Token)

	if req.UseCache {
		subject, err := natspkg.BalanceSubject(c.ID, address, token)
		if err == nil {
			if reply, ok := p.cache.Get(subject); ok {
				p.respond(msg, reply)
				return
			}
		}
	}

	ctx, cancel := p.clock.WithTimeout(p.ctx, p.readTimeout)
	defer cancel()
	p.respond(msg, p.readBalance(ctx, c, r, address, token))
}

func (p *Poller) handleBalanceRefresh(msg *nats.Msg) {
	var req natspkg.RefreshRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		p.respond(msg, natspkg.BalanceReply{Error: fmt.Sprintf("invalid refresh request: %v", err)})
		return
	}
	c, r, err := p.resolve(req.ChainID)
	if err != nil {
		p.respond(msg, natspkg.BalanceReply{Error: err.Error()})
		return
	}
	maxWait := time.Duration(req.MaxWaitMS) * time.Millisecond
	if maxWait <= 0 {
		maxWait = DefaultRefreshMaxWait
	}

	// Leave a fifth of the caller's budget for the balance read itself.
	waitCtx, cancel := p.clock.WithTimeout(p.ctx, maxWait*4/5)
	status := p.awaitSettled(waitCtx, r, c.Canonical(req.TxHash))
	cancel()
	p.logger.Debug("refreshing balance after transaction",
		"tx_hash", req.TxHash,
		"chain_id", c.ID,
		"tx_status", status,
	)

	ctx, cancel := p.clock.WithTimeout(p.ctx, maxWait/5)
	defer cancel()
	p.respond(msg, p.readBalance(ctx, c, r, c.Canonical(req.Address), c.Canonical(req.Token)))
}

// awaitSettled polls txHash until it reaches a terminal status or ctx is done and
// returns the last status seen.
func (p *Poller) awaitSettled(ctx context.Context, r Reader, txHash string) chain.TxStatus {
	ticker := p.clock.Ticker(p.txPollInterval)
	defer ticker.Stop()

	var last chain.TxStatus
	for {
		u, err := r.TransactionStatus(ctx, txHash)
		if err == nil {
			last = u.Status
			if u.Status.Terminal() {
				return last
			}
		}
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
		}
	}
}

// readBalance reads a fresh balance and records it as the last-known reading.
func (p *Poller) readBalance(ctx context.Context, c *chain.Chain, r Reader, address, token string) natspkg.BalanceReply {
	subject, err := natspkg.BalanceSubject(c.ID, address, token)
	if err != nil {
		return natspkg.BalanceReply{Error: err.Error()}
	}
	bal, err := r.Balance(ctx, address, token)
	if err != nil {
		return natspkg.BalanceReply{Error: fmt.Sprintf("failed to read balance: %v", err)}
	}

	reply := natspkg.BalanceReply{Balance: bal, Timestamp: p.clock.Now().UTC()}
	if prev, ok := p.cache.Peek(subject); ok {
		reply.PreviousBalance = prev.Balance
	}
	p.cache.Add(subject, reply)
	return reply
}

func (p *Poller) pollTransaction(ctx context.Context, c *chain.Chain, r Reader, txHash string) {
	deadline := p.clock.Now().Add(p.txWatchTTL)
	ticker := p.clock.Ticker(p.txPollInterval)
	defer ticker.Stop()

	var last chain.TxStatus
	for {
		u, err := r.TransactionStatus(ctx, txHash)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("failed to poll transaction status", "tx_hash", txHash, "chain_id", c.ID, "error", err)
		case u.Status != last:
			last = u.Status
			ev := &natspkg.TransactionStatusEvent{
				TxHash:          txHash,
				ChainID:         c.ID,
				Status:          u.Status,
				Receipt:         u.Receipt,
				ReplacementHash: u.ReplacementHash,
				Error:           u.Error,
				PublishedAt:     p.clock.Now().UTC(),
			}
			if err := p.publisher.PublishTransactionStatus(ctx, ev); err != nil {
				p.logger.Error("failed to publish transaction status", "tx_hash", txHash, "status", u.Status, "error", err)
			}
			if u.Status.Terminal() {
				p.logger.Info("transaction settled", "tx_hash", txHash, "chain_id", c.ID, "status", u.Status)
				return
			}
		}

		if !p.clock.Now().Before(deadline) {
			p.logger.Warn("giving up on transaction", "tx_hash", txHash, "chain_id", c.ID, "ttl", p.txWatchTTL)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) pollBalance(ctx context.Context, c *chain.Chain, r Reader, address, token string, interval time.Duration) {
	subject, _ := natspkg.BalanceSubject(c.ID, address, token)
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	var last string
	for {
		bal, err := r.Balance(ctx, address, token)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			ev := &natspkg.BalanceEvent{
				ChainID:   c.ID,
				Address:   address,
				Token:     token,
				Timestamp: p.clock.Now().UTC(),
				Error:     err.Error(),
			}
			if err := p.publisher.PublishBalance(ctx, ev); err != nil {
				p.logger.Error("failed to publish balance error", "subject", subject, "error", err)
			}
		case bal != last:
			ev := &natspkg.BalanceEvent{
				ChainID:         c.ID,
				Address:         address,
				Token:           token,
				Balance:         bal,
				PreviousBalance: last,
				Timestamp:       p.clock.Now().UTC(),
			}
			p.cache.Add(subject, natspkg.BalanceReply{Balance: bal, PreviousBalance: last, Timestamp: ev.Timestamp})
			if err := p.publisher.PublishBalance(ctx, ev); err != nil {
				p.logger.Error("failed to publish balance", "subject", subject, "error", err)
			}
			last = bal
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startWatch runs poll in its own goroutine under key. A key that is already being
// polled gains a reference instead of a second loop.
func (p *Poller) startWatch(key, kind string, poll func(ctx context.Context)) {
	p.mu.Lock()
	if w, ok := p.watches[key]; ok {
		w.refs++
		p.mu.Unlock()
		p.logger.Debug("watch already running", "key", key, "refs", w.refs)
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	w := &pollWatch{kind: kind, refs: 1, cancel: cancel}
	p.watches[key] = w
	p.mu.Unlock()

	p.metrics.RecordPollerWatchChange(kind, 1)
	p.logger.Info("watch started", "key", key, "kind", kind)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			p.mu.Lock()
			if p.watches[key] == w {
				delete(p.watches, key)
			}
			p.mu.Unlock()
			p.metrics.RecordPollerWatchChange(kind, -1)
		}()
		poll(ctx)
	}()
}

// stopWatch drops one reference to key and stops the loop when none remain.
func (p *Poller) stopWatch(key string) {
	p.mu.Lock()
	w, ok := p.watches[key]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.refs--
	if w.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.watches, key)
	p.mu.Unlock()

	w.cancel()
	p.logger.Info("watch stopped", "key", key, "kind", w.kind)
}

func (p *Poller) resolve(chainID int64) (*chain.Chain, Reader, error) {
	c, ok := p.registry.ResolveChain(chainID)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported chain: %d", chainID)
	}
	r, ok := p.readers[chainID]
	if !ok {
		return nil, nil, fmt.Errorf("no reader configured for %s (chain %d)", c.Name, chainID)
	}
	return c, r, nil
}

func (p *Poller) respond(msg *nats.Msg, reply natspkg.BalanceReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		p.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := p.bus.Publish(msg.Reply, data); err != nil {
		p.logger.Warn("failed to send reply", "subject", msg.Subject, "error", err)
	}
}

func txKey(chainID int64, txHash string) string {
	return fmt.Sprintf("tx:%d:%s", chainID, txHash)
}
