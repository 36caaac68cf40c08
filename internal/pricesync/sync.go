// Package pricesync keeps a client-side price cache in step with the
// aggregator: periodic polling with retry, an in-flight gate, rate-limit
// suppression, pause on hide, persistence and broadcast delivery.
package pricesync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"pricefeed/internal/metrics"
	"pricefeed/internal/prices"
)

var (
	// ErrCycleInFlight is returned when a cycle is already running.
	ErrCycleInFlight = errors.New("pricesync: fetch already in flight")
	ErrStopped       = errors.New("pricesync: stopped")
)

const rateLimitedMessage = "upstream quota exhausted; automatic updates paused for this session"

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt; it doubles per
	// attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the backoff randomization factor, 0 for none.
	Jitter  float64
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Snapshot is a read-only copy of the synchronizer state.
type Snapshot struct {
	Prices      prices.PriceMap
	LastUpdate  time.Time
	Error       string
	ErrorKind   prices.Kind
	Loading     bool
	Polling     bool
	RateLimited bool
	Visible     bool
}

// Synchronizer owns the authoritative price cache on the client side.
// Every trigger (start, timer, visibility, manual refresh) funnels into the
// same gated cycle, so at most one fetch is outstanding.
type Synchronizer struct {
	fetcher Fetcher
	store   Store
	opts    Options
	log     *slog.Logger

	inFlight atomic.Bool
	cycles   sync.WaitGroup

	mu        sync.Mutex
	state     Snapshot
	timer     *time.Timer
	started   bool
	stopped   bool
	fatal     bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	subs      map[int]chan Snapshot
	nextSubID int
	seq       uint64

	// persistMu orders Save calls; saved is the seq last written.
	persistMu sync.Mutex
	saved     uint64
}

// New hydrates the cache from store, falling back to the seed PriceMap
// when nothing readable was persisted. A nil store keeps state in memory.
func New(ctx context.Context, f Fetcher, st Store, opts Options) *Synchronizer {
	opts.defaults()
	if st == nil {
		st = NewMemoryStore()
	}
	s := &Synchronizer{
		fetcher: f,
		store:   st,
		opts:    opts,
		log:     opts.Log.With("component", "pricesync"),
		baseCtx: context.Background(),
		subs:    map[int]chan Snapshot{},
	}
	s.state = Snapshot{Prices: prices.Seed(), Visible: true}

	p, err := st.Load(ctx)
	switch {
	case err != nil:
		s.log.Warn("persisted cache unreadable, using seed", "error", err)
	case len(p.Prices) > 0:
		s.state.Prices = prices.Merge(prices.Seed(), p.Prices)
		s.state.LastUpdate = p.LastUpdate
	}
	return s
}

// Start checks the fetcher configuration, then kicks off a background
// fetch and arms the polling timer. A configuration error is returned
// before any network attempt.
func (s *Synchronizer) Start(ctx context.Context) error {
	if c, ok := s.fetcher.(Checker); ok {
		if err := c.Check(); err != nil {
			s.mu.Lock()
			s.fatal = true
			s.setErrorLocked(err)
			s.notifyLocked()
			s.mu.Unlock()
			return err
		}
	}

	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	visible := s.state.Visible
	if visible {
		s.armTimerLocked()
	}
	s.notifyLocked()
	s.mu.Unlock()

	if visible {
		s.goCycle()
	}
	return nil
}

// FetchPrices runs one cycle and reports its outcome. It returns
// ErrCycleInFlight without any network call if another cycle is running.
func (s *Synchronizer) FetchPrices(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()
	return s.cycle(ctx)
}

// Refresh is the on-demand trigger. Once the session is rate-limited it
// returns prices.ErrRateLimited without calling the aggregator.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	limited := s.state.RateLimited
	s.mu.Unlock()
	if limited {
		return prices.ErrRateLimited
	}
	return s.FetchPrices(ctx)
}

// SetVisible pauses polling when the host is hidden and resumes it with an
// immediate cycle when it becomes visible again. Repeating the current
// value does nothing.
func (s *Synchronizer) SetVisible(visible bool) {
	s.mu.Lock()
	if s.state.Visible == visible {
		s.mu.Unlock()
		return
	}
	s.state.Visible = visible
	if !visible {
		s.stopTimerLocked()
		s.notifyLocked()
		s.mu.Unlock()
		return
	}
	resume := s.canPollLocked()
	if resume {
		s.armTimerLocked()
	}
	s.notifyLocked()
	s.mu.Unlock()

	if resume {
		s.goCycle()
	}
}

// Apply merges a pushed update exactly like a successful poll. It reports
// whether anything valid was merged.
func (s *Synchronizer) Apply(update prices.PriceMap, at time.Time) bool {
	valid, dropped := update.Validate()
	if len(dropped) > 0 {
		s.log.Debug("dropped pushed entries", "symbols", dropped)
	}
	if len(valid) == 0 {
		return false
	}
	s.persist(s.merge(valid, at))
	return true
}

func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot after a
// change; intermediate snapshots may be skipped. cancel releases it.
func (s *Synchronizer) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Stop cancels the timer and background cycles and waits for them.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.cycles.Wait()

	s.mu.Lock()
	for id, c := range s.subs {
		delete(s.subs, id)
		close(c)
	}
	s.mu.Unlock()
}

// begin reserves the in-flight gate and registers the cycle with Stop.
func (s *Synchronizer) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrCycleInFlight
	}
	s.cycles.Add(1)
	s.state.Loading = true
	s.notifyLocked()
	return nil
}

func (s *Synchronizer) end() {
	s.mu.Lock()
	s.state.Loading = false
	s.notifyLocked()
	s.mu.Unlock()
	s.inFlight.Store(false)
	s.cycles.Done()
}

// goCycle runs a gated cycle in the background; it is a no-op while
// another cycle is running.
func (s *Synchronizer) goCycle() {
	if err := s.begin(); err != nil {
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	go func() {
		defer s.end()
		_ = s.cycle(ctx)
	}()
}

func (s *Synchronizer) cycle(ctx context.Context) error {
	attempts := 0
	op := func() (prices.PriceMap, error) {
		attempts++
		s.opts.Metrics.ObserveSyncAttempt()
		pm, err := s.fetcher.FetchPrices(ctx)
		if err == nil {
			if valid, _ := pm.Validate(); len(valid) > 0 {
				return valid, nil
			}
			err = &prices.EmptyResultError{Provider: aggregatorName}
		}
		if prices.IsRateLimited(err) || prices.IsConfiguration(err) {
			return nil, backoff.Permanent(err)
		}
		s.log.Debug("fetch attempt failed", "attempt", attempts, "error", err)
		return nil, err
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.opts.BaseDelay,
		RandomizationFactor: s.opts.Jitter,
		Multiplier:          2,
		MaxInterval:         s.opts.MaxDelay,
	}
	pm, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug("fetch cycle canceled", "error", err)
			return err
		}
		s.fail(err, attempts)
		return err
	}

	m := s.merge(pm, s.opts.Now())
	s.opts.Metrics.ObserveSyncCycle("merged")
	s.log.Debug("prices merged", "symbols", len(pm), "attempts", attempts)
	s.persist(m)
	return nil
}

// merged is a snapshot taken right after a merge, tagged with its order.
type merged struct {
	snap Snapshot
	seq  uint64
}

// merge never moves LastUpdate backwards; pushed timestamps only carry
// second precision.
func (s *Synchronizer) merge(pm prices.PriceMap, at time.Time) merged {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Prices = prices.Merge(s.state.Prices, pm)
	if at.After(s.state.LastUpdate) {
		s.state.LastUpdate = at
	}
	s.seq++
	if !s.state.RateLimited && !s.fatal {
		s.state.Error = ""
		s.state.ErrorKind = prices.KindNone
	}
	s.notifyLocked()
	return merged{snap: s.snapshotLocked(), seq: s.seq}
}

func (s *Synchronizer) fail(err error, attempts int) {
	kind := prices.KindOf(err)
	s.opts.Metrics.ObserveSyncCycle(string(kind))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case prices.KindRateLimited:
		s.state.RateLimited = true
		s.stopTimerLocked()
		s.log.Warn("rate limited, automatic polling suppressed", "error", err)
	case prices.KindConfiguration:
		s.fatal = true
		s.stopTimerLocked()
		s.log.Error("aggregator misconfigured", "error", err)
	default:
		s.log.Warn("fetch cycle failed, keeping last good prices", "attempts", attempts, "error", err)
	}
	s.setErrorLocked(err)
	s.notifyLocked()
}

func (s *Synchronizer) setErrorLocked(err error) {
	s.state.ErrorKind = prices.KindOf(err)
	if s.state.ErrorKind == prices.KindRateLimited {
		s.state.Error = rateLimitedMessage
		return
	}
	s.state.Error = err.Error()
}

// persist writes m unless a newer merge has already been saved, so the
// stored snapshot never goes backwards.
func (s *Synchronizer) persist(m merged) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if m.seq <= s.saved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, Persisted{Prices: m.snap.Prices, LastUpdate: m.snap.LastUpdate}); err != nil {
		s.log.Warn("persist price cache failed", "error", err)
		return
	}
	s.saved = m.seq
}

func (s *Synchronizer) canPollLocked() bool {
	return s.started && !s.stopped && !s.fatal && !s.state.RateLimited && s.state.Visible
}

func (s *Synchronizer) armTimerLocked() {
	s.stopTimerLocked()
	if !s.canPollLocked() {
		return
	}
	s.timer = time.AfterFunc(s.opts.Interval, s.tick)
	s.state.Polling = true
}

func (s *Synchronizer) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state.Polling = false
}

func (s *Synchronizer) tick() {
	s.mu.Lock()
	if !s.canPollLocked() {
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(s.opts.Interval, s.tick)
	s.mu.Unlock()
	s.goCycle()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	out := s.state
	out.Prices = s.state.Prices.Clone()
	return out
}

// notifyLocked hands the current snapshot to every subscriber, replacing
// any snapshot the subscriber has not read yet.
func (s *Synchronizer) notifyLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
