package senseme

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is used when PollerConfig.Interval is zero.
const DefaultPollInterval = 30 * time.Second

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	// Interval is the time between poll cycles. Default: 30 seconds.
	Interval time.Duration
}

// Poller periodically reads every tracked field from the device and
// reconciles the cache with what it finds. It catches changes made with
// the physical remote or the vendor app.
type Poller struct {
	fan      *Fan
	interval time.Duration

	healthy     atomic.Bool
	cycles      atomic.Uint64
	failures    atomic.Uint64
	lastSuccess atomic.Int64 // Unix nanoseconds

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// PollerStats holds poll counters.
type PollerStats struct {
	Cycles      uint64
	Failures    uint64
	Healthy     bool
	LastSuccess time.Time
}

// NewPoller creates a poller on the shared fan context.
func NewPoller(fan *Fan, cfg PollerConfig) (*Poller, error) {
	if fan == nil {
		return nil, errors.New("fan is required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		fan:      fan,
		interval: interval,
		done:     make(chan struct{}),
	}, nil
}

// Start runs the poll loop until ctx is cancelled or Stop is called. The
// first cycle runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.pollLoop(ctx)
}

// Stop ends the poll loop and waits for an in-progress cycle to finish.
// Safe to call multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// Healthy reports whether the most recent cycle read every field.
func (p *Poller) Healthy() bool {
	return p.healthy.Load()
}

// Stats returns a snapshot of the poll counters.
func (p *Poller) Stats() PollerStats {
	var last time.Time
	if ns := p.lastSuccess.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return PollerStats{
		Cycles:      p.cycles.Load(),
		Failures:    p.failures.Load(),
		Healthy:     p.healthy.Load(),
		LastSuccess: last,
	}
}

// PollOnce runs a single cycle. Fields are read in order. A failed read is
// logged and skipped so one silent field cannot hide changes to the rest;
// the cycle then counts as failed and the successful reads are applied.
// Cancellation ends the cycle early.
func (p *Poller) PollOnce(ctx context.Context) error {
	start := time.Now()
	seq := p.fan.cache.Seq()
	fields := p.fan.cache.Fields()

	reads := make([]Change, 0, len(fields))
	var failed []error
	for _, f := range fields {
		if ctx.Err() != nil {
			failed = append(failed, ctx.Err())
			break
		}
		reply, err := p.fan.link.ReadField(ctx, f)
		if err != nil {
			p.fan.logWarn("fan field read failed", "field", f, "error", err)
			failed = append(failed, err)
			continue
		}
		reads = append(reads, Change{Field: f, Value: reply.Value})
	}
	pollErr := errors.Join(failed...)

	changed := p.fan.commitPoll(reads, seq)

	p.cycles.Add(1)
	p.healthy.Store(pollErr == nil)
	if pollErr == nil {
		p.lastSuccess.Store(time.Now().UnixNano())
	} else {
		p.failures.Add(1)
	}

	p.fan.observer.ObservePoll(PollRecord{
		OK:       pollErr == nil,
		Reads:    len(reads),
		Changed:  len(changed),
		Duration: time.Since(start),
		Err:      pollErr,
	})

	for _, c := range changed {
		p.fan.logInfo("fan state changed", "field", c.Field, "value", c.Value, "origin", OriginPoll)
	}
	return pollErr
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

func (p *Poller) runCycle(ctx context.Context) {
	if err := p.PollOnce(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.fan.logWarn("fan poll failed", "error", err)
	}
}
