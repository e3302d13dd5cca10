package senseme

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// NotificationSink receives every device-confirmed change. Implementations
// own their delivery guarantees and must not block for long: Publish is
// called while state commits are serialised.
type NotificationSink interface {
	Publish(f Field, raw int)
}

// Sinks fans a notification out to several sinks in order.
type Sinks []NotificationSink

// Publish implements NotificationSink.
func (s Sinks) Publish(f Field, raw int) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(f, raw)
		}
	}
}

// CommandRecord describes one completed or rejected command.
type CommandRecord struct {
	ID        string
	Field     Field
	Origin    Origin
	Requested int // translated raw value; zero when translation failed
	Reported  int // device echo; zero on failure
	Attempts  int
	Latency   time.Duration
	Err       error
}

// PollRecord describes one poll cycle.
type PollRecord struct {
	OK       bool
	Reads    int
	Changed  int
	Duration time.Duration
	Err      error
}

// Observer receives command and poll outcomes for metrics and telemetry.
type Observer interface {
	ObserveCommand(CommandRecord)
	ObservePoll(PollRecord)
}

// Observers fans records out to several observers.
type Observers []Observer

// ObserveCommand implements Observer.
func (o Observers) ObserveCommand(r CommandRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveCommand(r)
		}
	}
}

// ObservePoll implements Observer.
func (o Observers) ObservePoll(r PollRecord) {
	for _, obs := range o {
		if obs != nil {
			obs.ObservePoll(r)
		}
	}
}

// FanOptions configures a Fan.
type FanOptions struct {
	// Link is the device command channel (required).
	Link DeviceLink

	// Cache is the shared state cache (required).
	Cache *StateCache

	// Sink receives state changes. Optional.
	Sink NotificationSink

	// Observer receives command and poll outcomes. Optional.
	Observer Observer

	// Logger is optional.
	Logger Logger
}

// Fan is the explicit context shared by the command bridge and the
// poller: one link, one cache, one sink, and the lock that keeps cache
// writes and their notifications in the same order.
type Fan struct {
	link     DeviceLink
	cache    *StateCache
	sink     NotificationSink
	observer Observer
	logger   Logger

	commitMu sync.Mutex
}

// NewFan validates the options and builds the shared context.
func NewFan(opts FanOptions) (*Fan, error) {
	if opts.Link == nil {
		return nil, errors.New("link is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Sink == nil {
		opts.Sink = Sinks(nil)
	}
	if opts.Observer == nil {
		opts.Observer = Observers(nil)
	}
	return &Fan{
		link:     opts.Link,
		cache:    opts.Cache,
		sink:     opts.Sink,
		observer: opts.Observer,
		logger:   opts.Logger,
	}, nil
}

// Cache returns the shared state cache.
func (f *Fan) Cache() *StateCache {
	return f.cache
}

// State returns a snapshot of the cached state.
func (f *Fan) State() FanState {
	return f.cache.Snapshot()
}

// commitCommand applies a device-confirmed command result and announces
// the target field and its coupled partner.
func (f *Fan) commitCommand(field Field, raw int) FanState {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()

	f.cache.ApplyRaw(field, raw)
	state := f.cache.Snapshot()

	f.announce(state, field)
	if partner, ok := field.Coupled(); ok {
		f.announce(state, partner)
	}
	return state
}

// commitPoll applies polled values that no command has superseded since
// seq and announces every field that ended up different. On an unknown
// cache every field that was read is announced.
func (f *Fan) commitPoll(reads []Change, seq uint64) []Change {
	f.commitMu.Lock()
	defer f.commitMu.Unlock()

	before := f.cache.Snapshot()
	for _, r := range reads {
		if _, applied := f.cache.ApplyIfUnwritten(r.Field, r.Value, seq); !applied {
			f.logDebug("poll value superseded by command", "field", r.Field)
		}
	}
	if len(reads) == 0 {
		return nil
	}
	after := f.cache.Snapshot()

	read := make(map[Field]bool, len(reads))
	for _, r := range reads {
		read[r.Field] = true
	}

	var changed []Change
	for _, field := range f.cache.Fields() {
		now, _ := after.Raw(field)
		was, _ := before.Raw(field)
		// Until the cache is known, only fields the device reported count.
		if before.Known() && now == was || !before.Known() && !read[field] {
			continue
		}
		changed = append(changed, Change{Field: field, Value: now})
		f.announce(after, field)
	}
	return changed
}

func (f *Fan) announce(state FanState, field Field) {
	if v, ok := state.Raw(field); ok {
		f.sink.Publish(field, v)
	}
}

func (f *Fan) logDebug(msg string, kv ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, kv...)
	}
}

func (f *Fan) logInfo(msg string, kv ...any) {
	if f.logger != nil {
		f.logger.Info(msg, kv...)
	}
}

func (f *Fan) logWarn(msg string, kv ...any) {
	if f.logger != nil {
		f.logger.Warn(msg, kv...)
	}
}

// NameSource records where a stored device name came from.
type NameSource string

const (
	NameConfigured NameSource = "configured"
	NameDiscovered NameSource = "discovered"
)

// NameStore persists the last known device name per fan address.
// LoadName returns "" and no error when nothing is stored.
type NameStore interface {
	LoadName(ctx context.Context, address string) (string, error)
	SaveName(ctx context.Context, address, name string, source NameSource) error
}

// Namer is the part of a link that carries the device name.
type Namer interface {
	Name() string
	SetName(name string)
	DiscoverName(ctx context.Context) string
}

// ResolveName settles the device name at startup, in order of preference:
// the configured name, a discovered name, then the last stored name. The
// chosen name is set on the link and recorded in store. An empty result
// means frames carry an empty device name.
func ResolveName(ctx context.Context, n Namer, store NameStore, address string, logger Logger) string {
	save := func(name string, source NameSource) {
		if store == nil {
			return
		}
		if err := store.SaveName(ctx, address, name, source); err != nil && logger != nil {
			logger.Warn("failed to store fan name", "address", address, "error", err)
		}
	}

	if name := n.Name(); name != "" {
		save(name, NameConfigured)
		return name
	}

	if name := n.DiscoverName(ctx); name != "" {
		save(name, NameDiscovered)
		return name
	}

	if store == nil {
		return ""
	}
	name, err := store.LoadName(ctx, address)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to load stored fan name", "address", address, "error", err)
		}
		return ""
	}
	if name != "" {
		n.SetName(name)
		if logger != nil {
			logger.Info("using stored fan name", "address", address, "name", name)
		}
	}
	return name
}
