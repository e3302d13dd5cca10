package senseme

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default link settings.
const (
	// DefaultPort is the SenseMe control port.
	DefaultPort = 31415

	// defaultResponseTimeout bounds a single attempt. Three attempts plus
	// backoff stay under five seconds.
	defaultResponseTimeout = time.Second

	// defaultDialTimeout bounds socket setup and reconnects.
	defaultDialTimeout = 5 * time.Second

	// readBufferSize comfortably holds any SenseMe reply.
	readBufferSize = 512

	// drainWindow is how long the pre-send drain waits for queued replies;
	// drainLimit caps how many it discards.
	drainWindow = time.Millisecond
	drainLimit  = 64

	// broadcastName addresses whichever fan receives the frame. Only the
	// name lookup uses it; other frames carry the name as-is, empty if
	// unknown.
	broadcastName = "ALL"
)

// defaultBackoff is the delay before each attempt. Its length is the
// attempt budget.
var defaultBackoff = []time.Duration{0, 500 * time.Millisecond, time.Second}

// DialFunc opens the datagram socket to the fan.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// LinkConfig holds the device connection settings.
type LinkConfig struct {
	// Address is the fan's host or IP. A host:port form overrides Port.
	Address string

	// Port defaults to DefaultPort.
	Port int

	// Name is the device name put in outbound frames. Empty means unknown;
	// frames then carry an empty name, which the fan accepts as addressed
	// to itself.
	Name string

	// ResponseTimeout bounds each attempt. Default: 1 second.
	ResponseTimeout time.Duration

	// Backoff is the delay before each attempt. Default: 0s, 0.5s, 1s.
	Backoff []time.Duration

	// Dial overrides socket creation. Default: net.Dialer.
	Dial DialFunc
}

// AttemptOutcome classifies how one attempt ended.
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeTimeout        AttemptOutcome = "timeout"
	OutcomeTransportError AttemptOutcome = "transport_error"
)

// Attempt records one send of a command.
type Attempt struct {
	Number  int
	SentAt  time.Time
	Outcome AttemptOutcome
	Err     error
}

// Reply is the device's answer to a successful command.
type Reply struct {
	Device string
	Field  Field

	// Value is the device-reported raw value. It is authoritative and may
	// differ from what was requested.
	Value int

	// Text is the raw value token, used for NAME replies.
	Text string

	Attempts []Attempt
	Elapsed  time.Duration
}

// LinkStats holds link counters.
type LinkStats struct {
	Commands        uint64
	Failures        uint64
	Attempts        uint64
	Timeouts        uint64
	TransportErrors uint64
	MalformedFrames uint64
	StaleFrames     uint64 // late replies drained before a send, or for another field
	Reconnects      uint64
	LastSuccess     time.Time
	Reachable       bool // last command succeeded
}

// DeviceLink is the command channel to the fan. It allows tests to
// replace the UDP link.
type DeviceLink interface {
	Execute(ctx context.Context, f Field, raw int) (Reply, error)
	ReadField(ctx context.Context, f Field) (Reply, error)
}

// Ensure Link implements DeviceLink.
var _ DeviceLink = (*Link)(nil)

// Link talks to one fan over UDP.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - At most one command is in flight; others wait their turn.
//
// Retries:
//   - Each command gets len(Backoff) attempts, three by default.
//   - A timeout or malformed reply consumes an attempt.
//   - A transport error triggers one reconnect. If that fails the command
//     fails at once.
//   - Once the first frame is sent the sequence runs to completion; the
//     context only bounds the wait for the link.
type Link struct {
	cfg  LinkConfig
	addr string

	// sem holds the single in-flight slot. conn is only touched while
	// holding it.
	sem  chan struct{}
	conn net.Conn

	nameMu sync.RWMutex
	name   string

	closed atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex

	commands        atomic.Uint64
	failures        atomic.Uint64
	attempts        atomic.Uint64
	timeouts        atomic.Uint64
	transportErrors atomic.Uint64
	malformedFrames atomic.Uint64
	staleFrames     atomic.Uint64
	reconnects      atomic.Uint64
	lastSuccess     atomic.Int64 // Unix nanoseconds
	reachable       atomic.Bool
}

// NewLink validates the configuration and returns an unopened link. The
// socket is created on first use.
func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.Address == "" {
		return nil, errors.New("senseme: address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: defaultDialTimeout}
		cfg.Dial = d.DialContext
	}

	addr := cfg.Address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port))
	}

	return &Link{
		cfg:  cfg,
		addr: addr,
		sem:  make(chan struct{}, 1),
		name: cfg.Name,
	}, nil
}

// SetLogger sets the logger for link diagnostics.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	defer l.loggerMu.Unlock()
	l.logger = logger
}

// Addr returns the fan's host:port.
func (l *Link) Addr() string {
	return l.addr
}

// Name returns the device name used in outbound frames.
func (l *Link) Name() string {
	l.nameMu.RLock()
	defer l.nameMu.RUnlock()
	return l.name
}

// SetName replaces the device name used in outbound frames.
func (l *Link) SetName(name string) {
	l.nameMu.Lock()
	defer l.nameMu.Unlock()
	l.name = name
}

// Execute writes a raw value and returns the device's echo.
//
// An invalid raw value fails with ErrOutOfRange before any I/O. When all
// attempts fail the error is a *CommandError whose Value is the requested
// raw value.
func (l *Link) Execute(ctx context.Context, f Field, raw int) (Reply, error) {
	frame, err := EncodeSet(l.Name(), f, raw)
	if err != nil {
		return Reply{}, err
	}
	return l.roundTrip(ctx, VerbSet, f, frame, raw)
}

// ReadField reads one field with the same retry policy as Execute.
func (l *Link) ReadField(ctx context.Context, f Field) (Reply, error) {
	frame, err := EncodeGet(l.Name(), f)
	if err != nil {
		return Reply{}, err
	}
	return l.roundTrip(ctx, VerbGet, f, frame, 0)
}

// DiscoverName asks the fan for its name. It is best-effort: on failure
// it logs and returns "" without changing the current name.
func (l *Link) DiscoverName(ctx context.Context) string {
	frame, err := EncodeGet(broadcastName, fieldName)
	if err != nil {
		return ""
	}
	reply, err := l.roundTrip(ctx, VerbGet, fieldName, frame, 0)
	if err != nil {
		l.logWarn("fan name discovery failed", "addr", l.addr, "error", err)
		return ""
	}

	name := reply.Device
	if name == "" || name == broadcastName {
		name = reply.Text
	}
	if name == "" {
		return ""
	}
	l.SetName(name)
	l.logInfo("discovered fan name", "addr", l.addr, "name", name)
	return name
}

// Stats returns a snapshot of the link counters.
func (l *Link) Stats() LinkStats {
	var last time.Time
	if ns := l.lastSuccess.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return LinkStats{
		Commands:        l.commands.Load(),
		Failures:        l.failures.Load(),
		Attempts:        l.attempts.Load(),
		Timeouts:        l.timeouts.Load(),
		TransportErrors: l.transportErrors.Load(),
		MalformedFrames: l.malformedFrames.Load(),
		StaleFrames:     l.staleFrames.Load(),
		Reconnects:      l.reconnects.Load(),
		LastSuccess:     last,
		Reachable:       l.reachable.Load(),
	}
}

// Close releases the socket. Commands issued afterwards fail with ErrClosed.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.sem <- struct{}{}
	defer func() { <-l.sem }()

	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// roundTrip runs the attempt loop for one command.
func (l *Link) roundTrip(ctx context.Context, verb Verb, f Field, frame []byte, requested int) (Reply, error) {
	if l.closed.Load() {
		return Reply{}, ErrClosed
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
	defer func() { <-l.sem }()

	if l.closed.Load() {
		return Reply{}, ErrClosed
	}

	// Past this point the caller's cancellation no longer applies.
	ctx = context.WithoutCancel(ctx)

	l.commands.Add(1)
	start := time.Now()
	attempts := make([]Attempt, 0, len(l.cfg.Backoff))
	var lastErr error

	for i, delay := range l.cfg.Backoff {
		if delay > 0 {
			time.Sleep(delay)
		}

		sentAt := time.Now()
		resp, err := l.attempt(ctx, f, frame)
		l.attempts.Add(1)

		if err == nil {
			attempts = append(attempts, Attempt{Number: i + 1, SentAt: sentAt, Outcome: OutcomeSuccess})
			l.lastSuccess.Store(time.Now().UnixNano())
			l.reachable.Store(true)
			return Reply{
				Device:   resp.Device,
				Field:    f,
				Value:    resp.Value,
				Text:     resp.Text,
				Attempts: attempts,
				Elapsed:  time.Since(start),
			}, nil
		}

		lastErr = err
		outcome := OutcomeTimeout
		if errors.Is(err, ErrTransport) {
			outcome = OutcomeTransportError
			l.transportErrors.Add(1)
		} else {
			l.timeouts.Add(1)
		}
		attempts = append(attempts, Attempt{Number: i + 1, SentAt: sentAt, Outcome: outcome, Err: err})

		l.logWarn("fan command attempt failed",
			"verb", verb,
			"field", f,
			"attempt", i+1,
			"outcome", outcome,
			"error", err,
		)

		if outcome == OutcomeTransportError {
			if rerr := l.reconnect(ctx); rerr != nil {
				lastErr = fmt.Errorf("%w (reconnect failed: %v)", err, rerr)
				break
			}
		}
	}

	l.failures.Add(1)
	l.reachable.Store(false)
	cmdErr := &CommandError{
		Field:    f,
		Verb:     verb,
		Attempts: attempts,
		Value:    requested,
		Err:      lastErr,
	}
	l.logError("fan command failed", "verb", verb, "field", f, "attempts", len(attempts), "error", lastErr)
	return Reply{}, cmdErr
}

// attempt sends the frame once and waits for a reply for the same field.
// The wire format has no request IDs, so anything already queued on the
// socket is a late answer to an earlier attempt and is drained before the
// send. Replies for other fields are skipped too. A malformed reply does
// not end the wait; if nothing valid arrives before the deadline the
// attempt reports the malformed frame.
func (l *Link) attempt(ctx context.Context, f Field, frame []byte) (Response, error) {
	conn, err := l.ensureConn(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if err := l.drain(conn); err != nil {
		return Response{}, fmt.Errorf("%w: drain: %w", ErrTransport, err)
	}

	if _, err := conn.Write(frame); err != nil {
		return Response{}, fmt.Errorf("%w: write: %w", ErrTransport, err)
	}
	if err := conn.SetReadDeadline(time.Now().Add(l.cfg.ResponseTimeout)); err != nil {
		return Response{}, fmt.Errorf("%w: set deadline: %w", ErrTransport, err)
	}

	buf := make([]byte, readBufferSize)
	var badFrame error
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if badFrame != nil {
					return Response{}, badFrame
				}
				return Response{}, ErrTimeout
			}
			return Response{}, fmt.Errorf("%w: read: %w", ErrTransport, err)
		}

		resp, err := Decode(buf[:n])
		if err != nil {
			l.malformedFrames.Add(1)
			l.logDebug("discarding malformed frame", "error", err)
			badFrame = err
			continue
		}
		if resp.Field != f {
			l.staleFrames.Add(1)
			l.logDebug("discarding reply for another field", "want", f, "got", resp.Field)
			continue
		}
		return resp, nil
	}
}

// drain discards datagrams that arrived since the last attempt. Read
// errors other than the deadline end the drain quietly: on a connected UDP
// socket they report an earlier ICMP error, which the send will surface
// again if it still applies.
func (l *Link) drain(conn net.Conn) error {
	buf := make([]byte, readBufferSize)
	for range drainLimit {
		if err := conn.SetReadDeadline(time.Now().Add(drainWindow)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return nil
		}
		l.staleFrames.Add(1)
		l.logDebug("discarding late reply", "frame", string(buf[:n]))
	}
	return nil
}

func (l *Link) ensureConn(ctx context.Context) (net.Conn, error) {
	if l.conn != nil {
		return l.conn, nil
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	l.conn = conn
	return conn, nil
}

func (l *Link) reconnect(ctx context.Context) error {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return err
	}
	l.conn = conn
	l.reconnects.Add(1)
	l.logInfo("reconnected to fan", "addr", l.addr)
	return nil
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()
	conn, err := l.cfg.Dial(dialCtx, "udp", l.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.addr, err)
	}
	return conn, nil
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logDebug(msg string, kv ...any) {
	if lg := l.getLogger(); lg != nil {
		lg.Debug(msg, kv...)
	}
}

func (l *Link) logInfo(msg string, kv ...any) {
	if lg := l.getLogger(); lg != nil {
		lg.Info(msg, kv...)
	}
}

func (l *Link) logWarn(msg string, kv ...any) {
	if lg := l.getLogger(); lg != nil {
		lg.Warn(msg, kv...)
	}
}

func (l *Link) logError(msg string, kv ...any) {
	if lg := l.getLogger(); lg != nil {
		lg.Error(msg, kv...)
	}
}
