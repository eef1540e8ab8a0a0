package status

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/devmarket/internal/domain"
)

// LogEntry is one message frame in arrival order.
type LogEntry struct {
	Seq        int       `json:"seq"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// Update notifies subscribers that the channel changed. Event is nil when
// the change came from the transport rather than from a frame.
type Update struct {
	Event    Event
	State    domain.ChannelState
	Status   domain.StatusValue
	Progress int
}

// Snapshot is a copy of the channel read surface.
type Snapshot struct {
	ProjectID string              `json:"project_id"`
	State     domain.ChannelState `json:"state"`
	Status    domain.StatusValue  `json:"status"`
	Progress  int                 `json:"progress"`
	Messages  []LogEntry          `json:"messages"`
	Malformed int                 `json:"malformed"`
}

// Recent returns at most the last n messages.
func (s Snapshot) Recent(n int) []LogEntry {
	if n <= 0 || len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Option customises a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.log = logger
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithClock overrides the clock used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// Channel owns the live status stream of one project. It never blocks its
// caller: the transport is dialled and read on a background goroutine and
// every fault becomes channel state.
type Channel struct {
	projectID string
	endpoint  string
	dialer    Dialer
	log       *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	mu        sync.Mutex
	state     domain.ChannelState
	status    domain.StatusValue
	progress  int
	messages  []LogEntry
	malformed int
	attempt   uint64
	transport Transport
	cancel    context.CancelFunc
	subs      map[*Subscription]struct{}
}

// NewChannel builds a closed channel for projectID streaming from endpoint.
func NewChannel(projectID, endpoint string, dialer Dialer, opts ...Option) *Channel {
	c := &Channel{
		projectID: projectID,
		endpoint:  endpoint,
		dialer:    dialer,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       time.Now,
		state:     domain.ChannelClosed,
		status:    domain.StatusDisconnected,
		subs:      make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("project_id", projectID)
	return c
}

// ProjectID returns the project the channel streams.
func (c *Channel) ProjectID() string {
	return c.projectID
}

// Connect starts a connection attempt unless one is already connecting or open.
func (c *Channel) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Active() {
		return
	}
	c.attempt++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setState(domain.ChannelConnecting, domain.StatusConnecting)
	c.log.Debug("status channel connecting", "endpoint", c.endpoint)
	go c.run(ctx, c.attempt)
}

// Disconnect closes the active connection, if any. The message log is kept
// for inspection; frames arriving after this call are discarded.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if !c.state.Active() {
		c.mu.Unlock()
		return
	}
	c.attempt++
	c.setState(domain.ChannelClosing, c.status)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	transport := c.transport
	c.transport = nil
	if transport != nil {
		c.metrics.released()
	}
	c.setState(domain.ChannelClosed, domain.StatusDisconnected)
	c.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.log.Debug("status transport close failed", "error", err)
		}
	}
	c.log.Info("status channel disconnected")
}

func (c *Channel) run(ctx context.Context, attempt uint64) {
	transport, err := c.dialer.Dial(ctx, c.endpoint)

	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return
	}
	if err != nil {
		c.releaseAttempt()
		c.metrics.failed()
		c.setState(domain.ChannelFailed, domain.StatusError)
		c.mu.Unlock()
		c.log.Warn("status channel dial failed", "endpoint", c.endpoint, "error", err)
		return
	}
	c.transport = transport
	c.metrics.opened()
	c.setState(domain.ChannelOpen, domain.StatusConnected)
	c.mu.Unlock()
	c.log.Info("status channel open")

	c.read(attempt, transport)
}

func (c *Channel) read(attempt uint64, transport Transport) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			c.ended(attempt, transport, err)
			return
		}
		event, derr := Decode(frame)

		c.mu.Lock()
		if attempt != c.attempt {
			c.mu.Unlock()
			return
		}
		if derr != nil {
			c.malformed++
			c.metrics.malformedFrame()
			c.mu.Unlock()
			c.log.Debug("dropping malformed status frame", "error", derr)
			continue
		}
		c.apply(event)
		c.mu.Unlock()
	}
}

// ended handles the transport going away on its own.
func (c *Channel) ended(attempt uint64, transport Transport, err error) {
	c.mu.Lock()
	if attempt != c.attempt {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.releaseAttempt()
	c.metrics.released()
	clean := isCleanClose(err)
	if clean {
		c.setState(domain.ChannelClosing, c.status)
		c.setState(domain.ChannelClosed, domain.StatusDisconnected)
	} else {
		c.metrics.failed()
		c.setState(domain.ChannelFailed, domain.StatusError)
	}
	c.mu.Unlock()

	_ = transport.Close()
	if clean {
		c.log.Info("status stream closed by server")
	} else {
		c.log.Warn("status stream failed", "error", err)
	}
}

// releaseAttempt drops the attempt context. Caller holds c.mu.
func (c *Channel) releaseAttempt() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// apply records a decoded frame. Caller holds c.mu.
func (c *Channel) apply(event Event) {
	switch ev := event.(type) {
	case Progress:
		c.progress = ev.Value
	case StatusChange:
		c.status = ev.Value
		if ev.Raw != "" {
			c.log.Debug("unrecognised status value", "value", ev.Raw)
		}
	case Message:
		c.messages = append(c.messages, LogEntry{
			Seq:        len(c.messages) + 1,
			Content:    ev.Content,
			ReceivedAt: c.now().UTC(),
		})
	}
	c.metrics.frame(event.Kind())
	c.notify(event)
}

// setState moves the transport state and status signal. Caller holds c.mu.
func (c *Channel) setState(state domain.ChannelState, status domain.StatusValue) {
	c.state = state
	c.status = status
	c.notify(nil)
}

// notify fans an update out without blocking. Caller holds c.mu.
func (c *Channel) notify(event Event) {
	if len(c.subs) == 0 {
		return
	}
	upd := Update{Event: event, State: c.state, Status: c.status, Progress: c.progress}
	for sub := range c.subs {
		select {
		case sub.ch <- upd:
			continue
		default:
		}
		sub.dropped++
		if event != nil {
			continue
		}
		// State changes evict the oldest queued update so a full buffer
		// never hides a transition. Sends only happen under c.mu, so the
		// freed slot is still free for this send.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- upd:
		default:
		}
	}
}

// State returns the transport state.
func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the latest status signal.
func (c *Channel) Status() domain.StatusValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Progress returns the latest progress value, 0 before any progress frame.
func (c *Channel) Progress() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Messages returns a copy of the message log.
func (c *Channel) Messages() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.messages...)
}

// Malformed returns how many frames were dropped by the decoder.
func (c *Channel) Malformed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.malformed
}

// Snapshot copies the whole read surface at once.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ProjectID: c.projectID,
		State:     c.state,
		Status:    c.status,
		Progress:  c.progress,
		Messages:  append([]LogEntry(nil), c.messages...),
		Malformed: c.malformed,
	}
}

// Subscription delivers channel updates in arrival order. Updates that do
// not fit in the buffer are dropped; Snapshot stays authoritative.
type Subscription struct {
	owner   *Channel
	ch      chan Update
	dropped int
	once    sync.Once
}

// Subscribe registers a subscriber with the given buffer size.
func (c *Channel) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{owner: c, ch: make(chan Update, buffer)}
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

// Updates returns the delivery channel; it is closed by Cancel.
func (s *Subscription) Updates() <-chan Update {
	return s.ch
}

// Dropped reports how many updates did not fit in the buffer.
func (s *Subscription) Dropped() int {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.dropped
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		close(s.ch)
		s.owner.mu.Unlock()
	})
}
