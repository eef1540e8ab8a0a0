package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/pkg/api/client"
)

// ErrClosed is returned by Deploy after Close.
var ErrClosed = errors.New("orchestrator closed")

// Deployer issues the one-shot deploy request to the deployment service.
type Deployer interface {
	DeployProject(ctx context.Context, projectID, platform string) (client.DeployResult, error)
}

// Channels looks up the status channel held for a project. The
// orchestrator connects the channel but never disconnects it; that belongs
// to whoever acquired it.
type Channels interface {
	Lookup(projectID string) (*status.Channel, bool)
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.log = logger
		}
	}
}

// WithMetrics attaches prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTimeout bounds each deploy request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.timeout = d
		}
	}
}

// WithClock overrides the attempt clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator runs deploy attempts and reconciles the HTTP result with
// the project's status stream.
type Orchestrator struct {
	deployer Deployer
	channels Channels
	log      *slog.Logger
	metrics  *Metrics
	timeout  time.Duration
	now      func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	current map[string]*Attempt
}

// New returns an orchestrator. channels may be nil when no status stream
// is wanted.
func New(deployer Deployer, channels Channels, opts ...Option) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		deployer: deployer,
		channels: channels,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
		ctx:      ctx,
		stop:     stop,
		current:  make(map[string]*Attempt),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deploy starts an attempt and returns it while still pending. Invalid
// arguments are rejected before any network activity. A newer attempt for
// the same project supersedes the previous one.
func (o *Orchestrator) Deploy(ctx context.Context, projectID string, platform domain.Platform) (*Attempt, error) {
	if err := domain.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	if !platform.Valid() {
		return nil, fmt.Errorf("%w: unknown platform %q", domain.ErrInvalidArgument, platform)
	}

	attempt := newAttempt(uuid.NewString(), projectID, platform, o.now().UTC())
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(o.ctx, cancel)
	attempt.cancel = cancel

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		stopAfter()
		cancel()
		return nil, ErrClosed
	}
	previous := o.current[projectID]
	o.current[projectID] = attempt
	o.wg.Add(1)
	o.mu.Unlock()

	if previous != nil && previous.settle(domain.Failure(domain.ReasonSuperseded, ""), o.now().UTC()) {
		previous.cancel()
		o.metrics.settled(previous, previous.Outcome())
		o.log.Info("deploy attempt superseded", "project_id", projectID, "attempt_id", previous.ID)
	}

	if o.channels != nil {
		if ch, ok := o.channels.Lookup(projectID); ok {
			sub := ch.Subscribe(16)
			ch.Connect()
			o.wg.Add(1)
			go o.watch(attempt, ch, sub)
		} else {
			o.log.Debug("no status channel held for project", "project_id", projectID)
		}
	}

	o.log.Info("deploy requested", "project_id", projectID, "platform", platform.String(), "attempt_id", attempt.ID)
	go o.request(reqCtx, attempt, cancel, stopAfter)
	return attempt, nil
}

func (o *Orchestrator) request(ctx context.Context, attempt *Attempt, cancel context.CancelFunc, stopAfter func() bool) {
	defer o.wg.Done()
	defer stopAfter()
	defer cancel()

	if o.timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, o.timeout)
		defer timeoutCancel()
	}

	o.metrics.started()
	res, err := o.deployer.DeployProject(ctx, attempt.ProjectID, attempt.Platform.String())
	o.metrics.finished()

	outcome := Classify(res, err)
	if !attempt.settle(outcome, o.now().UTC()) {
		return
	}
	o.metrics.settled(attempt, outcome)
	if outcome.Kind == domain.OutcomeSuccess {
		o.log.Info("deploy succeeded", "project_id", attempt.ProjectID, "attempt_id", attempt.ID, "url", outcome.URL)
		return
	}
	o.log.Warn("deploy failed", "project_id", attempt.ProjectID, "attempt_id", attempt.ID, "reason", string(outcome.Reason), "error", err)
}

// watch raises the soft channel error while the attempt is pending. The
// channel state is read back on every update since a slow reader can miss
// the failed transition itself.
func (o *Orchestrator) watch(attempt *Attempt, ch *status.Channel, sub *status.Subscription) {
	defer o.wg.Done()
	defer sub.Cancel()
	for {
		select {
		case <-attempt.Done():
			return
		case upd, ok := <-sub.Updates():
			if !ok {
				return
			}
			failed := upd.State == domain.ChannelFailed || ch.State() == domain.ChannelFailed
			if failed && attempt.markChannelError() {
				o.log.Warn("status stream failed during deploy", "project_id", attempt.ProjectID, "attempt_id", attempt.ID)
			}
		}
	}
}

// Classify maps a deploy response onto an outcome.
func Classify(res client.DeployResult, err error) domain.Outcome {
	if err != nil {
		var apiErr client.APIError
		if errors.As(err, &apiErr) {
			return domain.Failure(domain.ReasonServiceRejected, apiErr.Message)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Failure(domain.ReasonNetworkError, "request timed out")
		}
		if errors.Is(err, context.Canceled) {
			return domain.Failure(domain.ReasonNetworkError, "request cancelled")
		}
		return domain.Failure(domain.ReasonNetworkError, err.Error())
	}
	if !res.Success {
		return domain.Failure(domain.ReasonServiceRejected, res.Error)
	}
	return domain.Success(res.URL)
}

// Current returns the newest attempt for a project.
func (o *Orchestrator) Current(projectID string) (*Attempt, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.current[projectID]
	return a, ok
}

// Forget drops the project's attempt history.
func (o *Orchestrator) Forget(projectID string) {
	o.mu.Lock()
	delete(o.current, projectID)
	o.mu.Unlock()
}

// Close cancels in-flight requests and waits for them to settle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}
