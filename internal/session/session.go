// Package session ties one view of a project to its status channel and
// deploy attempts. A session owns exactly one channel reference and must
// be closed when the view goes away; Run does that on every exit path.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/splax/devmarket/internal/deploy"
	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/status"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Deps are the shared collaborators a session draws from.
type Deps struct {
	Channels     *status.Registry
	Orchestrator *deploy.Orchestrator
	Logger       *slog.Logger
}

// AttemptView is the presentation copy of a deploy attempt.
type AttemptView struct {
	ID           string          `json:"id"`
	Platform     domain.Platform `json:"platform"`
	StartedAt    time.Time       `json:"started_at"`
	Outcome      domain.Outcome  `json:"outcome"`
	Message      string          `json:"message"`
	ChannelError bool            `json:"channel_error"`
}

// View is everything a presentation surface renders for one project.
type View struct {
	SessionID string          `json:"session_id"`
	ProjectID string          `json:"project_id"`
	Channel   status.Snapshot `json:"channel"`
	Attempt   *AttemptView    `json:"attempt,omitempty"`
}

// Deploying reports whether an attempt is pending.
func (v View) Deploying() bool {
	return v.Attempt != nil && !v.Attempt.Outcome.Settled()
}

// Session is one view's handle on a project.
type Session struct {
	id        string
	projectID string
	channel   *status.Channel
	release   func()
	orch      *deploy.Orchestrator
	log       *slog.Logger

	mu      sync.Mutex
	closed  bool
	subs    []*status.Subscription
	changed chan struct{}
}

// New acquires the project's status channel for a new session.
func New(deps Deps, projectID string) (*Session, error) {
	if deps.Channels == nil || deps.Orchestrator == nil {
		return nil, errors.New("session: channels and orchestrator are required")
	}
	ch, release, err := deps.Channels.Acquire(projectID)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := uuid.NewString()
	return &Session{
		id:        id,
		projectID: projectID,
		channel:   ch,
		release:   release,
		orch:      deps.Orchestrator,
		log:       logger.With("session_id", id, "project_id", projectID),
		changed:   make(chan struct{}),
	}, nil
}

// Run opens a session for projectID, hands it to fn and closes it however
// fn returns, including by panic.
func Run(ctx context.Context, deps Deps, projectID string, fn func(context.Context, *Session) error) error {
	s, err := New(deps, projectID)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// ProjectID returns the project the session views.
func (s *Session) ProjectID() string {
	return s.projectID
}

// Deploy starts a deploy attempt for the session's project.
func (s *Session) Deploy(ctx context.Context, platform domain.Platform) (*deploy.Attempt, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	attempt, err := s.orch.Deploy(ctx, s.projectID, platform)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return attempt, nil
}

// Changed is closed the next time this session starts a deploy attempt.
func (s *Session) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Connect opens the status stream without deploying.
func (s *Session) Connect() error {
	if s.isClosed() {
		return ErrClosed
	}
	s.channel.Connect()
	return nil
}

// DisconnectStatusChannel closes the status stream. The message log stays
// readable through View.
func (s *Session) DisconnectStatusChannel() {
	if s.isClosed() {
		return
	}
	s.channel.Disconnect()
}

// Subscribe streams channel updates until the subscription is cancelled or
// the session closes.
func (s *Session) Subscribe(buffer int) (*status.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	sub := s.channel.Subscribe(buffer)
	s.subs = append(s.subs, sub)
	return sub, nil
}

// View snapshots the channel and the project's newest attempt.
func (s *Session) View() View {
	v := View{
		SessionID: s.id,
		ProjectID: s.projectID,
		Channel:   s.channel.Snapshot(),
	}
	if a, ok := s.orch.Current(s.projectID); ok {
		outcome := a.Outcome()
		v.Attempt = &AttemptView{
			ID:           a.ID,
			Platform:     a.Platform,
			StartedAt:    a.StartedAt,
			Outcome:      outcome,
			Message:      outcome.Message(),
			ChannelError: a.ChannelError(),
		}
	}
	return v
}

// Close releases the channel. Only the first call has an effect.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	s.release()
	s.log.Debug("session closed")
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
