package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/splax/devmarket/internal/domain"
)

// Attempt is one deploy invocation. Its outcome moves from pending to
// success or failure exactly once; later results are ignored.
type Attempt struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Platform  domain.Platform `json:"platform"`
	StartedAt time.Time       `json:"started_at"`

	mu         sync.Mutex
	outcome    domain.Outcome
	settledAt  time.Time
	channelErr bool
	done       chan struct{}
	cancel     context.CancelFunc
}

func newAttempt(id, projectID string, platform domain.Platform, now time.Time) *Attempt {
	return &Attempt{
		ID:        id,
		ProjectID: projectID,
		Platform:  platform,
		StartedAt: now,
		outcome:   domain.Outcome{Kind: domain.OutcomePending},
		done:      make(chan struct{}),
	}
}

// settle records the outcome if the attempt is still pending.
func (a *Attempt) settle(outcome domain.Outcome, at time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome.Settled() {
		return false
	}
	a.outcome = outcome
	a.settledAt = at
	close(a.done)
	return true
}

// markChannelError raises the soft channel signal while the outcome is pending.
func (a *Attempt) markChannelError() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outcome.Settled() || a.channelErr {
		return false
	}
	a.channelErr = true
	return true
}

// Outcome returns the current outcome, pending until the request resolves.
func (a *Attempt) Outcome() domain.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}

// SettledAt returns when the outcome settled, zero while pending.
func (a *Attempt) SettledAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settledAt
}

// ChannelError reports whether the status stream failed before the outcome
// settled. It never affects the outcome itself.
func (a *Attempt) ChannelError() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.channelErr
}

// Done is closed once the outcome settles.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the outcome settles or ctx ends.
func (a *Attempt) Wait(ctx context.Context) (domain.Outcome, error) {
	select {
	case <-a.done:
		return a.Outcome(), nil
	case <-ctx.Done():
		return a.Outcome(), ctx.Err()
	}
}
