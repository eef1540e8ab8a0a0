package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/pkg/api/client"
)

type fakeDeployer struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, projectID, platform string) (client.DeployResult, error)
}

func (d *fakeDeployer) DeployProject(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
	d.mu.Lock()
	d.calls++
	fn := d.fn
	d.mu.Unlock()
	return fn(ctx, projectID, platform)
}

func (d *fakeDeployer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubTransport struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (t *stubTransport) ReadFrame() ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case err := <-t.errs:
		return nil, err
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *stubTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

type stubDialer struct {
	mu         sync.Mutex
	err        error
	transports []*stubTransport
}

func (d *stubDialer) Dial(ctx context.Context, endpoint string) (status.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	tr := &stubTransport{frames: make(chan []byte, 8), errs: make(chan error, 1), closed: make(chan struct{})}
	d.transports = append(d.transports, tr)
	return tr, nil
}

func (d *stubDialer) transport(t *testing.T) *stubTransport {
	t.Helper()
	var tr *stubTransport
	waitFor(t, "transport dialled", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.transports) > 0 {
			tr = d.transports[len(d.transports)-1]
			return true
		}
		return false
	})
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wait(t *testing.T, a *Attempt) domain.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := a.Wait(ctx)
	if err != nil {
		t.Fatalf("attempt did not settle: %v", err)
	}
	return outcome
}

func acquire(t *testing.T, reg *status.Registry, projectID string) *status.Channel {
	t.Helper()
	ch, release, err := reg.Acquire(projectID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	t.Cleanup(release)
	return ch
}

func TestDeploySuccessAgainstService(t *testing.T) {
	var gotPath, gotPlatform string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotPlatform = body["platform"]
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"url":"https://proj-1.netlify.app"}`))
	}))
	defer srv.Close()

	api, err := client.New(srv.URL)
	if err != nil {
		t.Fatalf("client.New returned error: %v", err)
	}
	promReg := prometheus.NewRegistry()
	metrics := NewMetrics(promReg)
	o := New(api, nil, WithMetrics(metrics))
	defer o.Close()

	attempt, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	outcome := wait(t, attempt)
	if outcome != domain.Success("https://proj-1.netlify.app") {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if gotPath != "/api/deploy/proj-1" || gotPlatform != "netlify" {
		t.Fatalf("unexpected request %s platform=%s", gotPath, gotPlatform)
	}
	if current, _ := o.Current("proj-1"); current != attempt {
		t.Fatal("Current should return the attempt")
	}
	if got := testutil.ToFloat64(metrics.outcomes.WithLabelValues("netlify", "success", "")); got != 1 {
		t.Fatalf("expected one success outcome metric, got %v", got)
	}
}

func TestDeployServiceErrorLeavesChannelAlone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	api, _ := client.New(srv.URL)

	dialer := &stubDialer{}
	reg := status.NewRegistry("ws://status.test/ws", dialer)
	ch := acquire(t, reg, "proj-2")
	o := New(api, reg)
	defer o.Close()

	attempt, err := o.Deploy(context.Background(), "proj-2", domain.PlatformVercel)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	outcome := wait(t, attempt)
	if outcome.Kind != domain.OutcomeFailure || outcome.Reason != domain.ReasonServiceRejected {
		t.Fatalf("expected service_rejected failure, got %+v", outcome)
	}
	waitFor(t, "channel open", func() bool { return ch.State() == domain.ChannelOpen })
	if ch.Status() != domain.StatusConnected {
		t.Fatalf("HTTP failure must not touch the channel, status %s", ch.Status())
	}
	if attempt.ChannelError() {
		t.Fatal("no channel error expected")
	}
}

func TestLateStatusErrorDoesNotFlipSuccess(t *testing.T) {
	dialer := &stubDialer{}
	reg := status.NewRegistry("ws://status.test/ws", dialer)
	ch := acquire(t, reg, "p")
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		return client.DeployResult{Success: true, URL: "https://x"}, nil
	}}
	o := New(deployer, reg)
	defer o.Close()

	attempt, err := o.Deploy(context.Background(), "p", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if outcome := wait(t, attempt); outcome.URL != "https://x" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	tr := dialer.transport(t)
	tr.frames <- []byte(`{"type":"status","value":"error"}`)
	waitFor(t, "status error recorded", func() bool { return ch.Status() == domain.StatusError })

	if outcome := attempt.Outcome(); outcome != domain.Success("https://x") {
		t.Fatalf("late status frame changed the outcome: %+v", outcome)
	}
	if ch.State() != domain.ChannelOpen {
		t.Fatalf("orchestrator must not disconnect the channel, state %s", ch.State())
	}
}

func TestChannelFailureIsSoftSignal(t *testing.T) {
	dialer := &stubDialer{err: errors.New("stream unavailable")}
	reg := status.NewRegistry("ws://status.test/ws", dialer)
	ch := acquire(t, reg, "p")
	release := make(chan struct{})
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		<-release
		return client.DeployResult{Success: true, URL: "https://x"}, nil
	}}
	o := New(deployer, reg)
	defer o.Close()

	attempt, err := o.Deploy(context.Background(), "p", domain.PlatformRailway)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitFor(t, "channel error", attempt.ChannelError)
	if ch.State() != domain.ChannelFailed {
		t.Fatalf("expected failed channel, got %s", ch.State())
	}
	if attempt.Outcome().Settled() {
		t.Fatal("channel failure must not settle the attempt")
	}

	close(release)
	if outcome := wait(t, attempt); outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("expected success despite stream failure, got %+v", outcome)
	}
	if !attempt.ChannelError() {
		t.Fatal("channel error signal should be retained")
	}
}

func TestChannelFailureAfterBurstIsSignalled(t *testing.T) {
	dialer := &stubDialer{}
	reg := status.NewRegistry("ws://status.test/ws", dialer)
	ch := acquire(t, reg, "p")
	release := make(chan struct{})
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		<-release
		return client.DeployResult{Success: true, URL: "https://x"}, nil
	}}
	o := New(deployer, reg)
	defer o.Close()
	defer close(release)

	attempt, err := o.Deploy(context.Background(), "p", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	tr := dialer.transport(t)
	for i := 0; i < 64; i++ {
		tr.frames <- []byte(`{"type":"message","content":"line"}`)
	}
	waitFor(t, "burst applied", func() bool { return len(ch.Messages()) == 64 })
	tr.errs <- errors.New("connection reset")
	waitFor(t, "failed channel", func() bool { return ch.State() == domain.ChannelFailed })
	waitFor(t, "channel error", attempt.ChannelError)
	if attempt.Outcome().Settled() {
		t.Fatal("channel failure must not settle the attempt")
	}
}

func TestDeployRejectsInvalidArguments(t *testing.T) {
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		return client.DeployResult{Success: true}, nil
	}}
	o := New(deployer, nil)
	defer o.Close()

	if _, err := o.Deploy(context.Background(), "", domain.PlatformNetlify); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty project, got %v", err)
	}
	if _, err := o.Deploy(context.Background(), "proj-1", domain.Platform("heroku")); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for unknown platform, got %v", err)
	}
	if deployer.callCount() != 0 {
		t.Fatalf("invalid input must not reach the service, got %d calls", deployer.callCount())
	}
	if _, ok := o.Current("proj-1"); ok {
		t.Fatal("rejected deploy must not record an attempt")
	}
}

func TestDeployClassification(t *testing.T) {
	cases := []struct {
		name   string
		res    client.DeployResult
		err    error
		reason domain.FailureReason
	}{
		{"network", client.DeployResult{}, errors.New("dial tcp: connection refused"), domain.ReasonNetworkError},
		{"rejected body", client.DeployResult{Success: false, Error: "quota exceeded"}, nil, domain.ReasonServiceRejected},
		{"http status", client.DeployResult{}, client.APIError{Status: http.StatusBadGateway}, domain.ReasonServiceRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
				return tc.res, tc.err
			}}
			o := New(deployer, nil)
			defer o.Close()
			attempt, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify)
			if err != nil {
				t.Fatalf("Deploy returned error: %v", err)
			}
			outcome := wait(t, attempt)
			if outcome.Kind != domain.OutcomeFailure || outcome.Reason != tc.reason {
				t.Fatalf("expected %s failure, got %+v", tc.reason, outcome)
			}
		})
	}
}

func TestDeployTimeout(t *testing.T) {
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		<-ctx.Done()
		return client.DeployResult{}, ctx.Err()
	}}
	o := New(deployer, nil, WithTimeout(20*time.Millisecond))
	defer o.Close()

	attempt, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	outcome := wait(t, attempt)
	if outcome.Reason != domain.ReasonNetworkError || outcome.Detail != "request timed out" {
		t.Fatalf("expected timed out network error, got %+v", outcome)
	}
}

func TestDeployOutlivesCallerContext(t *testing.T) {
	release := make(chan struct{})
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		select {
		case <-release:
			return client.DeployResult{Success: true, URL: "https://x"}, nil
		case <-ctx.Done():
			return client.DeployResult{}, ctx.Err()
		}
	}}
	o := New(deployer, nil)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	attempt, err := o.Deploy(ctx, "proj-1", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	cancel()
	close(release)
	if outcome := wait(t, attempt); outcome.Kind != domain.OutcomeSuccess {
		t.Fatalf("request should survive the caller's context, got %+v", outcome)
	}
}

func TestNewDeploySupersedesPending(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return client.DeployResult{}, ctx.Err()
		}
		return client.DeployResult{Success: true, URL: "https://second"}, nil
	}}
	o := New(deployer, nil)
	defer o.Close()

	first, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	waitFor(t, "first request in flight", func() bool { return deployer.callCount() == 1 })
	second, err := o.Deploy(context.Background(), "proj-1", domain.PlatformVercel)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}

	if outcome := wait(t, first); outcome.Reason != domain.ReasonSuperseded {
		t.Fatalf("expected first attempt superseded, got %+v", outcome)
	}
	if outcome := wait(t, second); outcome.URL != "https://second" {
		t.Fatalf("unexpected second outcome %+v", outcome)
	}
	if current, _ := o.Current("proj-1"); current != second {
		t.Fatal("latest attempt must be authoritative")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	deployer := &fakeDeployer{fn: func(ctx context.Context, projectID, platform string) (client.DeployResult, error) {
		<-ctx.Done()
		return client.DeployResult{}, ctx.Err()
	}}
	o := New(deployer, nil)
	attempt, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify)
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	o.Close()
	select {
	case <-attempt.Done():
	default:
		t.Fatal("Close should settle pending attempts")
	}
	if attempt.Outcome().Reason != domain.ReasonNetworkError {
		t.Fatalf("unexpected outcome %+v", attempt.Outcome())
	}
	if _, err := o.Deploy(context.Background(), "proj-1", domain.PlatformNetlify); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
