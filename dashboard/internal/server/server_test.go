package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/pkg/config"
)

type streamTransport struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	select {
	case f := <-t.frames:
		return f, nil
	case <-t.closed:
		return nil, net.ErrClosed
	}
}

func (t *streamTransport) Close() error {
	t.closes.Add(1)
	t.once.Do(func() { close(t.closed) })
	return nil
}

type streamDialer struct {
	mu         sync.Mutex
	transports []*streamTransport
}

func (d *streamDialer) Dial(ctx context.Context, endpoint string) (status.Transport, error) {
	tr := &streamTransport{frames: make(chan []byte, 8), closed: make(chan struct{})}
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *streamDialer) latest() *streamTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

type fakeAPI struct {
	mu          sync.Mutex
	deployCalls int
	templatesOK bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/api/generate" && r.Method == http.MethodPost:
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["name"] == "broken" {
			_, _ = io.WriteString(w, `{"success":false,"error":"model unavailable"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"projectId":"proj-1"}`)
	case r.URL.Path == "/api/projects/proj-1":
		_, _ = io.WriteString(w, `{"project":{"id":"proj-1","name":"Acme Launch","description":"Rockets","code":"<h1>Acme</h1>"}}`)
	case r.URL.Path == "/api/projects/empty":
		_, _ = io.WriteString(w, `{"project":{"id":"empty","name":"Empty"}}`)
	case strings.HasPrefix(r.URL.Path, "/api/projects/"):
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"project not found"}`)
	case r.URL.Path == "/api/deploy/proj-1":
		f.mu.Lock()
		f.deployCalls++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"success":true,"url":"https://proj-1.netlify.app"}`)
	case r.URL.Path == "/api/templates":
		f.mu.Lock()
		ok := f.templatesOK
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"templates":[{"id":"svc-1","name":"Service Hero","description":"From the service","category":"hero-sections","industry":"saas","tags":["svc"]}]}`)
	default:
		http.NotFound(w, r)
	}
}

type harness struct {
	srv    *Server
	api    *fakeAPI
	dialer *streamDialer
	reg    *prometheus.Registry
}

func newHarness(t *testing.T, mutate func(*config.DashboardConfig)) *harness {
	t.Helper()
	api := &fakeAPI{}
	apiSrv := httptest.NewServer(api)
	t.Cleanup(apiSrv.Close)

	cfg := config.DashboardConfig{
		Client: config.ClientConfig{
			APIBaseURL:       apiSrv.URL,
			StreamBaseURL:    "ws://status.test/ws",
			RequestTimeout:   5 * time.Second,
			DeployTimeout:    5 * time.Second,
			SubscriberBuffer: 16,
		},
		ViewTTL:        time.Minute,
		HeartbeatEvery: time.Second,
		RecentMessages: 5,
		MetricsEnabled: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dialer := &streamDialer{}
	reg := prometheus.NewRegistry()
	srv, err := New(cfg, WithDialer(dialer), WithRegistry(reg), WithRateLimiter(newMemoryLimiter(time.Now)))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(srv.Close)
	return &harness{srv: srv, api: api, dialer: dialer, reg: reg}
}

func (h *harness) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

// mountPreview renders the preview page and returns the view id it mounted.
func (h *harness) mountPreview(t *testing.T, projectID string) string {
	t.Helper()
	before := h.viewIDs()
	rec := h.do(http.MethodGet, "/preview/"+projectID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview returned %d: %s", rec.Code, rec.Body.String())
	}
	for id := range h.viewIDs() {
		if _, seen := before[id]; !seen {
			return id
		}
	}
	t.Fatal("preview did not mount a view")
	return ""
}

func (h *harness) viewIDs() map[string]struct{} {
	h.srv.views.mu.Lock()
	defer h.srv.views.mu.Unlock()
	ids := make(map[string]struct{}, len(h.srv.views.entries))
	for id := range h.srv.views.entries {
		ids[id] = struct{}{}
	}
	return ids
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

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestHomeRendersForm(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/?template=restaurant-nav-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("home returned %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`name="description"`, "Healthcare", "Restaurant Navigation", `value="restaurant-nav-1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("home page missing %q", want)
		}
	}
	if rec := h.do(http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown path returned %d", rec.Code)
	}
}

func TestGenerate(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(http.MethodPost, "/generate", url.Values{"name": {"Acme"}})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "required") {
		t.Fatalf("expected validation failure, got %d", rec.Code)
	}

	form := url.Values{"name": {"Acme"}, "description": {"Rockets"}, "industry": {"SaaS"}}
	rec = h.do(http.MethodPost, "/generate", form)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/preview/proj-1" {
		t.Fatalf("expected redirect to preview, got %d %s", rec.Code, rec.Header().Get("Location"))
	}

	form.Set("name", "broken")
	rec = h.do(http.MethodPost, "/generate", form)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), "model unavailable") {
		t.Fatalf("expected generation failure, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestPreviewMountsView(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/preview/proj-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview returned %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Acme Launch") || !strings.Contains(body, "Deploy to Netlify") {
		t.Fatalf("preview page incomplete: %s", body)
	}
	if !strings.Contains(body, "events.onerror") || !strings.Contains(body, "Reload the page to reconnect.") {
		t.Fatal("preview page should tell the user to reload when the event stream drops")
	}
	if h.srv.views.count() != 1 {
		t.Fatalf("expected one mounted view, got %d", h.srv.views.count())
	}
	if rec := h.do(http.MethodGet, "/preview/missing", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing project returned %d", rec.Code)
	}
	if h.srv.views.count() != 1 {
		t.Fatal("failed preview must not mount a view")
	}
	if strings.Contains(body, `data-platform="netlify" disabled`) {
		t.Fatal("deploy buttons should be enabled when code exists")
	}
	rec = h.do(http.MethodGet, "/preview/empty", nil)
	if !strings.Contains(rec.Body.String(), `data-platform="netlify" disabled`) {
		t.Fatal("deploy buttons should be disabled without generated code")
	}
}

func TestDeployThroughView(t *testing.T) {
	h := newHarness(t, nil)
	viewID := h.mountPreview(t, "proj-1")

	rec := h.do(http.MethodPost, "/preview/proj-1/deploy?view="+viewID, url.Values{"platform": {"netlify"}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("deploy returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		AttemptID string `json:"attempt_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.AttemptID == "" {
		t.Fatalf("unexpected deploy response %s", rec.Body.String())
	}

	attempt, ok := h.srv.orch.Current("proj-1")
	if !ok || attempt.ID != resp.AttemptID {
		t.Fatal("deploy should record the attempt")
	}
	<-attempt.Done()
	if attempt.Outcome() != domain.Success("https://proj-1.netlify.app") {
		t.Fatalf("unexpected outcome %+v", attempt.Outcome())
	}
	waitFor(t, "status channel dialled", func() bool { return h.dialer.latest() != nil })
}

func TestDeployRejections(t *testing.T) {
	h := newHarness(t, nil)
	viewID := h.mountPreview(t, "proj-1")

	if rec := h.do(http.MethodPost, "/preview/proj-1/deploy?view=nope", url.Values{"platform": {"netlify"}}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown view returned %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/preview/other/deploy?view="+viewID, url.Values{"platform": {"netlify"}}); rec.Code != http.StatusNotFound {
		t.Fatalf("view of another project returned %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/preview/proj-1/deploy?view="+viewID, url.Values{"platform": {"heroku"}}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown platform returned %d", rec.Code)
	}
	if rec := h.do(http.MethodGet, "/preview/proj-1/deploy?view="+viewID, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET deploy returned %d", rec.Code)
	}
	h.api.mu.Lock()
	calls := h.api.deployCalls
	h.api.mu.Unlock()
	if calls != 0 {
		t.Fatalf("rejected deploys must not reach the service, got %d", calls)
	}
}

func TestDeployRateLimited(t *testing.T) {
	h := newHarness(t, func(cfg *config.DashboardConfig) { cfg.DeployRateLimit = 1 })
	viewID := h.mountPreview(t, "proj-1")
	form := url.Values{"platform": {"vercel"}}
	if rec := h.do(http.MethodPost, "/preview/proj-1/deploy?view="+viewID, form); rec.Code != http.StatusAccepted {
		t.Fatalf("first deploy returned %d", rec.Code)
	}
	rec := h.do(http.MethodPost, "/preview/proj-1/deploy?view="+viewID, form)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second deploy returned %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestDisconnectClosesChannel(t *testing.T) {
	h := newHarness(t, nil)
	viewID := h.mountPreview(t, "proj-1")
	sess, err := h.srv.views.lookup(viewID, "proj-1")
	if err != nil {
		t.Fatalf("lookup returned error: %v", err)
	}
	if err := sess.Connect(); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	waitFor(t, "channel open", func() bool { return sess.View().Channel.State == domain.ChannelOpen })

	rec := h.do(http.MethodPost, "/preview/proj-1/disconnect?view="+viewID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("disconnect returned %d", rec.Code)
	}
	if sess.View().Channel.State != domain.ChannelClosed {
		t.Fatal("disconnect should close the channel")
	}
	if h.dialer.latest().closes.Load() != 1 {
		t.Fatal("expected the transport to close once")
	}
}

func TestEventsStreamAndUnmount(t *testing.T) {
	h := newHarness(t, nil)
	viewID := h.mountPreview(t, "proj-1")
	ts := httptest.NewServer(h.srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/preview/proj-1/events?view="+viewID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events request failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	views := make(chan map[string]any, 32)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var v map[string]any
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v) == nil {
				views <- v
			}
		}
		close(views)
	}()

	first := <-views
	if first["project_id"] != "proj-1" {
		t.Fatalf("unexpected initial view %v", first)
	}

	form := url.Values{"platform": {"netlify"}}
	postResp, err := http.PostForm(ts.URL+"/preview/proj-1/deploy?view="+viewID, form)
	if err != nil {
		t.Fatalf("deploy request failed: %v", err)
	}
	postResp.Body.Close()

	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case v, ok := <-views:
			if !ok {
				t.Fatal("stream ended early")
			}
			attempt, _ := v["attempt"].(map[string]any)
			if attempt == nil {
				continue
			}
			outcome, _ := attempt["outcome"].(map[string]any)
			if outcome["kind"] == "success" && outcome["url"] == "https://proj-1.netlify.app" {
				done = true
			}
		case <-deadline:
			t.Fatal("stream never reported the deploy outcome")
		}
	}

	tr := h.dialer.latest()
	cancel()
	waitFor(t, "view unmounted", func() bool { return h.srv.views.count() == 0 })
	waitFor(t, "transport closed", func() bool { return tr.closes.Load() == 1 })
}

func TestEventsRequireKnownView(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/preview/proj-1/events?view=missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown view returned %d", rec.Code)
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/preview/proj-1/download", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download returned %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Disposition"); got != `attachment; filename=Acme-Launch.html` {
		t.Fatalf("unexpected disposition %q", got)
	}
	if rec.Body.String() != "<h1>Acme</h1>" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if rec := h.do(http.MethodGet, "/preview/empty/download", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("download without code returned %d", rec.Code)
	}
}

func TestTemplatesPage(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/templates?category=hero-sections", nil)
	body := rec.Body.String()
	if !strings.Contains(body, "Showing bundled templates") || !strings.Contains(body, "Healthcare Hero") {
		t.Fatalf("expected bundled hero templates: %s", body)
	}
	if strings.Contains(body, "Restaurant Navigation") {
		t.Fatal("category filter not applied")
	}

	h.api.mu.Lock()
	h.api.templatesOK = true
	h.api.mu.Unlock()
	rec = h.do(http.MethodGet, "/templates?q=service", nil)
	if !strings.Contains(rec.Body.String(), "Service Hero") || strings.Contains(rec.Body.String(), "bundled") {
		t.Fatalf("expected service templates: %s", rec.Body.String())
	}
}

func TestSweepUnmountsIdleViews(t *testing.T) {
	h := newHarness(t, nil)
	h.mountPreview(t, "proj-1")
	if n := h.srv.views.sweep(); n != 0 {
		t.Fatalf("fresh view should survive the sweep, swept %d", n)
	}
	h.srv.views.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n := h.srv.views.sweep(); n != 1 {
		t.Fatalf("expected one idle view swept, got %d", n)
	}
	if h.srv.channels.Len() != 0 {
		t.Fatal("swept view should release its channel")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(http.MethodGet, "/templates", nil)
	rec := h.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `devmarket_dashboard_http_requests_total{method="GET",route="templates",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", rec.Body.String())
	}
}

func TestMemoryLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newMemoryLimiter(func() time.Time { return now })
	defer rl.Close()

	for i := 1; i <= 2; i++ {
		if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != i {
			t.Fatalf("request %d unexpectedly limited: %+v", i, d)
		}
	}
	if d := rl.Allow("k", 2, time.Minute); d.Allowed {
		t.Fatal("third request should be limited")
	}
	now = now.Add(2 * time.Minute)
	if d := rl.Allow("k", 2, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("window should reset, got %+v", d)
	}
	rl.sweep(now.Add(2 * time.Minute))
	if len(rl.entries) != 0 {
		t.Fatal("expired windows should be swept")
	}
}

func TestDownloadName(t *testing.T) {
	cases := map[string]string{
		"Acme Launch":  "Acme-Launch.html",
		"  ":           "landing-page.html",
		"../etc/passwd": "etc-passwd.html",
	}
	for in, want := range cases {
		if got := downloadName(in); got != want {
			t.Fatalf("downloadName(%q) = %q, want %q", in, got, want)
		}
	}
}
