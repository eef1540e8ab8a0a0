package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/devmarket/internal/catalog"
	"github.com/splax/devmarket/internal/deploy"
	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/internal/session"
	"github.com/splax/devmarket/internal/status"
	"github.com/splax/devmarket/pkg/api/client"
	"github.com/splax/devmarket/pkg/config"
)

//go:embed templates/*.html
var templateFS embed.FS

// Option customises server construction.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	dialer   status.Dialer
	limiter  RateLimiter
	registry *prometheus.Registry
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer overrides the status stream dialer.
func WithDialer(d status.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRateLimiter overrides the limiter selected from configuration.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *options) { o.limiter = l }
}

// WithRegistry collects metrics into reg instead of the default registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Server hosts the dashboard web UI.
type Server struct {
	cfg       config.DashboardConfig
	api       *client.Client
	catalog   *catalog.Catalog
	channels  *status.Registry
	orch      *deploy.Orchestrator
	views     *viewRegistry
	templates *template.Template
	mux       *http.ServeMux
	logger    *slog.Logger
	limiter   RateLimiter
	metrics   *httpMetrics
	gatherer  prometheus.Gatherer

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs a configured server ready to serve HTTP traffic.
func New(cfg config.DashboardConfig, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if o.registry != nil {
		registerer, gatherer = o.registry, o.registry
	}
	if !cfg.MetricsEnabled {
		registerer = nil
	}

	api, err := client.New(cfg.Client.APIBaseURL, client.WithTimeout(cfg.Client.RequestTimeout))
	if err != nil {
		return nil, err
	}
	// Deploy requests are bounded by the orchestrator timeout instead.
	deployAPI, err := client.New(cfg.Client.APIBaseURL, client.WithHTTPClient(&http.Client{}))
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(api, o.logger)
	if err != nil {
		return nil, err
	}
	tmplFS, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, err
	}
	templates, err := template.New("base").Funcs(templateFuncs).ParseFS(tmplFS, "*.html")
	if err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = status.NewWebsocketDialer(cfg.Client.StreamDialTimeout)
	}
	channels := status.NewRegistry(cfg.Client.StreamBaseURL, dialer,
		status.WithLogger(o.logger),
		status.WithMetrics(status.NewMetrics(registerer)),
	)
	orch := deploy.New(deployAPI, channels,
		deploy.WithLogger(o.logger),
		deploy.WithMetrics(deploy.NewMetrics(registerer)),
		deploy.WithTimeout(cfg.Client.DeployTimeout),
	)

	limiter := o.limiter
	if limiter == nil {
		limiter = NewMemoryRateLimiter()
		if cfg.RateLimitRedisAddr != "" {
			redisLimiter, err := NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, o.logger)
			if err != nil {
				o.logger.Warn("redis rate limiter unavailable, using memory limiter", "error", err)
			} else {
				limiter.Close()
				limiter = redisLimiter
			}
		}
	}

	srv := &Server{
		cfg:       cfg,
		api:       api,
		catalog:   cat,
		channels:  channels,
		orch:      orch,
		templates: templates,
		mux:       http.NewServeMux(),
		logger:    o.logger,
		limiter:   limiter,
		metrics:   newHTTPMetrics(registerer),
		gatherer:  gatherer,
		done:      make(chan struct{}),
	}
	srv.views = newViewRegistry(session.Deps{
		Channels:     channels,
		Orchestrator: orch,
		Logger:       o.logger,
	}, cfg.ViewTTL, o.logger, srv.metrics.setViews)
	srv.registerRoutes()

	if cfg.ViewSweepEvery > 0 {
		srv.wg.Add(1)
		go srv.sweepLoop(cfg.ViewSweepEvery)
	}
	return srv, nil
}

// ServeHTTP conforms to http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close ends event streams, unmounts every view and stops background work.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.views.closeAll()
		s.orch.Close()
		s.channels.DisconnectAll()
		s.limiter.Close()
	})
}

func (s *Server) sweepLoop(every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.views.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.instrument("home", s.handleHome))
	s.mux.HandleFunc("/generate", s.instrument("generate", s.withRateLimit("generate", s.cfg.GenerateRateLimit, s.handleGenerate)))
	s.mux.HandleFunc("/preview/", s.handlePreviewSubroutes)
	s.mux.HandleFunc("/templates", s.instrument("templates", s.handleTemplates))
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.cfg.MetricsEnabled {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	data := map[string]any{
		"Title":      "Generate a landing page",
		"Flash":      flashFromRequest(r),
		"Industries": domain.Industries,
		"Input":      client.GenerateInput{},
	}
	if id := strings.TrimSpace(r.URL.Query().Get("template")); id != "" {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if tpl, ok := s.catalog.Get(ctx, id); ok {
			data["Template"] = tpl
			data["Input"] = client.GenerateInput{TemplateID: tpl.ID, Industry: industryLabel(tpl.Industry)}
		}
	}
	s.render(w, r, "home", data)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "invalid form payload")
		return
	}
	input := client.GenerateInput{
		Name:                   strings.TrimSpace(r.PostFormValue("name")),
		Description:            strings.TrimSpace(r.PostFormValue("description")),
		Industry:               strings.TrimSpace(r.PostFormValue("industry")),
		TargetAudience:         strings.TrimSpace(r.PostFormValue("targetAudience")),
		KeyFeatures:            strings.TrimSpace(r.PostFormValue("keyFeatures")),
		ColorScheme:            strings.TrimSpace(r.PostFormValue("colorScheme")),
		AdditionalRequirements: strings.TrimSpace(r.PostFormValue("additionalRequirements")),
		TemplateID:             strings.TrimSpace(r.PostFormValue("templateId")),
	}
	rerender := func(status int, flash string) {
		s.renderStatus(w, r, status, "home", map[string]any{
			"Title":      "Generate a landing page",
			"Flash":      flash,
			"Industries": domain.Industries,
			"Input":      input,
		})
	}
	if input.Name == "" || input.Description == "" || input.Industry == "" {
		rerender(http.StatusBadRequest, "name, description and industry are required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Client.RequestTimeout)
	defer cancel()
	result, err := s.api.Generate(ctx, input)
	if err != nil {
		s.logger.Warn("generation failed", "error", err)
		rerender(http.StatusBadGateway, "generation failed: "+err.Error())
		return
	}
	s.logger.Info("project generated", "project_id", result.ProjectID)
	http.Redirect(w, r, "/preview/"+url.PathEscape(result.ProjectID), http.StatusSeeOther)
}

func (s *Server) handlePreviewSubroutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/preview/")
	parts := strings.Split(trimmed, "/")
	projectID := strings.TrimSpace(parts[0])
	if projectID == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		s.instrument("preview", s.handlePreview)(w, r)
		return
	}
	switch parts[1] {
	case "events":
		s.handleEvents(w, r, projectID)
	case "deploy":
		s.instrument("deploy", s.withRateLimit("deploy", s.cfg.DeployRateLimit, func(w http.ResponseWriter, r *http.Request) {
			s.handleDeploy(w, r, projectID)
		}))(w, r)
	case "disconnect":
		s.instrument("disconnect", func(w http.ResponseWriter, r *http.Request) {
			s.handleDisconnect(w, r, projectID)
		})(w, r)
	case "download":
		s.instrument("download", func(w http.ResponseWriter, r *http.Request) {
			s.handleDownload(w, r, projectID)
		})(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	projectID := strings.TrimPrefix(r.URL.Path, "/preview/")
	project, ok := s.loadProject(w, r, projectID)
	if !ok {
		return
	}
	sess, err := s.views.mount(projectID)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, "failed to open status channel")
		return
	}
	data := map[string]any{
		"Title":     project.Name,
		"Flash":     flashFromRequest(r),
		"Project":   project,
		"ViewID":    sess.ID(),
		"Platforms": domain.Platforms(),
		"View":      s.present(sess.View()),
	}
	s.render(w, r, "preview", data)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	viewID := r.URL.Query().Get("view")
	sess, err := s.views.attach(viewID, projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	// The page going away is the view unmounting.
	defer s.views.detach(viewID)

	sub, err := sess.Subscribe(s.cfg.Client.SubscriberBuffer)
	if err != nil {
		writeError(w, http.StatusGone, err.Error())
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	stream := newSSEWriter(w, flusher, s.logger)
	defer stream.close()

	if err := stream.send("view", s.present(sess.View())); err != nil {
		return
	}
	heartbeatEvery := s.cfg.HeartbeatEvery
	if heartbeatEvery <= 0 {
		heartbeatEvery = 15 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		var settled <-chan struct{}
		if a, ok := s.orch.Current(projectID); ok && !a.Outcome().Settled() {
			settled = a.Done()
		}
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-settled:
		case <-sess.Changed():
		case <-heartbeat.C:
			if err := stream.heartbeat(); err != nil {
				return
			}
			continue
		}
		if err := stream.send("view", s.present(sess.View())); err != nil {
			return
		}
	}
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form payload")
		return
	}
	sess, err := s.views.lookup(r.URL.Query().Get("view"), projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	platform, err := domain.ParsePlatform(r.PostFormValue("platform"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempt, err := sess.Deploy(r.Context(), platform)
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrClosed), errors.Is(err, deploy.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"attempt_id": attempt.ID,
		"platform":   attempt.Platform,
		"outcome":    attempt.Outcome(),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, err := s.views.lookup(r.URL.Query().Get("view"), projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	sess.DisconnectStatusChannel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	project, ok := s.loadProject(w, r, projectID)
	if !ok {
		return
	}
	if !project.HasCode() {
		s.renderError(w, r, http.StatusNotFound, "project has no generated code")
		return
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": downloadName(project.Name)})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Disposition", disposition)
	_, _ = io.WriteString(w, project.Code)
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := catalog.Filter{
		Category: q.Get("category"),
		Industry: q.Get("industry"),
		Search:   q.Get("q"),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	result := s.catalog.List(ctx, filter)
	s.render(w, r, "templates", map[string]any{
		"Title":      "Templates",
		"Flash":      flashFromRequest(r),
		"Filter":     filter,
		"Categories": domain.TemplateCategories,
		"Industries": domain.Industries,
		"Result":     result,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"views":  s.views.count(),
	})
}

func (s *Server) loadProject(w http.ResponseWriter, r *http.Request, projectID string) (client.Project, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Client.RequestTimeout)
	defer cancel()
	project, err := s.api.GetProject(ctx, projectID)
	if err != nil {
		var apiErr client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			s.renderError(w, r, http.StatusNotFound, "project not found")
			return client.Project{}, false
		}
		s.logger.Warn("project load failed", "project_id", projectID, "error", err)
		s.renderError(w, r, http.StatusBadGateway, "failed to load project")
		return client.Project{}, false
	}
	if project.ID == "" {
		project.ID = projectID
	}
	return project, true
}

// viewPayload is the JSON shape pushed to preview pages.
type viewPayload struct {
	session.View
	Recent    []status.LogEntry `json:"recent"`
	Deploying bool              `json:"deploying"`
}

func (s *Server) present(v session.View) viewPayload {
	recent := v.Channel.Recent(s.cfg.RecentMessages)
	if recent == nil {
		recent = []status.LogEntry{}
	}
	return viewPayload{View: v, Recent: recent, Deploying: v.Deploying()}
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, tpl string, data map[string]any) {
	s.renderStatus(w, r, http.StatusOK, tpl, data)
}

func (s *Server) renderStatus(w http.ResponseWriter, r *http.Request, status int, tpl string, data map[string]any) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, tpl, data); err != nil {
		s.logger.Error("template render failed", "template", tpl, "error", err)
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.logger.Warn("dashboard error", "status", status, "message", message, "path", r.URL.Path)
	http.Error(w, message, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func flashFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("flash"))
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func downloadName(name string) string {
	base := strings.Trim(unsafeFilename.ReplaceAllString(strings.TrimSpace(name), "-"), "-.")
	if base == "" {
		base = "landing-page"
	}
	return base + ".html"
}

// industryLabel maps a catalog industry key onto the form's option label.
func industryLabel(key string) string {
	for _, label := range domain.Industries {
		if strings.EqualFold(strings.ReplaceAll(label, "-", ""), key) {
			return label
		}
	}
	return ""
}

var templateFuncs = template.FuncMap{
	"platformName": func(p domain.Platform) string { return p.DisplayName() },
	"join":         strings.Join,
}
