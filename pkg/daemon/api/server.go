package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/supreme-majesty/siteward/pkg/adapters"
	"github.com/supreme-majesty/siteward/pkg/daemon/metrics"
	"github.com/supreme-majesty/siteward/pkg/events"
	"github.com/supreme-majesty/siteward/pkg/healer"
	"github.com/supreme-majesty/siteward/pkg/lifecycle"
	"github.com/supreme-majesty/siteward/pkg/site"
)

const defaultLogLines = 100

// Console is the set of lifecycle operations the API exposes.
type Console interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.Result, error)
	Update(ctx context.Context, domain string) (*lifecycle.Result, error)
	Delete(ctx context.Context, domain string, opts lifecycle.DeleteOptions) (*lifecycle.Result, error)
	Run(ctx context.Context, domain, command string) (*lifecycle.Result, error)
	Stop(ctx context.Context, domain string) (*lifecycle.Result, error)
	Status(ctx context.Context) []lifecycle.SiteStatus
	SiteStatus(ctx context.Context, domain string) (lifecycle.SiteStatus, error)
	RenderedConfig(domain string) (string, error)
	Logs(domain string, n int) ([]string, error)
	Sites() []site.Site
}

// LogWatcher streams a site's process output onto the event bus.
type LogWatcher interface {
	Follow(domain string) error
	StopFollowing(domain string)
	IsFollowing(domain string) bool
}

// IssueTracker lists and dismisses diagnosed problems.
type IssueTracker interface {
	Issues(domain string) []healer.Issue
	Dismiss(id string) error
}

type MetricsSource interface {
	Collect(ctx context.Context, siteCount int) (*metrics.Stats, error)
}

type Options struct {
	Console Console
	Logs    LogWatcher      // optional
	Metrics MetricsSource   // optional
	Doctor  adapters.Doctor // optional
	Issues  IssueTracker    // optional
	Bus     *events.Bus     // optional; enables /api/ws
	Logger  *log.Logger
}

type Server struct {
	Addr string

	console Console
	logs    LogWatcher
	metrics MetricsSource
	doctor  adapters.Doctor
	issues  IssueTracker
	bus     *events.Bus
	hub     *Hub
	logger  *log.Logger
}

func NewServer(addr string, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Server{
		Addr:    addr,
		console: opts.Console,
		logs:    opts.Logs,
		metrics: opts.Metrics,
		doctor:  opts.Doctor,
		issues:  opts.Issues,
		bus:     opts.Bus,
		logger:  opts.Logger,
	}
	if s.bus != nil {
		s.hub = NewHub(s.logger)
		SetupEventBridge(s.bus, s.hub)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	// Sites
	api.HandleFunc("/sites", s.handleListSites).Methods(http.MethodGet)
	api.HandleFunc("/sites", s.handleCreateSite).Methods(http.MethodPost)
	api.HandleFunc("/sites/{domain}", s.handleDeleteSite).Methods(http.MethodDelete)
	api.HandleFunc("/sites/{domain}/update", s.handleUpdateSite).Methods(http.MethodPost)
	api.HandleFunc("/sites/{domain}/run", s.handleRunSite).Methods(http.MethodPost)
	api.HandleFunc("/sites/{domain}/stop", s.handleStopSite).Methods(http.MethodPost)
	api.HandleFunc("/sites/{domain}/status", s.handleSiteStatus).Methods(http.MethodGet)
	api.HandleFunc("/sites/{domain}/config", s.handleSiteConfig).Methods(http.MethodGet)

	// Logs
	api.HandleFunc("/sites/{domain}/logs", s.handleSiteLogs).Methods(http.MethodGet)
	api.HandleFunc("/sites/{domain}/logs/watch", s.handleLogsWatch).Methods(http.MethodPost)
	api.HandleFunc("/sites/{domain}/logs/unwatch", s.handleLogsUnwatch).Methods(http.MethodPost)

	// System
	api.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/system/health", s.handleSystemHealth).Methods(http.MethodGet)
	api.HandleFunc("/issues", s.handleIssues).Methods(http.MethodGet)
	api.HandleFunc("/issues/{id}/dismiss", s.handleIssueDismiss).Methods(http.MethodPost)
	if s.hub != nil {
		api.HandleFunc("/ws", s.handleWebSocket)
	}

	return s.corsMiddleware(r)
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("[INFO] siteward listening on %s", s.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Responses
type ErrorResponse struct {
	Error       string `json:"error"`
	Code        string `json:"code,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type RunRequest struct {
	Command string `json:"command"`
}

func jsonResponse(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, err error) {
	jsonResponse(w, ErrorResponse{
		Error:       err.Error(),
		Code:        site.Code(err),
		Remediation: site.Remediation(err),
	}, site.HTTPStatus(err))
}

func badRequest(w http.ResponseWriter, msg string) {
	jsonResponse(w, ErrorResponse{Error: msg, Code: "bad_request"}, http.StatusBadRequest)
}

func domainVar(r *http.Request) string {
	return mux.Vars(r)["domain"]
}

func (s *Server) handleListSites(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.console.Status(r.Context()), http.StatusOK)
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	res, err := s.console.Create(r.Context(), req)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, res, http.StatusCreated)
}

func (s *Server) handleUpdateSite(w http.ResponseWriter, r *http.Request) {
	res, err := s.console.Update(r.Context(), domainVar(r))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleDeleteSite(w http.ResponseWriter, r *http.Request) {
	purge, _ := strconv.ParseBool(r.URL.Query().Get("purge"))
	res, err := s.console.Delete(r.Context(), domainVar(r), lifecycle.DeleteOptions{Purge: purge})
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleRunSite(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	// An empty body runs the default start command.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}

	res, err := s.console.Run(r.Context(), domainVar(r), req.Command)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleStopSite(w http.ResponseWriter, r *http.Request) {
	res, err := s.console.Stop(r.Context(), domainVar(r))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, res, http.StatusOK)
}

func (s *Server) handleSiteStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.console.SiteStatus(r.Context(), domainVar(r))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, st, http.StatusOK)
}

func (s *Server) handleSiteConfig(w http.ResponseWriter, r *http.Request) {
	conf, err := s.console.RenderedConfig(domainVar(r))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, map[string]string{"config": conf}, http.StatusOK)
}

func (s *Server) handleSiteLogs(w http.ResponseWriter, r *http.Request) {
	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "lines must be a positive integer")
			return
		}
		lines = n
	}

	out, err := s.console.Logs(domainVar(r), lines)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"lines": out}, http.StatusOK)
}

func (s *Server) handleLogsWatch(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		jsonResponse(w, ErrorResponse{Error: "log streaming is not available"}, http.StatusNotImplemented)
		return
	}
	domain := domainVar(r)
	if err := s.requireSite(domain); err != nil {
		errorResponse(w, err)
		return
	}
	if s.logs.IsFollowing(domain) {
		jsonResponse(w, SuccessResponse{Success: true, Message: "Already watching logs for " + domain}, http.StatusOK)
		return
	}
	if err := s.logs.Follow(domain); err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, SuccessResponse{Success: true, Message: "Watching logs for " + domain}, http.StatusOK)
}

func (s *Server) handleLogsUnwatch(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		jsonResponse(w, ErrorResponse{Error: "log streaming is not available"}, http.StatusNotImplemented)
		return
	}
	domain := domainVar(r)
	if err := site.ValidateDomain(domain); err != nil {
		errorResponse(w, err)
		return
	}
	if !s.logs.IsFollowing(domain) {
		jsonResponse(w, SuccessResponse{Success: true, Message: "Not watching logs for " + domain}, http.StatusOK)
		return
	}
	s.logs.StopFollowing(domain)
	jsonResponse(w, SuccessResponse{Success: true, Message: "Stopped watching logs for " + domain}, http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		jsonResponse(w, ErrorResponse{Error: "metrics are not available"}, http.StatusNotImplemented)
		return
	}
	stats, err := s.metrics.Collect(r.Context(), len(s.console.Sites()))
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	health := adapters.SystemHealth{
		Services: []adapters.ServiceStatus{},
		Checks:   []adapters.HealthCheck{},
	}
	if s.doctor != nil {
		health.Services = s.doctor.GetServices(r.Context())
		health.Checks = s.doctor.GetSystemHealth(r.Context())
	}
	jsonResponse(w, health, http.StatusOK)
}

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	if s.issues == nil {
		jsonResponse(w, []healer.Issue{}, http.StatusOK)
		return
	}
	jsonResponse(w, s.issues.Issues(r.URL.Query().Get("domain")), http.StatusOK)
}

func (s *Server) handleIssueDismiss(w http.ResponseWriter, r *http.Request) {
	if s.issues == nil {
		jsonResponse(w, ErrorResponse{Error: "issue tracking is not available"}, http.StatusNotImplemented)
		return
	}
	if err := s.issues.Dismiss(mux.Vars(r)["id"]); err != nil {
		jsonResponse(w, ErrorResponse{Error: err.Error(), Code: "not_found"}, http.StatusNotFound)
		return
	}
	jsonResponse(w, SuccessResponse{Success: true}, http.StatusOK)
}

func (s *Server) requireSite(domain string) error {
	if err := site.ValidateDomain(domain); err != nil {
		return err
	}
	for _, st := range s.console.Sites() {
		if st.Domain == domain {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", site.ErrNotFound, domain)
}
