package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"

	"github.com/putergate/putergate/pkg/cache"
	"github.com/putergate/putergate/pkg/config"
	"github.com/putergate/putergate/pkg/logutil"
	"github.com/putergate/putergate/pkg/puter"
	"github.com/putergate/putergate/pkg/renew"
)

// modelsCacheMaxAge bounds how stale the on-disk model list may be before we
// fall back to the built-in set.
const modelsCacheMaxAge = 24 * time.Hour

// Server wires the OpenAI-facing HTTP surface to the upstream driver client
// and the credential renewal machinery.
type Server struct {
	cfg         *config.ServerConfig
	creds       *config.CredentialStore
	client      *puter.Client
	detector    *puter.QuotaDetector
	coordinator *renew.Coordinator
	metrics     *metrics
	log         *log.Logger

	httpServer   *http.Server
	cachedModels atomic.Pointer[[]string]

	activeRequests atomic.Int64
	draining       atomic.Bool
}

func NewServer(cfg *config.ServerConfig, creds *config.CredentialStore, agent renew.Agent) *Server {
	s := &Server{
		cfg:         cfg,
		creds:       creds,
		client:      puter.NewClient(cfg.Upstream, creds),
		detector:    puter.NewQuotaDetector(cfg.Detector),
		coordinator: renew.NewCoordinator(creds, agent, time.Duration(cfg.Renewal.TimeoutSeconds)*time.Second),
		metrics:     newMetrics(),
		log:         logutil.Named("proxy"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.trackRequests)

	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/images/generations", s.handleImageGenerations)
	r.Post("/v1/audio/speech", s.handleSpeech)
	r.Get("/v1/models", s.handleModels)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/admin/events", s.handleEvents)
	return r
}

// trackRequests counts in-flight proxy work so shutdown can drain it, and
// refuses new work once draining has begun.
func (s *Server) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.Header().Set("Connection", "close")
			writeError(w, http.StatusServiceUnavailable, "server_error", "server is shutting down")
			return
		}
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cachedModelNames() []string {
	if p := s.cachedModels.Load(); p != nil && len(*p) > 0 {
		return *p
	}
	var names []string
	err := cache.LoadJSONFresh(s.cfg.Upstream.ModelsCachePath, &names, modelsCacheMaxAge)
	if err == nil && len(names) > 0 {
		return names
	}
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.log.Debug("models cache unreadable", "err", err)
	}
	return fallbackModels
}

func (s *Server) storeModelsCache(names []string) {
	s.cachedModels.Store(&names)
	if err := cache.SaveJSON(s.cfg.Upstream.ModelsCachePath, names); err != nil {
		s.log.Debug("failed to persist models cache", "err", err)
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests before
// returning.
func (s *Server) Run(ctx context.Context) error {
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := s.creds.Watch(watchCtx); err != nil {
			s.log.Warn("credential file watch unavailable", "err", err)
		}
	}()
	go s.logRenewalStates(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLS.Enabled {
			manager := &autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(s.cfg.TLS.Domain),
				Email:      s.cfg.TLS.Email,
				Cache:      autocert.DirCache(s.cfg.TLS.CacheDir),
			}
			s.httpServer.TLSConfig = manager.TLSConfig()
			s.log.Info("listening with TLS", "addr", s.cfg.ListenAddr, "domain", s.cfg.TLS.Domain)
			errCh <- s.httpServer.ListenAndServeTLS("", "")
			return
		}
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.draining.Store(true)
	s.log.Info("shutting down, draining in-flight requests", "active", s.activeRequests.Load())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// logRenewalStates mirrors coordinator state changes into the log and
// metrics; the websocket feed gets its own subscription per connection.
func (s *Server) logRenewalStates(ctx context.Context) {
	events, unsubscribe := s.coordinator.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-events:
			switch change.State {
			case renew.StateSucceeded:
				s.metrics.renewals.WithLabelValues("succeeded").Inc()
				s.log.Info("credential renewed")
			case renew.StateFailed:
				s.metrics.renewals.WithLabelValues("failed").Inc()
				s.log.Error("credential renewal failed", "reason", change.Reason)
			case renew.StateTimedOut:
				s.metrics.renewals.WithLabelValues("timed_out").Inc()
				s.log.Error("credential renewal timed out")
			}
		}
	}
}
