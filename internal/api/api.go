// Package api exposes FlowPipe over HTTP.
//
// Inbound messages can be posted directly or arrive through the Twilio webhook. Operators
// manage flows, inspect execution logs, invalidate the cached bot configuration, scrape
// metrics and follow engine events as a server-sent event stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/events"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is used when Run is given an empty address.
	DefaultAddr = ":8080"
	// requestTimeout bounds every route except the event stream.
	requestTimeout = 60 * time.Second
	maxRequestBody = 1 << 20
	// shutdownTimeout bounds graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// InboundHandler processes an inbound message synchronously; messaging.ResponseHandler implements it.
type InboundHandler interface {
	ProcessResponse(ctx context.Context, response models.Response) (models.ProcessResult, error)
}

// FlowCatalog is the flow management surface; flow.Catalog implements it.
type FlowCatalog interface {
	Flows() []models.Flow
	ByID(id string) (*models.Flow, bool)
	Save(f models.Flow) error
	Reload() (int, error)
	LoadedAt() time.Time
}

// EventSource streams engine events; events.Bus implements it.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan events.Event, error)
}

// ConfigInvalidator drops a cached configuration; config.Cache implements it.
type ConfigInvalidator interface {
	Invalidate()
}

// Deps holds the collaborators of the HTTP surface. Nil optional members disable their routes.
type Deps struct {
	Inbound    InboundHandler
	Catalog    FlowCatalog
	Executions store.ExecutionRepo
	Config     ConfigInvalidator
	// Optional.
	Events        EventSource
	Metrics       http.Handler
	TwilioWebhook http.Handler
}

// Server is the HTTP API.
type Server struct {
	inbound    InboundHandler
	catalog    FlowCatalog
	executions store.ExecutionRepo
	config     ConfigInvalidator
	events     EventSource
	metrics    http.Handler
	twilio     http.Handler
	started    time.Time
	router     chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		inbound:    deps.Inbound,
		catalog:    deps.Catalog,
		executions: deps.Executions,
		config:     deps.Config,
		events:     deps.Events,
		metrics:    deps.Metrics,
		twilio:     deps.TwilioWebhook,
		started:    time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.events != nil {
		// No timeout: the stream stays open until the client leaves.
		r.Get("/events", s.eventsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/messages", s.messageHandler)
		if s.twilio != nil {
			r.Method(http.MethodPost, "/webhooks/twilio", s.twilio)
		}

		r.Route("/flows", func(r chi.Router) {
			r.Get("/", s.listFlowsHandler)
			r.Post("/", s.saveFlowHandler)
			r.Post("/reload", s.reloadFlowsHandler)
			r.Post("/trace", s.traceFlowsHandler)
			r.Get("/{flowID}", s.getFlowHandler)
		})

		r.Get("/executions/{executionID}", s.getExecutionHandler)
		r.Get("/contacts/{contactID}/executions", s.listExecutionsHandler)
		r.Post("/config/invalidate", s.invalidateConfigHandler)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs each request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration", time.Since(start), "requestID", middleware.GetReqID(r.Context()))
	})
}
