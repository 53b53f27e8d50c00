// Package httpfrontend implements the gateway's HTTP surface (spec.md
// §6): the POST JSON-RPC entry point, the keyed redirect endpoints, and
// /health and /status. Routing is done with github.com/go-chi/chi/v5,
// the teacher's own http.go used net/http's ServeMux directly; chi earns
// its place here because the keyed /rpc/{key} routes need a real path
// parameter and the server uses middleware chaining the way the rest of
// the retrieved pack's services do it.
package httpfrontend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ethereum/go-ethereum/log"

	"github.com/rpcmesh/gateway/internal/jsonrpc"
	"github.com/rpcmesh/gateway/internal/metrics"
)

// Dispatcher is the subset of Router the HTTP frontend needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, client string, req *jsonrpc.Request) *jsonrpc.Response
}

const maxBodyBytes = 5 << 20 // 5MiB, generous for batch requests

type Server struct {
	router     *chi.Mux
	dispatcher Dispatcher
	statusFn   func() interface{}
	healthyFn  func() bool
	log        log.Logger
	redirects  RedirectConfig
}

// RedirectConfig carries spec.md §6's redirect_public_url/redirect_user_url.
type RedirectConfig struct {
	PublicURL string
	UserURL   string
}

// NewServer wires the HTTP surface. statusFn and healthyFn are bound by
// the supervisor to Router.Status and Router.Healthy so this package
// never has to import router directly.
func NewServer(dispatcher Dispatcher, statusFn func() interface{}, healthyFn func() bool, redirects RedirectConfig) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: dispatcher,
		statusFn:   statusFn,
		healthyFn:  healthyFn,
		log:        log.New("component", "httpfrontend"),
		redirects:  redirects,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.Use(middleware.RealIP)

	s.router.Post("/", s.handleRPC)
	s.router.Post("/rpc/{key}", s.handleRPC)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/status", s.handleStatus)

	if s.redirects.PublicURL != "" {
		s.router.Get("/", s.handleRedirect(s.redirects.PublicURL))
	}
	if s.redirects.UserURL != "" {
		s.router.Get("/rpc/{key}", s.handleRedirect(s.redirects.UserURL))
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	client := chi.URLParam(r, "key")
	if client == "" {
		client = r.RemoteAddr
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.Fail(jsonrpc.NullID, -32700, "failed to read request body"))
		return
	}

	reqs, isBatch, err := jsonrpc.ParseBatchOrSingle(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonrpc.Fail(jsonrpc.NullID, -32700, "parse error"))
		return
	}

	resps := make([]*jsonrpc.Response, 0, len(reqs))
	for _, req := range reqs {
		start := time.Now()
		resp := s.dispatcher.Dispatch(r.Context(), client, req)
		outcome := "success"
		if resp.Error != nil {
			outcome = "error"
		}
		metrics.RequestsTotal.WithLabelValues(req.Method, outcome).Inc()
		metrics.RequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		if !req.IsNotification() {
			resps = append(resps, resp)
		}
	}

	if !isBatch {
		if len(resps) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, resps[0])
		return
	}
	writeJSON(w, http.StatusOK, resps)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthyFn() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("unhealthy"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statusFn())
}

func (s *Server) handleRedirect(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
