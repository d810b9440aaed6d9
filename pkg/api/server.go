// Package api exposes the control plane over HTTP: tenant VM management,
// balances and credits, node registration and heartbeats, command delivery,
// the tenant event hub and the tunnel-aware proxy endpoints.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/decloud/orchestrator/pkg/attestation"
	"github.com/decloud/orchestrator/pkg/auth"
	"github.com/decloud/orchestrator/pkg/balance"
	"github.com/decloud/orchestrator/pkg/commandbus"
	"github.com/decloud/orchestrator/pkg/config"
	"github.com/decloud/orchestrator/pkg/credits"
	"github.com/decloud/orchestrator/pkg/errdefs"
	"github.com/decloud/orchestrator/pkg/events"
	"github.com/decloud/orchestrator/pkg/lifecycle"
	"github.com/decloud/orchestrator/pkg/log"
	"github.com/decloud/orchestrator/pkg/metrics"
	"github.com/decloud/orchestrator/pkg/nodes"
	"github.com/decloud/orchestrator/pkg/obligation"
	"github.com/decloud/orchestrator/pkg/proxy"
	"github.com/decloud/orchestrator/pkg/relay"
	"github.com/decloud/orchestrator/pkg/storage"
)

// Deps carries the components the server fronts.
type Deps struct {
	Store       storage.Store
	Tokens      *auth.Broker
	Challenges  *auth.ChallengeStore
	VMs         *lifecycle.Manager
	Bus         *commandbus.Bus
	Balances    *balance.Engine
	Credits     *credits.Service
	Attestor    *attestation.Tracker
	Obligations *obligation.Reconciler
	Relays      *relay.Manager
	Sweeper     *nodes.Sweeper
	Broker      *events.Broker
	Proxy       *proxy.Proxy
	Domain      string

	// RequiredConfirmations is surfaced next to each pending deposit so
	// clients can render confirmation progress.
	RequiredConfirmations uint64
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	Deps

	cfg     config.API
	httpSrv *http.Server
	logger  zerolog.Logger
}

func NewServer(cfg config.API, deps Deps) *Server {
	s := &Server{
		Deps:   deps,
		cfg:    cfg,
		logger: log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// subdomain traffic from the ingress bypasses the API entirely
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.Header.Get(proxy.SubdomainHeader) != ""
	}).Handler(s.Proxy)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// login
	r.Handle("/api/auth/challenge", s.instrument("auth.challenge", http.HandlerFunc(s.handleChallenge))).Methods(http.MethodGet)
	r.Handle("/api/auth/login", s.instrument("auth.login", http.HandlerFunc(s.handleLogin))).Methods(http.MethodPost)

	// tenant surface
	user := s.Tokens.Middleware(auth.RoleUser, auth.RoleOperator)
	tenant := func(route string, h http.HandlerFunc) http.Handler {
		return s.instrument(route, user(h))
	}
	r.Handle("/api/vms", tenant("vms.create", s.handleCreateVM)).Methods(http.MethodPost)
	r.Handle("/api/vms", tenant("vms.list", s.handleListVMs)).Methods(http.MethodGet)
	r.Handle("/api/vms/{id}", tenant("vms.get", s.handleGetVM)).Methods(http.MethodGet)
	r.Handle("/api/vms/{id}", tenant("vms.delete", s.handleDeleteVM)).Methods(http.MethodDelete)
	r.Handle("/api/vms/{id}/start", tenant("vms.start", s.handleStartVM)).Methods(http.MethodPost)
	r.Handle("/api/vms/{id}/stop", tenant("vms.stop", s.handleStopVM)).Methods(http.MethodPost)
	r.Handle("/api/vms/{id}/restart", tenant("vms.restart", s.handleRestartVM)).Methods(http.MethodPost)
	r.Handle("/api/vms/{id}/ports", tenant("vms.ports", s.handleAllocatePort)).Methods(http.MethodPost)
	r.Handle("/api/vms/{id}/usage", tenant("vms.usage", s.handleVMUsage)).Methods(http.MethodGet)
	r.Handle("/api/balance", tenant("balance.get", s.handleBalance)).Methods(http.MethodGet)
	r.Handle("/api/credits", tenant("credits.list", s.handleListCredits)).Methods(http.MethodGet)
	r.Handle("/api/promo/redeem", tenant("credits.promo", s.handleRedeemPromo)).Methods(http.MethodPost)
	r.Handle("/api/credits/referral", tenant("credits.referral", s.handleReferral)).Methods(http.MethodPost)
	r.Handle("/api/auth/apikey", tenant("auth.apikey", s.handleCreateAPIKey)).Methods(http.MethodPost)

	// websocket endpoints accept the token as a query parameter since
	// browsers cannot set headers on WebSocket dials
	r.Handle("/hub/orchestrator", tokenFromQuery(user(http.HandlerFunc(s.handleHub)))).Methods(http.MethodGet)
	r.Handle("/api/terminal-proxy/{vmId}", tokenFromQuery(user(http.HandlerFunc(s.handleTerminalProxy)))).Methods(http.MethodGet)
	r.Handle("/api/sftp-proxy/{vmId}", tokenFromQuery(user(http.HandlerFunc(s.handleSFTPProxy)))).Methods(http.MethodGet)

	// node agent surface
	node := s.Tokens.Middleware(auth.RoleNode, auth.RoleOperator)
	agent := func(route string, h http.HandlerFunc) http.Handler {
		return s.instrument(route, node(h))
	}
	r.Handle("/api/nodes/register", s.instrument("nodes.register", http.HandlerFunc(s.handleRegisterNode))).Methods(http.MethodPost)
	r.Handle("/api/nodes/{id}/heartbeat", agent("nodes.heartbeat", s.handleHeartbeat)).Methods(http.MethodPost)
	r.Handle("/api/nodes/{id}/commands/pending", agent("nodes.commands", s.handlePendingCommands)).Methods(http.MethodGet)
	r.Handle("/api/nodes/{nodeId}/commands/{commandId}/acknowledge", agent("nodes.ack", s.handleAcknowledge)).Methods(http.MethodPost)

	return r
}

// Start begins serving. It blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api listener: %w", err)
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// instrument records per-route request counts by status.
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// tokenFromQuery promotes a ?token= parameter into the Authorization header.
func tokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("token"); token != "" {
				r.Header.Set("Authorization", "Bearer "+token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errdefs.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"code":  errdefs.Code(err),
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Wrap(errdefs.KindInvalidInput, err, "malformed request body")
	}
	return nil
}

// subject returns the authenticated principal.
func subject(r *http.Request) (*auth.Claims, error) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		return nil, errdefs.New(errdefs.KindUnauthorized, "missing authentication")
	}
	return claims, nil
}
