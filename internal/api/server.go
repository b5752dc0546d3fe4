// Package api serves the portfolio over local HTTP for a UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/cygnus-wealth/portfolio-engine/internal/aggregation"
	"github.com/cygnus-wealth/portfolio-engine/internal/domain/model"
	"github.com/cygnus-wealth/portfolio-engine/internal/session"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

const maxRequestBodyBytes = 1 << 16

// PortfolioReader is the read side of the store.
type PortfolioReader interface {
	GetPortfolio() *model.Portfolio
	GetAccountPortfolio(id model.AccountID) (model.AccountPortfolio, bool)
	GetWalletPortfolio(conn model.ConnectionID) (model.WalletPortfolio, bool)
}

// HealthProvider reports per-family source health.
type HealthProvider interface {
	Health() []aggregation.HealthSnapshot
}

// AccountManager mutates the tracked account set.
type AccountManager interface {
	Refresh(ctx context.Context) (*model.Portfolio, error)
	TrackWallet(ctx context.Context, conn model.ConnectionID, family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error)
	TrackWatch(ctx context.Context, family model.ChainFamily, address string, scope []model.ChainID, label string) (model.AccountID, error)
	Untrack(ctx context.Context, id model.AccountID) error
	DisconnectConnection(ctx context.Context, conn model.ConnectionID) []model.AccountID
}

type Server struct {
	reader         PortfolioReader
	health         HealthProvider
	accounts       AccountManager
	allowedOrigins []string
	logger         *slog.Logger
}

// ServerOption configures optional dependencies.
type ServerOption func(*Server)

// WithHealthProvider enables /v1/sources health details.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.health = hp }
}

// WithAccountManager enables the mutating account endpoints.
func WithAccountManager(am AccountManager) ServerOption {
	return func(s *Server) { s.accounts = am }
}

// WithAllowedOrigins sets the CORS origins.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

func NewServer(reader PortfolioReader, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		reader: reader,
		logger: logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, audit and rate
// limiting. The caller must Stop the returned limiter.
func (s *Server) Handler() (http.Handler, *RateLimitMiddleware) {
	// Encoded paths keep "/" inside CEX account ids escaped.
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	v1.HandleFunc("/portfolio/symbols", s.handleSymbols).Methods(http.MethodGet)
	v1.HandleFunc("/portfolio/refresh", s.handleRefresh).Methods(http.MethodPost)
	v1.HandleFunc("/accounts", s.handleTrack).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{accountId}", s.handleAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{accountId}", s.handleUntrack).Methods(http.MethodDelete)
	v1.HandleFunc("/wallets/{connectionId}", s.handleWallet).Methods(http.MethodGet)
	v1.HandleFunc("/wallets/{connectionId}", s.handleDisconnect).Methods(http.MethodDelete)
	v1.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)

	rl := NewRateLimitMiddleware(s.logger)
	c := cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(AuditMiddleware(s.logger, rl.Wrap(r))), rl
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathVar(r *http.Request, name string) (string, error) {
	return url.PathUnescape(mux.Vars(r)[name])
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toPortfolioResponse(s.reader.GetPortfolio()))
}

func (s *Server) handleSymbols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, toSymbolResponses(s.reader.GetPortfolio().SymbolRollup()))
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw, err := pathVar(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := model.ParseAccountID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ap, ok := s.reader.GetAccountPortfolio(id)
	if !ok {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(ap))
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	raw, err := pathVar(r, "connectionId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn := model.ConnectionID(raw)
	wp, ok := s.reader.GetWalletPortfolio(conn)
	if !ok {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	writeJSON(w, http.StatusOK, toWalletResponse(wp))
}

type sourcesResponse struct {
	Sources []model.SourceStatus          `json:"sources"`
	Health  []aggregation.HealthSnapshot `json:"health,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	resp := sourcesResponse{Sources: sortedSources(s.reader.GetPortfolio().Sources)}
	if s.health != nil {
		resp.Health = s.health.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireAccounts(w http.ResponseWriter) bool {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account management not available")
		return false
	}
	return true
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	p, err := s.accounts.Refresh(r.Context())
	if err != nil {
		s.logger.Error("refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPortfolioResponse(p))
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	var req trackRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	family, err := model.ParseChainFamily(req.ChainFamily)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var scope []model.ChainID
	for _, c := range req.Chains {
		scope = append(scope, model.ChainID(c))
	}

	var id model.AccountID
	if req.ConnectionID == "" || req.ConnectionID == string(model.WatchConnection) {
		id, err = s.accounts.TrackWatch(r.Context(), family, req.Address, scope, req.Label)
	} else {
		id, err = s.accounts.TrackWallet(r.Context(), model.ConnectionID(req.ConnectionID), family, req.Address, scope, req.Label)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account_id": id.String()})
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	raw, err := pathVar(r, "accountId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := model.ParseAccountID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.accounts.Untrack(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotTracked) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	raw, err := pathVar(r, "connectionId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn := model.ConnectionID(raw)
	removed := s.accounts.DisconnectConnection(r.Context(), conn)
	if len(removed) == 0 {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"removed": idStrings(removed)})
}
