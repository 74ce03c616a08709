package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coldbell/premarket/internal/config"
	"github.com/coldbell/premarket/internal/indexer"
	"github.com/coldbell/premarket/pkg/premarket"
)

// reader is the part of indexer.Store the api-server serves from.
type reader interface {
	ListOffers(ctx context.Context, filter indexer.OfferFilter) ([]indexer.OfferRecord, int, int, error)
	ListOrders(ctx context.Context, filter indexer.OrderFilter) ([]indexer.OrderRecord, int, int, error)
	ListTokens(ctx context.Context, filter indexer.TokenFilter) ([]indexer.TokenRecord, int, int, error)
	ListConfigs(ctx context.Context) ([]indexer.ConfigRecord, error)
	OfferChangesSince(ctx context.Context, chain premarket.Chain, cursor int64, limit int) ([]indexer.OfferRecord, error)
	OrderChangesSince(ctx context.Context, chain premarket.Chain, cursor int64, limit int) ([]indexer.OrderRecord, error)
	Close() error
}

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            reader
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return newService(cfg, logger, store), nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store reader) *Service {
	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	routes := map[string]http.HandlerFunc{
		"/healthz":       s.handleHealth,
		"/api/v1/config": s.handleConfig,
		"/api/v1/offers": s.handleOffers,
		"/api/v1/orders": s.handleOrders,
		"/api/v1/tokens": s.handleTokens,
		"/ws":            s.handleWebsocket,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, s.getOnly(handler))
	}
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
		"ws_poll_interval", s.cfg.WSPollInterval.String(),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleConfig(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListConfigs(r.Context())
	if err != nil {
		s.logger.Error("list configs failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list configs")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Service) handleOffers(w http.ResponseWriter, r *http.Request) {
	chain, limit, offset, ok := s.listParams(w, r)
	if !ok {
		return
	}
	items, limit, offset, err := s.store.ListOffers(r.Context(), indexer.OfferFilter{
		Chain:     chain,
		TokenID:   queryValue(r, "token_id"),
		Type:      premarket.OfferType(queryEnum(r, "type")),
		Status:    premarket.OfferStatus(queryEnum(r, "status")),
		OfferedBy: queryValue(r, "offered_by"),
		Limit:     limit,
		Offset:    offset,
	})
	respondList(s, w, "offers", items, limit, offset, err)
}

func (s *Service) handleOrders(w http.ResponseWriter, r *http.Request) {
	chain, limit, offset, ok := s.listParams(w, r)
	if !ok {
		return
	}
	offerID, err := parseOptionalUint64(r, "offer_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, limit, offset, err := s.store.ListOrders(r.Context(), indexer.OrderFilter{
		Chain:   chain,
		OfferID: offerID,
		Party:   queryValue(r, "party"),
		Status:  premarket.OrderStatus(queryEnum(r, "status")),
		Limit:   limit,
		Offset:  offset,
	})
	respondList(s, w, "orders", items, limit, offset, err)
}

func (s *Service) handleTokens(w http.ResponseWriter, r *http.Request) {
	chain, limit, offset, ok := s.listParams(w, r)
	if !ok {
		return
	}
	items, limit, offset, err := s.store.ListTokens(r.Context(), indexer.TokenFilter{
		Chain:  chain,
		Status: premarket.TokenStatus(queryEnum(r, "status")),
		Limit:  limit,
		Offset: offset,
	})
	respondList(s, w, "tokens", items, limit, offset, err)
}

// listParams parses the chain and page parameters shared by every list
// route, answering 400 itself when they are invalid.
func (s *Service) listParams(w http.ResponseWriter, r *http.Request) (premarket.Chain, int, int, bool) {
	chain, err := parseOptionalChain(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", 0, 0, false
	}
	limit, offset, err := parsePage(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return "", 0, 0, false
	}
	return chain, limit, offset, true
}

func respondList[T any](s *Service, w http.ResponseWriter, what string, items []T, limit, offset int, err error) {
	if err != nil {
		s.logger.Error("list "+what+" failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list "+what)
		return
	}
	s.respondJSON(w, http.StatusOK, listResponse[T]{Items: items, Limit: limit, Offset: offset})
}

func (s *Service) getOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.respondMethodNotAllowed(w)
			return
		}
		next(w, r)
	})
}

func queryValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

func queryEnum(r *http.Request, key string) string {
	return strings.ToLower(queryValue(r, key))
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && s.isOriginAllowed(origin) {
			if s.allowAllOrigins {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "300")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" || s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parseOptionalChain(r *http.Request) (premarket.Chain, error) {
	raw := queryEnum(r, "chain")
	if raw == "" {
		return "", nil
	}
	chain := premarket.Chain(raw)
	if !chain.Valid() {
		return "", fmt.Errorf("invalid chain %q (expected evm|solana)", raw)
	}
	return chain, nil
}

func parsePage(r *http.Request) (int, int, error) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		return 0, 0, err
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func parseOptionalUint64(r *http.Request, key string) (*uint64, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := queryValue(r, key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
