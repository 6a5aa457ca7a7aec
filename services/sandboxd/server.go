package sandboxd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"settletrack/client"
	"settletrack/observability/logging"
	"settletrack/observability/metrics"
	"settletrack/tracking"
)

const maxBodyBytes = 64 << 10

// Server exposes the sandbox settlement surface.
type Server struct {
	store   *Store
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	sweep   time.Duration
	router  http.Handler
}

// New constructs a configured HTTP router backed by db.
func New(cfg Config, db *gorm.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		store:   NewStore(db, cfg.Simulation),
		hub:     NewHub(logger),
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger,
		sweep:   cfg.Simulation.SweepInterval.Duration,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store exposes the persistence layer.
func (s *Server) Store() *Store {
	return s.store
}

// Close disconnects push subscribers.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observeRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	sandbox := s.auth.Middleware(ScopeSandbox)
	limited := s.limiter.Middleware

	r.Group(func(api chi.Router) {
		api.Use(s.auth.Middleware())

		api.Route("/escrow/orders", func(orders chi.Router) {
			orders.With(sandbox).Post("/", s.createOrder)
			orders.Get("/{id}", s.getOrder)
			orders.Get("/{id}/tracking", s.getOrderTracking)
			orders.Get("/{id}/events", s.orderEvents)
			orders.With(limited("escrow_retry")).Post("/{id}/retry", s.retryOrder)
			orders.With(sandbox, limited("escrow_sandbox")).Post("/{id}/sandbox/{action}", s.sandboxOrder)
		})

		api.Route("/api/p2p/trades", func(trades chi.Router) {
			trades.With(sandbox).Post("/", s.createTrade)
			trades.Get("/{id}", s.getTrade)
			trades.Get("/{id}/timeline", s.getTradeTimeline)
			trades.Get("/{id}/events", s.tradeEvents)
			trades.With(limited("p2p_fiat_sent")).Post("/{id}/fiat-sent", s.tradeAction(tracking.ActionFiatSent))
			trades.With(limited("p2p_fiat_confirm")).Post("/{id}/fiat-confirm", s.tradeAction(tracking.ActionFiatConfirm))
			trades.With(limited("p2p_dispute")).Post("/{id}/dispute", s.tradeAction(tracking.ActionDispute))
			trades.With(sandbox, limited("p2p_crypto_locked")).Post("/{id}/sandbox/crypto-locked", s.tradeAction(tracking.ActionSandboxCryptoLocked))
		})
	})

	return otelhttp.NewHandler(r, "sandboxd")
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req client.CreateOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	order, err := s.store.CreateOrder(r.Context(), NewOrder{
		USDCExpected:    req.USDCExpected,
		BIFTarget:       req.BIFTarget,
		Network:         req.Network,
		SandboxScenario: req.SandboxScenario,
	}, subjectFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("order created", slog.String("id", order.ID), logging.MaskAddress("deposit_address", order.DepositAddress))
	s.publishOrder(r.Context(), order)
	writeJSON(w, http.StatusCreated, s.store.orderResource(order))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.orderResource(order))
}

func (s *Server) getOrderTracking(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log, err := s.store.Transitions(r.Context(), tracking.KindEscrow, order.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.orderTracking(order, log))
}

func (s *Server) orderEvents(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.hub.serve(w, r, tracking.KindEscrow, order.ID)
}

func (s *Server) retryOrder(w http.ResponseWriter, r *http.Request) {
	s.orderAction(w, r, tracking.ActionRetry)
}

func (s *Server) sandboxOrder(w http.ResponseWriter, r *http.Request) {
	action := tracking.Action(strings.ToLower(chi.URLParam(r, "action")))
	for _, candidate := range client.SandboxActions {
		if candidate == action {
			s.orderAction(w, r, action)
			return
		}
	}
	writeError(w, http.StatusBadRequest, "invalid_action", "unknown sandbox action "+string(action))
}

func (s *Server) orderAction(w http.ResponseWriter, r *http.Request, action tracking.Action) {
	order, err := s.store.OrderAction(r.Context(), chi.URLParam(r, "id"), action, subjectFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("order action applied",
		slog.String("id", order.ID),
		slog.String("action", string(action)),
		slog.String("status", order.Status))
	s.publishOrder(r.Context(), order)
	writeJSON(w, http.StatusOK, s.store.orderResource(order))
}

func (s *Server) createTrade(w http.ResponseWriter, r *http.Request) {
	var req client.CreateTradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trade, err := s.store.CreateTrade(r.Context(), NewTrade{
		Token:        req.Token,
		Amount:       req.Amount,
		Price:        req.Price,
		FiatCurrency: req.FiatCurrency,
	}, subjectFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("trade created", slog.String("id", trade.ID))
	s.publishTrade(r.Context(), trade)
	writeJSON(w, http.StatusCreated, tradeResource(trade))
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResource(trade))
}

func (s *Server) getTradeTimeline(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	log, err := s.store.Transitions(r.Context(), tracking.KindTrade, trade.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.tradeTimeline(trade, log))
}

func (s *Server) tradeEvents(w http.ResponseWriter, r *http.Request) {
	trade, err := s.store.GetTrade(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.hub.serve(w, r, tracking.KindTrade, trade.ID)
}

type tradeActionBody struct {
	ProofURL     string `json:"proof_url"`
	Note         string `json:"note"`
	Reason       string `json:"reason"`
	EscrowTxHash string `json:"escrow_tx_hash"`
}

func (s *Server) tradeAction(action tracking.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body tradeActionBody
		if !decodeBody(w, r, &body) {
			return
		}
		trade, err := s.store.TradeAction(r.Context(), chi.URLParam(r, "id"), action, TradeRequest{
			ProofURL:     body.ProofURL,
			Note:         body.Note,
			Reason:       body.Reason,
			EscrowTxHash: body.EscrowTxHash,
			Admin:        hasScopes(scopesFrom(r.Context()), []string{ScopeAdmin}),
		}, subjectFrom(r.Context()))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		attrs := []any{
			slog.String("id", trade.ID),
			slog.String("action", string(action)),
			slog.String("status", trade.Status),
		}
		if body.ProofURL != "" {
			attrs = append(attrs, logging.MaskURL("proof_url", body.ProofURL))
		}
		s.logger.Info("trade action applied", attrs...)
		s.publishTrade(r.Context(), trade)
		writeJSON(w, http.StatusOK, tradeResource(trade))
	}
}

func (s *Server) publishOrder(ctx context.Context, order Order) {
	metrics.Sandbox().ObserveTransition(string(tracking.KindEscrow), order.Status)
	log, err := s.store.Transitions(ctx, tracking.KindEscrow, order.ID)
	if err != nil {
		s.logger.Warn("load transitions for push", slog.String("id", order.ID), slog.Any("error", err))
	}
	s.hub.Publish(tracking.KindEscrow, orderFrame(s.store.orderTracking(order, log)))
}

func (s *Server) publishTrade(ctx context.Context, trade Trade) {
	metrics.Sandbox().ObserveTransition(string(tracking.KindTrade), trade.Status)
	log, err := s.store.Transitions(ctx, tracking.KindTrade, trade.ID)
	if err != nil {
		s.logger.Warn("load transitions for push", slog.String("id", trade.ID), slog.Any("error", err))
	}
	s.hub.Publish(tracking.KindTrade, tradeFrame(s.store.tradeTimeline(trade, log), trade.EscrowTxHash))
}

// RunSettler sweeps simulated settlement until ctx is cancelled.
func (s *Server) RunSettler(ctx context.Context) {
	interval := s.sweep
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.settle(ctx)
		}
	}
}

func (s *Server) settle(ctx context.Context) {
	moved, err := s.store.Sweep(ctx)
	if err != nil {
		s.logger.Warn("settlement sweep failed", slog.Any("error", err))
	}
	for _, trade := range moved {
		s.logger.Info("trade settled", slog.String("id", trade.ID), slog.String("status", trade.Status))
		s.publishTrade(ctx, trade)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decodeBody reads an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json body")
		return false
	}
	return true
}

func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.Sandbox().ObserveRequest(route, status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code, "message": message})
}
