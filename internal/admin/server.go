package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/lumifybot/internal/models"
	"github.com/digkill/lumifybot/internal/service"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	broadcastPause   = 40 * time.Millisecond
)

type Ledger interface {
	Balance(ctx context.Context, userID int64) (int, error)
	Grant(ctx context.Context, userID int64, n int, key string) (bool, error)
	List(ctx context.Context, limit int) ([]models.Balance, error)
}

type Analytics interface {
	Report(ctx context.Context) (models.AnalyticsReport, error)
}

type Recipients interface {
	ListTelegramIDs(ctx context.Context) ([]int64, error)
}

type Sender interface {
	SendText(ctx context.Context, chatID int64, reply models.Reply) error
}

type PaymentLookup interface {
	FindByTelegramCharge(ctx context.Context, chargeID string) (*models.Payment, error)
}

type Packets interface {
	Packets() []models.Packet
}

type Deps struct {
	Ledger     Ledger
	Analytics  Analytics
	Recipients Recipients
	Sender     Sender
	Payments   PaymentLookup
	Packets    Packets
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	deps     Deps
	pause    time.Duration
	router   *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		deps:     deps,
		pause:    broadcastPause,
		router:   r,
	}
	r.Get("/healthz", s.handleHealth)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/analytics", s.handleAnalytics)
		protected.Get("/packets", s.handlePackets)
		protected.Route("/balances", func(r chi.Router) {
			r.Get("/", s.handleListBalances)
			r.Get("/{userID}", s.handleGetBalance)
			r.Post("/{userID}/credit", s.handleCredit)
		})
		protected.Get("/payments/{chargeID}", s.handleGetPayment)
		protected.Post("/broadcast", s.handleBroadcast)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Analytics.Report(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePackets(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Packets.Packets())
}

func (s *Server) handleListBalances(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	balances, err := s.deps.Ledger.List(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	credits, err := s.deps.Ledger.Balance(r.Context(), userID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Balance{UserID: userID, Credits: credits})
}

type creditRequest struct {
	Amount int    `json:"amount"`
	Key    string `json:"key"`
}

type creditResponse struct {
	UserID  int64 `json:"user_id"`
	Applied bool  `json:"applied"`
	Credits int   `json:"credits"`
}

// handleCredit grants credits. Requests repeating a key are accepted but not
// applied twice.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	applied, err := s.deps.Ledger.Grant(ctx, userID, req.Amount, strings.TrimSpace(req.Key))
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			s.badRequest(w, err)
			return
		}
		s.internalError(w, err)
		return
	}
	credits, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info("admin credit", "user_id", userID, "amount", req.Amount, "applied", applied)

	status := http.StatusOK
	if applied {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, creditResponse{UserID: userID, Applied: applied, Credits: credits})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.deps.Payments.FindByTelegramCharge(r.Context(), chi.URLParam(r, "chargeID"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if payment == nil {
		http.Error(w, "payment not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, payment)
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Recipients.ListTelegramIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for i, id := range ids {
		if i > 0 && s.pause > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn("broadcast interrupted", "sent", count, "total", len(ids))
				return
			case <-time.After(s.pause):
			}
		}
		if err := s.deps.Sender.SendText(ctx, id, models.Reply{Text: req.Message}); err != nil {
			s.log.Error("send broadcast", "user_id", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || s.username == "" ||
				subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="lumifybot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
