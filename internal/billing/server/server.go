package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/harumakino16/setlink/internal/billing/handler"
	"github.com/harumakino16/setlink/internal/billing/reconcile"
	"github.com/harumakino16/setlink/internal/billing/store"
	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/email"
	"github.com/harumakino16/setlink/internal/middleware"
	"github.com/harumakino16/setlink/internal/notify"
)

type Server struct {
	db           *sql.DB
	entitlements *store.EntitlementStore
	stripeClient *billingstripe.Client
	reconciler   *reconcile.Reconciler
	hub          *notify.Hub
	checkoutH    *handler.CheckoutHandler
	subH         *handler.SubscriptionHandler
	webhookH     *handler.WebhookHandler
	accountH     *handler.AccountHandler
	rateLimiter  *middleware.RateLimiter
	logger       *slog.Logger
}

type Config struct {
	Stripe      billingstripe.Config
	EmailClient *email.Client
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	entitlements := store.NewEntitlementStore(db)
	stripeClient := billingstripe.NewClient(cfg.Stripe)
	hub := notify.NewHub(logger.With("component", "notify"))

	var mailer reconcile.Mailer
	if cfg.EmailClient != nil && cfg.EmailClient.Configured() {
		mailer = cfg.EmailClient
	}

	reconciler := reconcile.New(entitlements, hub, mailer, logger.With("component", "reconcile"))

	return &Server{
		db:           db,
		entitlements: entitlements,
		stripeClient: stripeClient,
		reconciler:   reconciler,
		hub:          hub,
		checkoutH:    handler.NewCheckoutHandler(stripeClient, entitlements, cfg.Stripe.TrialDays, logger.With("component", "checkout")),
		subH:         handler.NewSubscriptionHandler(stripeClient, entitlements, logger.With("component", "subscription")),
		webhookH:     handler.NewWebhookHandler(stripeClient, reconciler, logger.With("component", "webhook")),
		accountH:     handler.NewAccountHandler(entitlements, logger.With("component", "account")),
		rateLimiter:  middleware.NewRateLimiter(),
		logger:       logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the notification hub.
func (s *Server) Hub() *notify.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthCheck)

	// Stripe webhook: raw body, signature-gated, never rate-limited.
	mux.HandleFunc("POST /webhook", s.webhookH.HandleStripeWebhook)

	// Client-facing billing routes.
	mux.HandleFunc("POST /checkout", s.rateLimitedHandler(s.checkoutH.CreateCheckoutSession))
	mux.HandleFunc("POST /subscription/cancel", s.rateLimitedHandler(s.subH.Cancel))
	mux.HandleFunc("POST /subscription/status", s.rateLimitedHandler(s.subH.Status))

	// Signup hook from the account collaborator.
	mux.HandleFunc("PUT /users", s.rateLimitedHandler(s.accountH.Provision))

	// Live entitlement updates for open app sessions.
	mux.HandleFunc("GET /ws", notify.HandleWebSocket(s.hub, s.logger.With("component", "notify")))

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	rl := middleware.RateLimit(s.rateLimiter, keyFunc, 30, time.Minute)
	return func(w http.ResponseWriter, r *http.Request) {
		rl(http.HandlerFunc(h)).ServeHTTP(w, r)
	}
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
