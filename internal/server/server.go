// Package server exposes the HTTP API: authenticated generation,
// anonymous previews, the credit balance, the catalog, checkout, the
// payment webhook, and the admin reset endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mapleshot/mapleshot/internal/catalog"
	"github.com/mapleshot/mapleshot/internal/config"
	"github.com/mapleshot/mapleshot/internal/custapi"
	"github.com/mapleshot/mapleshot/internal/identity"
	"github.com/mapleshot/mapleshot/internal/ledger"
	"github.com/mapleshot/mapleshot/internal/payment"
	"github.com/mapleshot/mapleshot/internal/service"
)

// Checkout opens a hosted payment page for the given line items.
type Checkout interface {
	CreateCheckoutSession(ctx context.Context, identity string, items []custapi.CheckoutItem, successURL, cancelURL string) (custapi.CheckoutSession, error)
}

type Server struct {
	cfg       config.Config
	log       *slog.Logger
	router    *chi.Mux
	catalog   *catalog.Catalog
	ledger    *ledger.Ledger
	resolver  identity.Resolver
	generator *service.GenerationService
	preview   *service.PreviewService
	processor *payment.Processor
	checkout  Checkout
	now       func() time.Time
}

func NewServer(cfg config.Config, log *slog.Logger, cat *catalog.Catalog, led *ledger.Ledger, resolver identity.Resolver, gen *service.GenerationService, preview *service.PreviewService, processor *payment.Processor, checkout Checkout) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    r,
		catalog:   cat,
		ledger:    led,
		resolver:  resolver,
		generator: gen,
		preview:   preview,
		processor: processor,
		checkout:  checkout,
		now:       time.Now,
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/preview", s.handlePreview)
		r.Get("/presets", s.handlePresets)
		r.Group(func(authed chi.Router) {
			authed.Use(s.authMiddleware())
			authed.Post("/generate", s.handleGenerate)
			authed.Get("/credits", s.handleCredits)
			authed.Post("/checkout", s.handleCheckout)
		})
	})
	r.Post("/webhooks/payment", s.handlePaymentWebhook)
	r.Group(func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Post("/admin/reset-credits", s.handleResetCredits)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

type identityKey struct{}

// authMiddleware resolves the bearer token and stores the identity in
// the request context.
func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			who, err := s.resolver.Resolve(r.Context(), token)
			if err != nil {
				if errors.Is(err, identity.ErrUnauthenticated) {
					s.writeError(w, http.StatusUnauthorized, "authentication required")
					return
				}
				s.log.Error("resolve identity", "err", err)
				s.writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, who)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.AdminUsername || pass != s.cfg.AdminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="mapleshot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIdentity(r *http.Request) string {
	who, _ := r.Context().Value(identityKey{}).(string)
	return who
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
