// Package api exposes the staking ledger over HTTP. Every request under /v1 is authenticated with a
// bearer token whose subject becomes the caller identity; mutating requests are rate limited per identity.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TxnLab/stakeledger/internal/lib/keeper"
	"github.com/TxnLab/stakeledger/internal/lib/ledger"
	"github.com/TxnLab/stakeledger/internal/lib/misc"
)

// ArtifactSource lists the reward artifacts minted for a position.
type ArtifactSource interface {
	Artifacts(ctx context.Context, id ledger.PositionID) ([]ledger.Artifact, error)
}

type Config struct {
	Auth      *Authenticator
	Limiter   *RateLimiter
	Artifacts ArtifactSource
	Clock     ledger.Clock
}

type Server struct {
	logger    *slog.Logger
	ledger    *ledger.Ledger
	keeper    *keeper.Scheduler
	auth      *Authenticator
	limiter   *RateLimiter
	artifacts ArtifactSource
	clock     ledger.Clock

	router http.Handler
}

func New(logger *slog.Logger, l *ledger.Ledger, sched *keeper.Scheduler, cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = ledger.SystemClock{}
	}
	s := &Server{
		logger:    logger,
		ledger:    l,
		keeper:    sched,
		auth:      cfg.Auth,
		limiter:   cfg.Limiter,
		artifacts: cfg.Artifacts,
		clock:     cfg.Clock,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": misc.Version})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Middleware)

		v1.Get("/positions", s.activePositions)
		v1.Get("/positions/{id}", s.position)
		v1.Get("/positions/{id}/status", s.positionStatus)
		v1.Get("/positions/{id}/vouchers", s.positionVouchers)
		v1.Get("/positions/{id}/artifacts", s.positionArtifacts)
		v1.Get("/owners/{owner}/positions", s.ownerPositions)
		v1.Get("/owners/{owner}/vouchers", s.ownerVouchers)
		v1.Get("/vouchers/{id}", s.voucher)
		v1.Get("/vouchers/{id}/valid", s.voucherValid)
		v1.Get("/vouchers/code/{code}", s.voucherByCode)
		v1.Get("/roles/{identity}", s.roles)
		v1.Get("/blocklist", s.blocklist)
		v1.Get("/tiers", s.tierTable)
		v1.Get("/keeper", s.keeperState)

		v1.Group(func(m chi.Router) {
			m.Use(s.limiter.Middleware)

			m.Post("/positions", s.openPosition)
			m.Post("/positions/{id}/close", s.closePosition)
			m.Post("/positions/{id}/force-close", s.forceClosePosition)
			m.Post("/positions/{id}/reevaluate", s.reevaluateTier)
			m.Post("/positions/{id}/vouchers", s.issueVoucher)
			m.Post("/positions/{id}/bundle", s.issueBundle)
			m.Post("/vouchers/redeem", s.redeem)
			m.Post("/vouchers/{id}/redeem", s.redeemByID)
			m.Post("/vouchers/{id}/revoke", s.revokeVoucher)
			m.Put("/roles/{identity}/{role}", s.grantRole)
			m.Delete("/roles/{identity}/{role}", s.revokeRole)
			m.Put("/blocklist/{identity}", s.block)
			m.Delete("/blocklist/{identity}", s.unblock)
			m.Put("/tiers", s.updateTierTable)
			m.Post("/keeper/upkeep", s.performUpkeep)
			m.Put("/keeper/config", s.updateKeeperConfig)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			misc.Warnf(s.logger, "%s %s -> %d in %s [%s]", r.Method, r.URL.Path, status, time.Since(start), chimw.GetReqID(r.Context()))
			return
		}
		misc.Debugf(s.logger, "%s %s -> %d in %s [%s]", r.Method, r.URL.Path, status, time.Since(start), chimw.GetReqID(r.Context()))
	})
}

// Serve runs the API on listen until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		misc.Infof(s.logger, "api listening on %s", listen)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
