package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/mcclellann/microloans/pkg/amortization"
	"github.com/mcclellann/microloans/pkg/arrears"
	"github.com/mcclellann/microloans/pkg/cache"
	"github.com/mcclellann/microloans/pkg/cashdrawer"
	"github.com/mcclellann/microloans/pkg/config"
	"github.com/mcclellann/microloans/pkg/gateway"
	"github.com/mcclellann/microloans/pkg/identity"
	"github.com/mcclellann/microloans/pkg/invoicing"
	"github.com/mcclellann/microloans/pkg/ledger"
	"github.com/mcclellann/microloans/pkg/payment"
	"github.com/mcclellann/microloans/pkg/store"
	"go.uber.org/zap"
)

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer,
		middleware.SetHeader("Content-Type", "application/json"))

	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/payments", s.loanPaymentsHandler).Methods("GET")
	router.HandleFunc("/customers/{document}/loan", s.customerLoanHandler).Methods("GET")
	router.HandleFunc("/customers/{document}/payments", s.customerPaymentsHandler).Methods("GET")

	router.HandleFunc("/installments/{id}/payments", s.installmentPaymentsHandler).Methods("GET")
	router.HandleFunc("/installments/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/installments/{id}/gateway-charges", s.gatewayChargeHandler).Methods("POST")
	router.HandleFunc("/gateway/notifications", s.gatewayNotificationHandler).Methods("POST")

	router.HandleFunc("/cash/open", s.openCashHandler).Methods("POST")
	router.HandleFunc("/cash/summary", s.cashSummaryHandler).Methods("GET")
	router.HandleFunc("/cash/movements", s.cashMovementsHandler).Methods("GET")
	router.HandleFunc("/cash/change-check", s.changeCheckHandler).Methods("GET")
	router.HandleFunc("/cash/reinfusions", s.movementHandler(s.drawer.RegisterReinfusion)).Methods("POST")
	router.HandleFunc("/cash/withdrawals", s.movementHandler(s.drawer.RegisterWithdrawal)).Methods("POST")
	router.HandleFunc("/cash/adjustments", s.movementHandler(s.drawer.RegisterAdjustment)).Methods("POST")
	router.HandleFunc("/cash/close", s.closeCashHandler).Methods("POST")

	return router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize SQLite Store
	sqliteStore, err := store.NewSQLiteStore(cfg.DBDriver, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer sqliteStore.Close()

	var settled cache.Cache = cache.NewMemoryCache()
	if cfg.RedisAddr != "" {
		rc, err := cache.NewRedisCache(ctx, cfg.RedisAddr, "microloans:")
		if err != nil {
			return err
		}
		defer rc.Close()
		settled = rc
	}

	var verifier identity.Verifier
	if cfg.IdentityURL != "" {
		verifier = identity.NewHTTPVerifier(cfg.IdentityURL, cfg.IdentityToken)
	} else {
		logger.Warn("IDENTITY_URL not set, new customers cannot be verified")
	}

	var gw gateway.Client
	if cfg.GatewayURL != "" {
		gw = gateway.NewHTTPClient(cfg.GatewayURL, cfg.GatewayToken, cfg.GatewayNotificationURL)
	} else {
		logger.Warn("GATEWAY_URL not set, gateway payments are disabled")
	}

	var emitter invoicing.Emitter = invoicing.NewLogEmitter(logger)
	if cfg.InvoiceURL != "" {
		emitter = invoicing.NewHTTPEmitter(cfg.InvoiceURL)
	}
	worker := invoicing.NewWorker(sqliteStore, emitter, logger, cfg.InvoicePollInterval, cfg.InvoiceMaxAttempts)

	policy := arrears.NewPolicy(cfg.ArrearsMonthlyRate, time.Now)
	drawer := cashdrawer.NewDrawer(sqliteStore, logger, time.Now)
	processor := payment.NewProcessor(sqliteStore, policy, gw, settled, worker, logger)
	loans := ledger.NewLedger(sqliteStore, amortization.NewEngine(cfg.TaxRate), policy, verifier, logger)

	server := NewServer(sqliteStore, loans, processor, drawer, logger)

	go worker.Run(ctx)

	// Start a goroutine for the overdue sweep
	go func() {
		ticker := time.NewTicker(cfg.OverdueSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := loans.RefreshOverdue(ctx); err != nil {
					logger.Error("overdue sweep failed", zap.Error(err))
				}
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", httpServer.Addr), zap.String("db_driver", cfg.DBDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	return nil
}

