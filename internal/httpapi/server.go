// Package httpapi exposes the wallet over HTTP: session-authenticated user routes and
// token-authenticated routes for internal services.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

var ErrInvalidRouterConfig = errors.New("invalid router config")

// Config carries the transport settings.
type Config struct {
	AllowedOrigins     []string
	RequestTimeout     time.Duration
	ServiceTokenSecret string
}

type httpHandler struct {
	logger *zap.Logger
	wallet *wallet.Wallet
	cfg    Config
}

// NewRouter builds the gin engine serving every wallet route.
func NewRouter(cfg Config, walletService *wallet.Wallet, validator *sessionvalidator.Validator, logger *zap.Logger) (*gin.Engine, error) {
	if walletService == nil {
		return nil, fmt.Errorf("%w: wallet is nil", ErrInvalidRouterConfig)
	}
	if validator == nil {
		return nil, fmt.Errorf("%w: session validator is nil", ErrInvalidRouterConfig)
	}
	if cfg.ServiceTokenSecret == "" {
		return nil, fmt.Errorf("%w: service token secret is empty", ErrInvalidRouterConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{logger: logger, wallet: walletService, cfg: cfg}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(sessionClaimsKey))
	api.POST("/account", handler.handleAccount)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/withdrawals", handler.handleListOwnWithdrawals)
	api.POST("/withdrawals", handler.handleRequestWithdrawal)

	secret := []byte(cfg.ServiceTokenSecret)
	internal := router.Group("/internal")
	internal.Use(serviceAuth(secret, RoleService, RoleAdmin))
	internal.POST("/events/purchase-completed", handler.handlePurchaseCompleted)
	internal.POST("/events/withdrawal-decided", handler.handleWithdrawalDecided)
	internal.POST("/events/payout-confirmed", handler.handlePayoutConfirmed)
	internal.POST("/adjustments", serviceAuth(secret, RoleAdmin), handler.handleAdjustment)
	internal.GET("/accounts/:id/balance", handler.handleAccountBalance)
	internal.GET("/accounts/:id/transactions", handler.handleAccountTransactions)
	internal.GET("/withdrawals", handler.handleListWithdrawals)

	return router, nil
}

// Serve runs server until ctx is cancelled, then shuts it down gracefully.
func Serve(ctx context.Context, server *http.Server, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletd listening", zap.String("addr", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		logger.Info("http request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
		)
	}
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	fields := []zap.Field{zap.String("path", ctx.FullPath()), zap.Error(err)}
	var operationError *wallet.OperationError
	if errors.As(err, &operationError) {
		fields = append(fields, zap.String("origin", operationError.Path()))
	}
	switch status {
	case http.StatusInternalServerError:
		handler.logger.Error("request failed", fields...)
		ctx.JSON(status, errorResponse(code, "internal error"))
	case http.StatusServiceUnavailable:
		handler.logger.Warn("store unavailable", fields...)
		ctx.JSON(status, errorResponse(code, "store unavailable"))
	default:
		ctx.JSON(status, errorResponse(code, err.Error()))
	}
}
