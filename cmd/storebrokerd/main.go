package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bivex/storebroker/internal/application/middleware"
	"github.com/bivex/storebroker/internal/infrastructure/config"
	"github.com/bivex/storebroker/internal/infrastructure/logging"
	"github.com/bivex/storebroker/internal/interfaces/http/handlers"
	"github.com/bivex/storebroker/payment"
	"github.com/bivex/storebroker/payment/appstore"
	"github.com/bivex/storebroker/payment/memory"
	"github.com/bivex/storebroker/payment/playstore"
	"github.com/bivex/storebroker/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logging.Init(&cfg.Sentry); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logging.Sync()

	logging.Logger.Info("Starting store broker daemon",
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Store.Backend),
		zap.String("environment", cfg.Sentry.Environment),
	)

	// Initialize Sentry
	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     cfg.Sentry.Release,
		})
		if err != nil {
			logging.Logger.Fatal("Failed to initialize Sentry", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize Redis
	ctx := context.Background()
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logging.Logger.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	opts.PoolSize = cfg.Redis.PoolSize
	opts.MinIdleConns = cfg.Redis.MinIdleConns
	opts.DialTimeout = cfg.Redis.DialTimeout
	opts.ReadTimeout = cfg.Redis.ReadTimeout
	opts.WriteTimeout = cfg.Redis.WriteTimeout
	redisClient := redis.NewClient(opts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logging.Logger.Fatal("Failed to ping Redis", zap.Error(err))
	}

	// Build the payment backend
	apple, google, svc, err := buildBackend(ctx, cfg)
	if err != nil {
		logging.Logger.Fatal("Failed to build payment backend", zap.Error(err))
	}

	// Build the broker and its daemon-side observers
	broker := store.New(svc, store.WithLogger(logging.WithComponent("broker")))
	defer broker.Close()

	broker.AddObserver(newEventLogObserver(logging.WithComponent("store-events")))
	if cfg.Sentry.DSN != "" {
		broker.AddObserver(newSentryObserver())
	}

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient, true, logging.WithComponent("ratelimit")) // fail open

	var jwtMiddleware *middleware.JWTMiddleware
	if cfg.JWT.Secret != "" {
		jwtMiddleware = middleware.NewJWTMiddleware(
			cfg.JWT.Secret,
			cfg.JWT.Issuer,
			redisClient,
			cfg.JWT.AccessTTL,
			logging.WithComponent("jwt"),
		)
	}

	// Initialize handlers
	storeHandler := handlers.NewStoreHandler(broker, cfg.Store.LoadTimeout)
	webhookHandler := handlers.NewWebhookHandler(
		apple,
		google,
		cfg.IAP.AppleWebhookSecret,
		cfg.IAP.GoogleWebhookSecret,
	)

	// Setup Gin router
	if cfg.Sentry.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		logging.RequestMiddleware(logging.Logger),
	)

	// Health check endpoint (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Webhook routes (no auth - verified by signature)
	webhooks := router.Group("/webhook")
	webhooks.Use(rateLimiter.Middleware(middleware.ByIP, middleware.WebhookConfig))
	{
		webhooks.POST("/apple", webhookHandler.AppleWebhook)
		webhooks.POST("/google", webhookHandler.GoogleWebhook)
	}

	// API v1 routes
	v1 := router.Group("/v1")
	if jwtMiddleware != nil {
		v1.Use(jwtMiddleware.Authenticate())
	}
	{
		v1.GET("/store/status", storeHandler.Status)
		v1.GET("/products", storeHandler.Products)
		v1.GET("/products/:id/price", storeHandler.Price)
		v1.POST("/products/load",
			rateLimiter.Middleware(middleware.ByIP, middleware.DefaultConfig),
			storeHandler.LoadProducts,
		)
		v1.POST("/purchases",
			rateLimiter.Middleware(middleware.ByIPAndEndpoint, middleware.PurchaseConfig),
			storeHandler.Purchase,
		)
		v1.POST("/purchases/restore",
			rateLimiter.Middleware(middleware.ByIP, middleware.DefaultConfig),
			storeHandler.Restore,
		)
	}

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		logging.Logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logging.Logger.Info("Server exited")
}

// buildBackend constructs the configured payment service. The appstore and
// playstore adapters are also returned directly so the webhook handler can
// feed notifications into them.
func buildBackend(ctx context.Context, cfg *config.Config) (*appstore.Service, *playstore.Service, payment.Service, error) {
	catalog := make([]payment.Product, 0, len(cfg.Store.Products))
	for _, p := range cfg.Store.Products {
		catalog = append(catalog, payment.Product{
			ID:       p.ID,
			Title:    p.Title,
			Price:    p.Price,
			Currency: p.Currency,
			Locale:   p.Locale,
		})
	}

	switch cfg.Store.Backend {
	case config.BackendAppStore:
		apple := appstore.NewService(appstore.Config{
			SharedSecret: cfg.IAP.AppleSharedSecret,
			Catalog:      catalog,
		}, appstore.WithLogger(logging.WithComponent("appstore")))
		return apple, nil, apple, nil

	case config.BackendPlayStore:
		google, err := playstore.NewService(
			ctx,
			cfg.IAP.GooglePackageName,
			cfg.IAP.GoogleServiceAccountJSON,
			playstore.WithLogger(logging.WithComponent("playstore")),
		)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, google, google, nil

	default:
		return nil, nil, memory.NewService(catalog, memory.WithAutoApprove()), nil
	}
}

// newEventLogObserver logs every store event.
func newEventLogObserver(log *zap.Logger) store.Observer {
	return &store.ObserverFuncs{
		OnLoadProducts: func(successful, failed []string) {
			log.Info("products loaded",
				zap.Strings("successful", successful),
				zap.Strings("failed", failed),
			)
		},
		OnCompletePurchase: func(productID string) {
			log.Info("purchase completed", zap.String("product_id", productID))
		},
		OnRestorePurchase: func(productID string) {
			log.Info("purchase restored", zap.String("product_id", productID))
		},
		OnFailPurchase: func(productID string, err error) {
			log.Warn("purchase failed", zap.String("product_id", productID), zap.Error(err))
		},
	}
}

// newSentryObserver reports failed purchases to Sentry. Payments the user
// cancelled are routine and not reported.
func newSentryObserver() store.Observer {
	return &store.ObserverFuncs{
		OnFailPurchase: func(productID string, err error) {
			if err == nil || payment.IsCancelled(err) {
				return
			}
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetTag("product_id", productID)
				sentry.CaptureException(err)
			})
		},
	}
}
