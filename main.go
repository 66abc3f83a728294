package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/keymint/keymint/internal/application/checkout"
	"github.com/keymint/keymint/internal/application/fulfill"
	"github.com/keymint/keymint/internal/application/reconcile"
	"github.com/keymint/keymint/internal/domain/cart"
	"github.com/keymint/keymint/internal/domain/license"
	"github.com/keymint/keymint/internal/domain/order"
	"github.com/keymint/keymint/internal/domain/payment"
	"github.com/keymint/keymint/internal/domain/pricing"
	"github.com/keymint/keymint/internal/domain/user"
	"github.com/keymint/keymint/internal/infrastructure/gateway"
	"github.com/keymint/keymint/internal/infrastructure/id"
	"github.com/keymint/keymint/internal/infrastructure/memory"
	"github.com/keymint/keymint/internal/infrastructure/notify"
	infraobs "github.com/keymint/keymint/internal/infrastructure/observability"
	"github.com/keymint/keymint/internal/infrastructure/observability/zaplogger"
	"github.com/keymint/keymint/internal/infrastructure/postgres"
	redisstore "github.com/keymint/keymint/internal/infrastructure/redis"
	"github.com/keymint/keymint/internal/observability"
	httppresentation "github.com/keymint/keymint/internal/presentation/http"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "keymint")
	env := getenvDefault("ENV", "dev")

	logger := zaplogger.New(
		observability.F("service", serviceName),
		observability.F("env", env),
	)
	if s, ok := logger.(interface{ Sync() error }); ok {
		defer func() { _ = s.Sync() }()
	}

	tel := infraobs.Bootstrap(serviceName, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage: in-memory by default, postgres when a DSN is configured.
	var (
		orders   order.Repository
		users    user.Repository
		licenses license.Repository
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := postgres.Connect(ctx, dsn)
		if err != nil {
			logger.Error("postgres_connect_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()
		orders = postgres.NewOrderRepository(pool)
		users = postgres.NewUserRepository(pool)
		licenses = postgres.NewLicenseRepository(pool)
		logger.Info("storage_ready", observability.F("backend", "postgres"))
	} else {
		orders = memory.NewOrderRepository()
		users = memory.NewUserRepository()
		licenses = memory.NewLicenseRepository()
		logger.Info("storage_ready", observability.F("backend", "memory"))
	}

	var carts cart.Store
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis_connect_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		carts = redisstore.NewCartStore(client)
		logger.Info("cart_store_ready", observability.F("backend", "redis"))
	} else {
		carts = memory.NewCartStore()
		logger.Info("cart_store_ready", observability.F("backend", "memory"))
	}

	gateways, quoters, err := buildGateways(tel)
	if err != nil {
		logger.Error("gateway_config_invalid", observability.F("error", err.Error()))
		os.Exit(1)
	}

	queue := notify.NewQueue(notify.NewLogNotifier(tel), tel)
	queue.Start(ctx)
	defer queue.Stop(context.Background())

	taxRate, err := decimal.NewFromString(getenvDefault("TAX_RATE", "0"))
	if err != nil {
		logger.Error("invalid_tax_rate", observability.F("error", err.Error()))
		os.Exit(1)
	}

	pipeline := fulfill.NewPipeline(orders, users, licenses, carts, queue, tel)
	engine := reconcile.NewEngine(orders, gateways, pipeline, tel)
	checkoutSvc := checkout.NewService(orders, carts, gateways, quoters,
		id.NewOrderNumberGenerator(), taxRate, tel)

	handler := httppresentation.NewHandler(checkoutSvc, engine, orders, carts, gateways,
		httppresentation.Options{
			SuccessURL: getenvDefault("SUCCESS_URL", "/thanks"),
			PendingURL: getenvDefault("PENDING_URL", "/pending"),
			FailureURL: getenvDefault("FAILURE_URL", "/failed"),
		}, tel)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Router(tel))

	server := &http.Server{
		Addr:    getenvDefault("ADDR", ":8080"),
		Handler: mux,
	}

	go func() {
		logger.Info("http_server_start", observability.F("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		logger.Info("http_server_stopped")
	}
}

// buildGateways constructs every provider adapter that has credentials in the
// environment, along with the fee schedule its quotes gross up with.
func buildGateways(tel observability.Observability) (payment.Registry, map[string]*pricing.Quoter, error) {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	publicBase := getenvDefault("PUBLIC_BASE_URL", "http://localhost:8080")

	type provider struct {
		name    string
		gateway payment.Gateway
		pct     string
		fixed   string
	}
	var configured []provider

	if key := os.Getenv("STRIPE_API_KEY"); key != "" {
		configured = append(configured, provider{
			name: gateway.ProviderStripe,
			gateway: gateway.NewStripeGateway(gateway.Config{
				BaseURL:       os.Getenv("STRIPE_BASE_URL"),
				APIKey:        key,
				WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
				ReturnURL:     publicBase + "/payments/stripe/return?session_id={CHECKOUT_SESSION_ID}",
				CancelURL:     publicBase + "/payments/stripe/return?canceled=true&session_id={CHECKOUT_SESSION_ID}",
			}, httpClient, tel),
			pct:   getenvDefault("STRIPE_FEE_PCT", "0.029"),
			fixed: getenvDefault("STRIPE_FEE_FIXED", "0.30"),
		})
	}
	if clientID := os.Getenv("PAYPAL_CLIENT_ID"); clientID != "" {
		configured = append(configured, provider{
			name: gateway.ProviderPaypal,
			gateway: gateway.NewPaypalGateway(gateway.Config{
				BaseURL:       os.Getenv("PAYPAL_BASE_URL"),
				APIKey:        clientID,
				APISecret:     os.Getenv("PAYPAL_CLIENT_SECRET"),
				WebhookSecret: os.Getenv("PAYPAL_WEBHOOK_SECRET"),
				ReturnURL:     publicBase + "/payments/paypal/return",
				CancelURL:     publicBase + "/payments/paypal/return?canceled=true",
			}, httpClient, tel),
			pct:   getenvDefault("PAYPAL_FEE_PCT", "0.0349"),
			fixed: getenvDefault("PAYPAL_FEE_FIXED", "0.49"),
		})
	}
	if token := os.Getenv("MERCADOPAGO_ACCESS_TOKEN"); token != "" {
		configured = append(configured, provider{
			name: gateway.ProviderMercadopago,
			gateway: gateway.NewMercadopagoGateway(gateway.Config{
				BaseURL:       os.Getenv("MERCADOPAGO_BASE_URL"),
				APIKey:        token,
				WebhookSecret: os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),
				ReturnURL:     publicBase + "/payments/mercadopago/return",
				CancelURL:     publicBase + "/payments/mercadopago/return?canceled=true",
			}, httpClient, tel),
			pct:   getenvDefault("MERCADOPAGO_FEE_PCT", "0.0399"),
			fixed: getenvDefault("MERCADOPAGO_FEE_FIXED", "0"),
		})
	}

	gateways := make([]payment.Gateway, 0, len(configured))
	quoters := make(map[string]*pricing.Quoter, len(configured))
	for _, p := range configured {
		pct, err := decimal.NewFromString(p.pct)
		if err != nil {
			return nil, nil, err
		}
		fixed, err := decimal.NewFromString(p.fixed)
		if err != nil {
			return nil, nil, err
		}
		quoter, err := pricing.NewQuoter(pricing.FeeSchedule{Percentage: pct, Fixed: fixed})
		if err != nil {
			return nil, nil, err
		}
		gateways = append(gateways, p.gateway)
		quoters[p.name] = quoter
	}
	return payment.NewRegistry(gateways...), quoters, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
