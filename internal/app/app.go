package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gozon/checkout-service/internal/audit"
	"gozon/checkout-service/internal/checkout"
	"gozon/checkout-service/internal/config"
	"gozon/checkout-service/internal/httpapi"
	"gozon/checkout-service/internal/order"
	"gozon/checkout-service/internal/payment"
	"gozon/checkout-service/internal/provider"
	"gozon/checkout-service/internal/ratelimit"
	"gozon/checkout-service/internal/reconcile"
	"gozon/checkout-service/internal/signature"
	"gozon/checkout-service/internal/storage"
	"gozon/checkout-service/internal/websocket"
	"gozon/checkout-service/pkg/contracts"
	"gozon/checkout-service/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *storage.Store
	redis     *redis.Client
	pruner    *ratelimit.PostgresStore
	wsHub     *websocket.Hub
	publisher messaging.Publisher
	outbox    *messaging.OutboxDispatcher
	consumer  *messaging.Consumer
	httpSrv   *http.Server
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	trusted, err := cfg.HTTP.TrustedProxyPrefixes()
	if err != nil {
		return nil, err
	}

	store, err := storage.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := storage.RunMigrations(ctx, store.Pool()); err != nil {
		store.Close()
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, store: store}

	limiterStore, err := a.limiterStore(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}
	limiter := ratelimit.New(limiterStore, map[string]ratelimit.Rule{
		ratelimit.EndpointWebhook:    {Max: cfg.RateLimit.Webhook.Max, Window: cfg.RateLimit.Webhook.Window},
		ratelimit.EndpointPreference: {Max: cfg.RateLimit.Preference.Max, Window: cfg.RateLimit.Preference.Window},
	}, logger, ratelimit.FailOpen(cfg.RateLimit.FailOpen))

	if cfg.Webhook.Secret == "" {
		logger.Warn("webhook secret not configured, every notification will be rejected")
	}
	verifier := signature.NewVerifier(cfg.Webhook.Secret, signature.WithTolerance(cfg.Webhook.Tolerance))
	client := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.AccessToken, cfg.Provider.Timeout)

	auditLog := audit.NewLogger(store.Pool(), logger)
	engine := reconcile.NewEngine(reconcile.NewPgLedger(store.Pool()), auditLog, logger)
	orders := order.NewRepository(store.Pool())
	checkoutSvc := checkout.NewService(orders, payment.NewRepository(store.Pool()), client, auditLog, cfg.App.BaseURL, logger)

	publisher, err := messaging.NewRabbitPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.publisher = publisher

	consumer, err := messaging.NewRabbitConsumer(cfg.Rabbit.URL, cfg.Rabbit.Exchange, cfg.Rabbit.Queue, logger)
	if err != nil {
		publisher.Close()
		a.closeStores()
		return nil, err
	}
	a.consumer = consumer

	a.wsHub = websocket.NewHub()
	wsHandler := websocket.NewHandler(a.wsHub, orders, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Limiter:        limiter,
		Verifier:       verifier,
		Provider:       client,
		Engine:         engine,
		Checkout:       checkoutSvc,
		Audit:          auditLog,
		OrderStream:    wsHandler.ServeWS,
		AuditFailures:  auditLog.Failures,
		TrustedProxies: trusted,
	}, logger)
	a.httpSrv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.outbox = messaging.NewOutboxDispatcher(store.Pool(), publisher, reconcile.OutboxTable, cfg.Outbox.Interval, cfg.Outbox.Batch, logger)
	return a, nil
}

func (a *App) limiterStore(ctx context.Context) (ratelimit.Store, error) {
	switch a.cfg.RateLimit.Backend {
	case config.BackendPostgres:
		a.pruner = ratelimit.NewPostgresStore(a.store.Pool())
		return a.pruner, nil
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// the limiter decides per request what an unreachable store means
			a.logger.Warn("redis not reachable at startup", "addr", a.cfg.Redis.Addr, "err", err)
		}
		a.redis = client
		return ratelimit.NewRedisStore(client), nil
	}
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	a.outbox.Start(ctx)

	go a.wsHub.Run(ctx)

	go func() {
		errCh <- a.consumer.Start(ctx, a.handleReconciledMessage)
	}()

	if a.pruner != nil {
		go a.pruneLoop(ctx)
	}

	go func() {
		a.logger.Info("checkout http server listening", "addr", a.cfg.HTTP.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RateLimit.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.pruner.Prune(ctx, time.Now().Add(-a.longestWindow()))
			if err != nil {
				a.logger.Error("prune rate limit windows", "err", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("pruned rate limit windows", "rows", n)
			}
		}
	}
}

func (a *App) longestWindow() time.Duration {
	return max(a.cfg.RateLimit.Webhook.Window, a.cfg.RateLimit.Preference.Window)
}

func (a *App) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Shutdown.Grace)
	defer cancel()
	_ = a.httpSrv.Shutdown(shutdownCtx)
	a.consumer.Close()
	a.publisher.Close()
	a.closeStores()
}

func (a *App) closeStores() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.store.Close()
}

func (a *App) handleReconciledMessage(_ context.Context, msg amqp091.Delivery) {
	update, err := orderUpdate(msg.Body)
	if err != nil {
		a.logger.Error("invalid reconciled event", "message_id", msg.MessageId, "err", err)
		_ = msg.Nack(false, false)
		return
	}
	a.wsHub.Broadcast(update)
	_ = msg.Ack(false)
}

func orderUpdate(body []byte) (websocket.OrderUpdate, error) {
	var evt contracts.PaymentReconciledEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return websocket.OrderUpdate{}, err
	}
	if evt.OrderID == "" {
		return websocket.OrderUpdate{}, fmt.Errorf("event %s has no order id", evt.EventID)
	}
	return websocket.OrderUpdate{
		OrderID:       evt.OrderID,
		Status:        evt.OrderStatus,
		PaymentStatus: evt.PaymentStatus,
	}, nil
}
