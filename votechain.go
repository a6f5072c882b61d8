// Package votechain wires the vote casting and ledger reconciliation
// components into a runnable application.
package votechain

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/layer-3/votechain/adapters/events"
	"github.com/layer-3/votechain/adapters/ledger"
	"github.com/layer-3/votechain/adapters/store"
	"github.com/layer-3/votechain/adapters/tokenizer"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/internal/config"
	"github.com/layer-3/votechain/internal/logging"
	"github.com/layer-3/votechain/service"
	"github.com/layer-3/votechain/transport/http"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NotificationGroup is the redis stream consumer group of the challenge delivery worker
const NotificationGroup = "votechain-notifications"

const shutdownTimeout = 10 * time.Second

// Option customises App construction
type Option func(*options)

type options struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	deliver    events.DeliverFunc
}

// WithPubSub replaces the redis stream transport for domain events and notifications
func WithPubSub(publisher message.Publisher, subscriber message.Subscriber) Option {
	return func(o *options) {
		o.publisher = publisher
		o.subscriber = subscriber
	}
}

// WithDelivery sets how challenge codes reach voters. The default logs them.
func WithDelivery(deliver events.DeliverFunc) Option {
	return func(o *options) {
		o.deliver = deliver
	}
}

// App owns every component and its connections
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	redis      *redis.Client
	db         *store.SQLiteStore
	ledger     *ledger.Client
	publisher  message.Publisher
	subscriber message.Subscriber

	sessions    *service.SessionMachine
	coordinator *service.VoteCoordinator
	audit       *service.AuditEngine
	worker      *events.NotificationWorker
	router      *gin.Engine
}

// New connects the stores, the ledger and the event transport and builds the services
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	app := &App{cfg: cfg, logger: logger}
	if err := app.init(ctx, o); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context, o *options) error {
	redisOpts, err := redis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to parse redis url: %w", err)
	}
	a.redis = redis.NewClient(redisOpts)
	kv := store.NewRedisStore(a.redis)

	if a.db, err = store.OpenSQLite(a.cfg.Database.Path); err != nil {
		return err
	}

	if a.ledger, err = a.dialLedger(ctx); err != nil {
		return err
	}

	a.publisher, a.subscriber = o.publisher, o.subscriber
	if a.publisher == nil {
		wlog := logging.NewWatermillAdapter(a.logger)
		if a.publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: a.redis}, wlog); err != nil {
			return fmt.Errorf("failed to create redis publisher: %w", err)
		}
		a.subscriber, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        a.redis,
			ConsumerGroup: NotificationGroup,
		}, wlog)
		if err != nil {
			return fmt.Errorf("failed to create redis subscriber: %w", err)
		}
	}

	key, err := tokenizer.LoadSigningKey(a.cfg.Session.SigningKeyFile)
	if err != nil {
		return err
	}

	publisher := events.NewWatermillPublisher(a.publisher)
	challenges := service.NewChallengeService(kv, service.ChallengeConfig{
		TTL:         a.cfg.Challenge.TTL,
		MaxAttempts: a.cfg.Challenge.MaxAttempts,
		CodeLength:  a.cfg.Challenge.CodeLength,
	}, a.logger)

	a.sessions = service.NewSessionMachine(kv, a.db, a.db, challenges, a.cfg.Identity.Salt, a.cfg.Session.TTL, a.logger)
	a.coordinator = service.NewVoteCoordinator(a.sessions, challenges, a.db, a.db, a.db, a.ledger, publisher, a.cfg.Coordinator.MaxConcurrent, a.logger)
	a.audit = service.NewAuditEngine(a.db, a.ledger, publisher, a.cfg.Audit.Concurrency, a.logger)

	deliver := o.deliver
	if deliver == nil {
		deliver = events.LogDelivery(a.logger)
	}
	if a.subscriber != nil {
		a.worker = events.NewNotificationWorker(a.subscriber, deliver, a.logger)
	}

	handlers := http.NewVoteHandlers(
		a.sessions,
		a.coordinator,
		a.audit,
		a.ledger,
		a.db,
		tokenizer.NewJWTTokenizer(key),
		events.NewWatermillNotifier(a.publisher),
		a.logger,
	)
	a.router = http.SetupRouter(handlers, a.cfg.HTTP.AdminToken)
	return nil
}

func (a *App) dialLedger(ctx context.Context) (*ledger.Client, error) {
	lcfg := a.cfg.Ledger.ToLedger()
	if lcfg.RPCURL == "" {
		a.logger.Warn("no ledger endpoint configured, votes are recorded locally only")
		return ledger.New(nil, lcfg, a.logger)
	}
	return ledger.Dial(ctx, lcfg, a.logger)
}

// Handler returns the HTTP handler
func (a *App) Handler() nethttp.Handler {
	return a.router
}

// Store returns the relational store
func (a *App) Store() *store.SQLiteStore {
	return a.db
}

// Ledger returns the ledger client
func (a *App) Ledger() *ledger.Client {
	return a.ledger
}

// Audit runs one reconciliation pass
func (a *App) Audit(ctx context.Context) (*core.AuditResult, error) {
	return a.audit.Run(ctx)
}

// Run serves HTTP, the notification worker and the scheduled audit until ctx is done
func (a *App) Run(ctx context.Context) error {
	srv := &nethttp.Server{
		Addr:              a.cfg.HTTP.Listen,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if a.worker != nil {
		g.Go(func() error {
			return a.worker.Run(gctx)
		})
	}

	if a.cfg.Audit.Interval > 0 {
		g.Go(func() error {
			a.audit.Start(gctx, a.cfg.Audit.Interval)
			return nil
		})
	}

	return g.Wait()
}

// Close releases every connection. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error

	if a.subscriber != nil {
		errs = append(errs, a.subscriber.Close())
	}
	if a.publisher != nil {
		errs = append(errs, a.publisher.Close())
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.redis != nil {
		// the redis stream publisher may already have closed the client
		if err := a.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
