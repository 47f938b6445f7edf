package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	glog "github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/analysis"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/api/handler"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/api/router"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/auth"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/chat"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/constants"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/llm"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/notify"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/outbox"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/storage/memstore"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/sweeper"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/tracing"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/worker"
)

var version = "1.0.0" //nolint:gochecknoglobals

// appStore 各组件共用的存储，MySQL 仓储或内存实现
type appStore interface {
	chat.Store
	analysis.Store
	sweeper.Store
	handler.Store
	worker.OutboxWriter
}

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "", "配置文件路径")
	pflag.Parse()

	// .env 可选
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置失败")
	}

	closer, err := logger.Init(logger.Config{
		Level:        cfg.Logger.Level,
		Format:       cfg.Logger.Format,
		TimeFormat:   cfg.Logger.TimeFormat,
		ReportCaller: cfg.Logger.ReportCaller,
		FilePath:     cfg.Logger.FilePath,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化日志失败")
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("初始化追踪失败，继续运行")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("关闭追踪失败")
		}
	}()

	if err := run(ctx, cfg); err != nil {
		logger.Error().Err(err).Msg("服务异常退出")
		os.Exit(1)
	}
	logger.Info().Msg("优雅退出完成")
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stores, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	var store appStore
	if stores.Repository != nil {
		store = stores.Repository
	} else {
		logger.Warn().Msg("MySQL 不可用，使用内存存储，重启后数据丢失")
		store = memstore.New()
	}

	var locker chat.Locker = chat.NewKeyedMutex()
	if stores.Redis != nil {
		locker = stores.Redis
	}

	g, gctx := errgroup.WithContext(ctx)

	// 事件扇出：有 Redis 时经频道广播，由各实例的 Relay 转交本地 Hub
	hub := notify.NewHub()
	var publishers []notify.Publisher
	if stores.Redis != nil {
		rp := notify.NewRedisPublisher(stores.Redis.Client)
		publishers = append(publishers, rp)
		g.Go(func() error {
			if err := rp.Relay(gctx, hub); err != nil {
				logger.Error().Err(err).Msg("Redis 事件转发停止")
			}
			return nil
		})
	} else {
		publishers = append(publishers, hub)
	}
	notifier := notify.NewNotifier(cfg.Screening.NotificationBuffer, publishers...)
	g.Go(func() error {
		notifier.Run(gctx)
		return nil
	})

	gateway, err := llm.NewGatewayFromConfig(ctx, cfg)
	if err != nil {
		return err
	}

	chats := chat.NewService(store,
		chat.WithLocker(locker),
		chat.WithEvents(notifier),
		chat.WithLockWait(constants.SessionLockWait),
	)
	orchestrator := analysis.NewOrchestrator(store, gateway, chats,
		analysis.WithEvents(notifier),
		analysis.WithThresholds(cfg.Screening.ChatScoreThreshold, cfg.Screening.MinResumeLength),
	)

	sweepOpts := []sweeper.Option{
		sweeper.WithTimeout(config.GetDuration(cfg.Screening.SessionTimeout, sweeper.DefaultTimeout)),
		sweeper.WithInterval(config.GetDuration(cfg.Screening.SweepInterval, sweeper.DefaultInterval)),
	}
	if stores.Redis != nil {
		sweepOpts = append(sweepOpts, sweeper.WithClusterLock(stores.Redis))
	}
	sessionSweeper := sweeper.New(store, sweepOpts...)
	g.Go(func() error {
		sessionSweeper.Run(gctx)
		return nil
	})

	var (
		dispatcher worker.Dispatcher
		pool       *worker.KeyedPool
		consumers  []<-chan struct{}
	)
	if stores.RabbitMQ != nil {
		routes := worker.RoutesFromConfig(cfg.RabbitMQ)
		qd := worker.NewQueueDispatcher(stores.RabbitMQ, stores.Repository, routes, cfg.RabbitMQ.DispatchBuffer)
		dispatcher = qd
		g.Go(func() error {
			qd.Run(gctx)
			return nil
		})

		relay := outbox.NewMessageRelay(stores.MySQL.DB(), stores.RabbitMQ)
		g.Go(func() error {
			relay.Run(gctx)
			return nil
		})

		consumer := worker.NewConsumer(orchestrator, chats)
		done, err := consumer.Start(gctx, stores.RabbitMQ, cfg.RabbitMQ.AnalysisQueue,
			cfg.ConsumerWorkers(constants.AnalysisConsumerWorkersKey, 4), cfg.RabbitMQ.PrefetchCount, consumer.HandleAnalysis)
		consumers = append(consumers, done...)
		if err != nil {
			return err
		}
		// 回复默认单消费者，保证同一会话按到达顺序处理
		done, err = consumer.Start(gctx, stores.RabbitMQ, cfg.RabbitMQ.ChatReplyQueue,
			cfg.ConsumerWorkers(constants.ChatReplyConsumerWorkersKey, 1), cfg.RabbitMQ.PrefetchCount, consumer.HandleChatReply)
		consumers = append(consumers, done...)
		if err != nil {
			return err
		}
	} else {
		logger.Info().Int("lanes", cfg.Screening.LocalWorkers).Msg("RabbitMQ 未启用，任务在进程内执行")
		pool = worker.NewKeyedPool(cfg.Screening.LocalWorkers, 0)
		// 停止时仍要执行完已排队的任务
		pool.Start(context.WithoutCancel(ctx))
		dispatcher = worker.NewLocalDispatcher(pool, orchestrator, chats)
	}
	chats.SetTrigger(dispatcher)

	tokens, err := auth.NewTokenService(cfg.Auth)
	if errors.Is(err, auth.ErrNoSecret) {
		logger.Warn().Msg("未配置 jwt_secret，使用随机密钥，重启后已签发的令牌失效")
		cfg.Auth.JWTSecret = uuid.NewString()
		tokens, err = auth.NewTokenService(cfg.Auth)
	}
	if err != nil {
		return err
	}
	if len(cfg.Auth.APIKeys) == 0 {
		logger.Warn().Msg("未配置雇主 API Key，雇主接口将拒绝所有请求")
	}

	hd := handler.NewHandler(handler.Deps{
		Store:      store,
		Chat:       chats,
		Starter:    orchestrator,
		Dispatcher: dispatcher,
		Sweeper:    sessionSweeper,
		Tokens:     tokens,
		Hub:        hub,
	})

	tracer, tracerCfg := hertztracing.NewServerTracer()
	h := server.New(
		server.WithHostPorts(cfg.Server.Address),
		server.WithHandleMethodNotAllowed(true),
		tracer,
	)
	h.Use(hertztracing.ServerMiddleware(tracerCfg))
	h.Use(func(c context.Context, ctx *app.RequestContext) {
		start := time.Now()
		ctx.Next(c)
		glog.CtxInfof(c, "%s %s -> %d (%s)", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start))
	})
	router.RegisterRoutes(h, hd, cfg.Auth.APIKeys)

	g.Go(func() error {
		logger.Info().Str("address", cfg.Server.Address).Msg("HTTP 服务器启动")
		if err := h.Run(); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("接收到终止信号，正在优雅退出...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if pool != nil {
		pool.Stop()
	}
	waitConsumers(consumers, 10*time.Second)
	return err
}

// waitConsumers 等待消费者处理完在途消息
func waitConsumers(done []<-chan struct{}, timeout time.Duration) {
	deadline := time.After(timeout)
	for _, ch := range done {
		select {
		case <-ch:
		case <-deadline:
			logger.Warn().Msg("等待消费者退出超时")
			return
		}
	}
}
