package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"cv-match-go/internal/config"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/extractor"
	"cv-match-go/internal/logger"
	"cv-match-go/internal/matching"
	"cv-match-go/internal/ratelimit"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/task"
	"cv-match-go/internal/tracing"
)

// consumerPrefetch 每个消费者一次最多预取的消息数
const consumerPrefetch = 5

// healthCheckSchedule 嵌入服务商周期自检的cron表达式
const healthCheckSchedule = "@every 15m"

func main() {
	configPath := pflag.String("config", "", "配置文件路径, 留空按默认路径搜索")
	pflag.Parse()

	// 1. 加载配置并初始化日志
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("加载配置文件失败")
	}
	logger.Init(cfg.Logger)
	log := logger.Component("matchworker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化链路追踪
	if cfg.Tracing.OTLPEndpoint != "" {
		shutdown, err := tracing.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			log.Fatal().Err(err).Msg("初始化链路追踪失败")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to shut down tracer provider")
			}
		}()
	}

	// 3. 初始化存储管理器
	store, err := storage.NewStorage(ctx, cfg, logger.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化存储管理器失败")
	}
	defer store.Close(logger.Logger)

	// 4. 组装匹配引擎和后台任务
	orchestrator, tasks, embedClient, err := buildWorker(ctx, cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("初始化匹配引擎失败")
	}

	// 5. 启动探活：服务商不可用不阻止启动，周期任务和消费者会按各自的重试策略恢复
	probeCtx, cancelProbe := context.WithTimeout(ctx, 15*time.Second)
	if embedClient.HealthCheck(probeCtx) {
		log.Info().Msg("embedding provider reachable")
	} else {
		log.Warn().Msg("embedding provider health check failed at startup")
	}
	cancelProbe()

	// 6. 注册定时任务和周期自检
	runner := task.NewRunner(logger.Logger)
	scheduler := cron.New()
	if err := registerSchedules(scheduler, cfg, runner, tasks, log); err != nil {
		log.Fatal().Err(err).Msg("注册定时任务失败")
	}
	if _, err := scheduler.AddFunc(healthCheckSchedule, func() {
		checkCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if !embedClient.HealthCheck(checkCtx) {
			log.Warn().Msg("embedding provider periodic health check failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("注册嵌入服务商自检失败")
	}
	scheduler.Start()

	// 7. 启动消息队列消费者
	stops, err := startConsumers(cfg, store, orchestrator, tasks, log)
	if err != nil {
		log.Fatal().Err(err).Msg("启动消费者失败")
	}

	log.Info().Msg("match worker started")
	<-ctx.Done()

	// 8. 优雅退出：停止接收新消息，等待在途的定时任务结束
	log.Info().Msg("shutting down")
	for _, stopConsumer := range stops {
		close(stopConsumer)
	}
	<-scheduler.Stop().Done()
	log.Info().Msg("match worker stopped")
}

// buildWorker 从存储管理器组装嵌入客户端、匹配编排器和后台任务集合
func buildWorker(ctx context.Context, cfg *config.Config, store *storage.Storage) (*matching.Orchestrator, *task.Tasks, *embedding.Client, error) {
	// 限流计数放Redis，多个worker进程共享同一份配额
	limiter := ratelimit.NewFixedWindowLimiter(
		store.Redis,
		cfg.RateLimit.MaxRequests,
		cfg.RateLimit.Window(),
		logger.Component("ratelimit"),
	)

	counter, err := embedding.NewTiktokenCounter(cfg.Embedding.Model)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化token计数器失败: %w", err)
	}
	provider, err := embedding.NewOpenAIEmbedder(cfg.Embedding, logger.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化嵌入服务商失败: %w", err)
	}
	client, err := embedding.NewClient(provider, limiter, counter,
		cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens, logger.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化嵌入客户端失败: %w", err)
	}

	// Redis是硬依赖，匹配运行锁总是启用
	orchOpts := []matching.Option{matching.WithLocker(store.Redis)}
	if store.JobIndex != nil {
		orchOpts = append(orchOpts, matching.WithIndex(store.JobIndex))
	}
	orchestrator, err := matching.NewOrchestrator(
		store.MySQL,
		similarity.NewSearcher(logger.Logger),
		cfg.Matching.MinSimilarity,
		cfg.Matching.Limit,
		cfg.Matching.Freshness(),
		logger.Logger,
		orchOpts...,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化匹配编排器失败: %w", err)
	}

	var taskOpts []task.TasksOption
	if store.JobIndex != nil {
		taskOpts = append(taskOpts, task.WithJobIndex(store.JobIndex))
	}
	if store.DocumentIndex != nil {
		taskOpts = append(taskOpts, task.WithDocumentIndex(store.DocumentIndex))
	}
	if store.MinIO != nil {
		ext, err := extractor.NewDocumentExtractor(ctx, logger.Logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("初始化文本提取器失败: %w", err)
		}
		taskOpts = append(taskOpts, task.WithObjectStorage(store.MinIO), task.WithExtractor(ext))
	}

	tasks, err := task.NewTasks(store.MySQL, client, orchestrator, cfg.Tasks, logger.Logger, taskOpts...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("初始化后台任务失败: %w", err)
	}
	return orchestrator, tasks, client, nil
}

// registerSchedules 按配置的cron表达式注册周期任务，表达式留空的任务不注册
func registerSchedules(scheduler *cron.Cron, cfg *config.Config, runner *task.Runner, tasks *task.Tasks, log zerolog.Logger) error {
	def := func(name string) task.Definition {
		return task.Definition{
			Name:      name,
			SoftLimit: time.Duration(cfg.Tasks.SoftTimeLimitSeconds) * time.Second,
			HardLimit: time.Duration(cfg.Tasks.HardTimeLimitSeconds) * time.Second,
		}
	}
	summarized := func(fn func(context.Context) (task.Summary, error)) func(context.Context) error {
		return func(ctx context.Context) error {
			_, err := fn(ctx)
			return err
		}
	}

	schedules := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"job_embedding_refresh", cfg.Tasks.JobEmbeddingSchedule, summarized(tasks.RefreshJobEmbeddings)},
		{"document_embedding_refresh", cfg.Tasks.DocEmbeddingSchedule, summarized(tasks.RefreshDocumentEmbeddings)},
		{"match_refresh", cfg.Tasks.MatchRefreshSchedule, summarized(tasks.RefreshUserMatches)},
		{"job_cleanup", cfg.Tasks.JobCleanupSchedule, summarized(tasks.CleanupExpiredJobs)},
	}

	for _, s := range schedules {
		if s.spec == "" {
			continue
		}
		definition := def(s.name)
		fn := s.fn
		if _, err := scheduler.AddFunc(s.spec, func() {
			if err := runner.Run(context.Background(), definition, fn); err != nil {
				log.Error().Err(err).Str("task", definition.Name).Msg("scheduled task failed")
			}
		}); err != nil {
			return fmt.Errorf("注册任务 %s (%s) 失败: %w", s.name, s.spec, err)
		}
		log.Info().Str("task", s.name).Str("schedule", s.spec).Msg("scheduled task registered")
	}
	return nil
}

// startConsumers 启动消息队列消费者，未配置RabbitMQ时跳过
// 返回值为各消费者的停止信号通道
func startConsumers(cfg *config.Config, store *storage.Storage, orchestrator *matching.Orchestrator, tasks *task.Tasks, log zerolog.Logger) ([]chan<- struct{}, error) {
	if store.RabbitMQ == nil {
		log.Warn().Msg("rabbitmq not configured, event-driven matching disabled")
		return nil, nil
	}

	var stops []chan<- struct{}

	// 匹配触发事件：失败的消息重新入队等待重试，
	// 无法解析的消息和没有可用文档的用户直接确认丢弃
	stopMatch, err := store.RabbitMQ.StartConsumer(cfg.RabbitMQ.MatchTriggerQueue, consumerPrefetch, func(body []byte) bool {
		var event storage.MatchNeededEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Error().Err(err).Msg("discarding malformed match event")
			return true
		}

		_, err := orchestrator.RefreshMatchesForUser(context.Background(), event.UserID, event.Force)
		if err == nil {
			return true
		}
		if errors.Is(err, matching.ErrNoDocument) || errors.Is(err, matching.ErrNoEmbedding) {
			log.Debug().Int64("user_id", event.UserID).Err(err).Msg("skipping match event for user without usable document")
			return true
		}
		log.Error().Err(err).Int64("user_id", event.UserID).Msg("failed to process match event, requeueing")
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("启动匹配触发消费者失败: %w", err)
	}
	stops = append(stops, stopMatch)

	// 简历上传事件
	stopUpload, err := store.RabbitMQ.StartConsumer(cfg.RabbitMQ.DocumentUploadQueue, consumerPrefetch, func(body []byte) bool {
		var event storage.DocumentUploadedEvent
		if err := json.Unmarshal(body, &event); err != nil {
			log.Error().Err(err).Msg("discarding malformed document event")
			return true
		}

		if err := tasks.ProcessUploadedDocument(context.Background(), event); err != nil {
			log.Error().Err(err).Int64("user_id", event.UserID).Str("document_id", event.DocumentID).
				Msg("failed to process uploaded document, requeueing")
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("启动简历上传消费者失败: %w", err)
	}
	stops = append(stops, stopUpload)

	return stops, nil
}
