package matching

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cv-match-go/internal/constants"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/types"
)

var matchTracer = otel.Tracer("cv-match-go/matching")

// MatchStore 匹配引擎需要的持久层能力
type MatchStore interface {
	// GetLatestDocument 获取用户最新的简历文档，没有时返回(nil, nil)
	GetLatestDocument(ctx context.Context, userID int64) (*types.CandidateDocument, error)

	// GetPreferences 获取用户偏好，没有时返回(nil, nil)
	GetPreferences(ctx context.Context, userID int64) (*types.Preferences, error)

	// GetJobPool 按过滤条件查询候选岗位池
	GetJobPool(ctx context.Context, filter types.JobFilter) ([]*types.JobPosting, error)

	// GetJobByID 获取单个岗位，不存在时返回(nil, nil)
	GetJobByID(ctx context.Context, jobID string) (*types.JobPosting, error)

	// DocumentsWithEmbedding 返回已向量化的文档池
	DocumentsWithEmbedding(ctx context.Context, limit int) ([]*types.CandidateDocument, error)

	// PersistMatches 原子地替换用户的匹配记录
	PersistMatches(ctx context.Context, userID int64, documentID string, results []types.MatchResult) error

	// LatestMatchRunAt 返回用户最近一次匹配的时间，从未匹配时返回nil
	LatestMatchRunAt(ctx context.Context, userID int64) (*time.Time, error)

	// GetMatchesForUser 按分数降序返回已持久化的匹配结果
	GetMatchesForUser(ctx context.Context, userID int64, limit int) ([]types.MatchResult, error)
}

// Locker 同一用户匹配运行的跨进程互斥锁
// 生产环境由Redis的SETNX实现；获取失败返回空标识而不是错误
type Locker interface {
	// AcquireLock 尝试获取锁，成功返回持有者标识，锁被占用返回空字符串
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)

	// ReleaseLock 释放锁，只有持有者标识匹配时才会真正删除
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// matchLockTTL 匹配运行锁的过期时间，持有者崩溃后锁自动失效
const matchLockTTL = 5 * time.Minute

// RunResult 一次匹配运行的结果
type RunResult struct {
	// Skipped 结果仍然新鲜，本次未重算
	Skipped bool
	// PoolSize 参与相似度计算的岗位数
	PoolSize int
	// Matches 按分数降序的匹配结果
	Matches []types.MatchResult
}

// Orchestrator 匹配流程编排器
// 查询向量来自用户最新文档，偏好谓词先收缩岗位池，再做相似度搜索，
// 结果原子落库
type Orchestrator struct {
	store     MatchStore
	searcher  *similarity.Searcher
	index     similarity.Index
	locker    Locker
	minScore  float64
	limit     int
	freshness time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// Option 编排器构造选项
type Option func(*Orchestrator)

// WithIndex 启用ANN索引搜索路径
// 偏好里带列表过滤条件的请求仍走暴力搜索，索引只服务无过滤的查询
func WithIndex(index similarity.Index) Option {
	return func(o *Orchestrator) {
		o.index = index
	}
}

// WithLocker 启用跨进程的匹配运行互斥
// 批量刷新和事件触发可能同时落在同一用户上，锁保证同一时刻只算一次
func WithLocker(locker Locker) Option {
	return func(o *Orchestrator) {
		o.locker = locker
	}
}

// WithClock 注入时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// NewOrchestrator 创建匹配编排器
func NewOrchestrator(store MatchStore, searcher *similarity.Searcher, minScore float64, limit int, freshness time.Duration, logger zerolog.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store不能为空")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher不能为空")
	}
	if minScore < 0 || minScore > 1 {
		return nil, fmt.Errorf("minScore必须在[0,1]区间: %f", minScore)
	}
	if limit <= 0 {
		limit = constants.DefaultMatchLimit
	}
	if freshness <= 0 {
		freshness = constants.DefaultMatchFreshness
	}

	o := &Orchestrator{
		store:     store,
		searcher:  searcher,
		minScore:  minScore,
		limit:     limit,
		freshness: freshness,
		logger:    logger.With().Str("component", "match_orchestrator").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// roundScore 分数四舍五入到4位小数，落库前统一精度
func roundScore(s float64) float64 {
	return math.Round(s*10000) / 10000
}

// RefreshMatchesForUser 为用户重算并持久化匹配结果
// force为false且上次结果仍在新鲜度窗口内时跳过重算；
// 持久化是全有或全无的，失败时保留旧结果
func (o *Orchestrator) RefreshMatchesForUser(ctx context.Context, userID int64, force bool) (*RunResult, error) {
	ctx, span := matchTracer.Start(ctx, "Orchestrator.RefreshMatchesForUser")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.Bool("force", force),
	)

	stage := StageNotStarted
	fail := func(err error) (*RunResult, error) {
		merr := newMatchError(stage, userID, err)
		span.RecordError(merr)
		span.SetStatus(codes.Error, merr.Error())
		return nil, merr
	}

	// 新鲜度检查：窗口内的结果直接复用
	if !force {
		lastRun, err := o.store.LatestMatchRunAt(ctx, userID)
		if err != nil {
			return fail(err)
		}
		if lastRun != nil && o.now().Sub(*lastRun) < o.freshness {
			span.SetAttributes(attribute.Bool("skipped", true))
			span.SetStatus(codes.Ok, "results still fresh")

			matches, err := o.store.GetMatchesForUser(ctx, userID, o.limit)
			if err != nil {
				return fail(err)
			}
			o.logger.Debug().
				Int64("user_id", userID).
				Time("last_run", *lastRun).
				Msg("match results still fresh, skipping recompute")
			return &RunResult{Skipped: true, Matches: matches}, nil
		}
	}

	// 跨进程互斥：同一用户已有运行在途时复用已有结果
	if o.locker != nil {
		lockKey := fmt.Sprintf(constants.KeyMatchRunLock, userID)
		token, err := o.locker.AcquireLock(ctx, lockKey, matchLockTTL)
		switch {
		case err != nil:
			// 锁服务故障时退化为无锁运行，重复计算好过不计算
			o.logger.Warn().Err(err).Int64("user_id", userID).Msg("match run lock unavailable, proceeding without lock")
		case token == "":
			span.SetAttributes(attribute.Bool("lock_contended", true))
			span.SetStatus(codes.Ok, "concurrent run in progress")

			matches, err := o.store.GetMatchesForUser(ctx, userID, o.limit)
			if err != nil {
				return fail(err)
			}
			o.logger.Debug().Int64("user_id", userID).Msg("concurrent match run in progress, reusing persisted results")
			return &RunResult{Skipped: true, Matches: matches}, nil
		default:
			defer func() {
				// 运行超时被取消后仍要释放锁，否则要等TTL过期
				if _, err := o.locker.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
					o.logger.Warn().Err(err).Int64("user_id", userID).Msg("failed to release match run lock")
				}
			}()
		}
	}

	stage = StageFetchingQuery
	doc, err := o.store.GetLatestDocument(ctx, userID)
	if err != nil {
		return fail(err)
	}
	if doc == nil {
		return fail(ErrNoDocument)
	}
	if !doc.HasEmbedding() {
		return fail(ErrNoEmbedding)
	}

	prefs, err := o.store.GetPreferences(ctx, userID)
	if err != nil {
		return fail(err)
	}

	stage = StageSearching
	scored, poolSize, err := o.search(ctx, doc.Embedding, prefs)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(
		attribute.Int("pool.size", poolSize),
		attribute.Int("match.count", len(scored)),
	)

	now := o.now()
	results := make([]types.MatchResult, len(scored))
	for i, s := range scored {
		results[i] = types.MatchResult{
			UserID:    userID,
			JobID:     s.ID,
			Score:     roundScore(s.Score),
			CreatedAt: now,
		}
	}

	stage = StagePersisting
	if err := o.store.PersistMatches(ctx, userID, doc.DocumentID, results); err != nil {
		return fail(err)
	}

	stage = StageDone
	span.SetStatus(codes.Ok, "")
	o.logger.Info().
		Int64("user_id", userID).
		Int("pool_size", poolSize).
		Int("matches", len(results)).
		Msg("refreshed matches")
	return &RunResult{PoolSize: poolSize, Matches: results}, nil
}

// search 执行相似度搜索，返回结果和岗位池大小
// 偏好不带列表过滤且有ANN索引时走索引，否则暴力搜索
func (o *Orchestrator) search(ctx context.Context, query []float64, prefs *types.Preferences) ([]similarity.Scored, int, error) {
	filter := types.FilterFromPreferences(prefs)

	if o.index != nil && filterIsEmpty(filter) {
		scored, err := o.index.Search(ctx, query, nil, o.minScore, o.limit)
		if err != nil {
			// 索引故障降级到暴力搜索，匹配不因Qdrant不可用而失败
			o.logger.Warn().Err(err).Msg("index search failed, falling back to brute force")
		} else {
			return scored, len(scored), nil
		}
	}

	pool, err := o.store.GetJobPool(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	items := make([]similarity.PoolItem, 0, len(pool))
	for _, job := range pool {
		items = append(items, similarity.PoolItem{ID: job.JobID, Vector: job.Embedding})
	}

	return o.searcher.Search(query, items, o.minScore, o.limit), len(pool), nil
}

// filterIsEmpty 判断过滤条件里是否没有任何谓词
func filterIsEmpty(f types.JobFilter) bool {
	return len(f.Locations) == 0 && len(f.Categories) == 0 &&
		len(f.JobTypes) == 0 && len(f.Seniorities) == 0
}

// FindCandidatesForJob 反向匹配：为岗位找出最相似的候选人文档
// 岗位没有向量时返回ErrNoEmbedding
func (o *Orchestrator) FindCandidatesForJob(ctx context.Context, jobID string, limit int) ([]types.ScoredDocument, error) {
	ctx, span := matchTracer.Start(ctx, "Orchestrator.FindCandidatesForJob")
	defer span.End()

	span.SetAttributes(attribute.String("job.id", jobID))

	job, err := o.store.GetJobByID(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if job == nil {
		err := fmt.Errorf("岗位不存在: %s", jobID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(job.Embedding) == 0 {
		span.RecordError(ErrNoEmbedding)
		span.SetStatus(codes.Error, ErrNoEmbedding.Error())
		return nil, fmt.Errorf("岗位 %s: %w", jobID, ErrNoEmbedding)
	}

	if limit <= 0 {
		limit = o.limit
	}

	docs, err := o.store.DocumentsWithEmbedding(ctx, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	items := make([]similarity.PoolItem, 0, len(docs))
	byID := make(map[string]*types.CandidateDocument, len(docs))
	for _, doc := range docs {
		items = append(items, similarity.PoolItem{ID: doc.DocumentID, Vector: doc.Embedding})
		byID[doc.DocumentID] = doc
	}

	scored := o.searcher.Search(job.Embedding, items, o.minScore, limit)

	results := make([]types.ScoredDocument, 0, len(scored))
	for _, s := range scored {
		results = append(results, types.ScoredDocument{
			Document: byID[s.ID],
			Score:    roundScore(s.Score),
		})
	}

	span.SetAttributes(
		attribute.Int("pool.size", len(docs)),
		attribute.Int("match.count", len(results)),
	)
	span.SetStatus(codes.Ok, "")
	return results, nil
}
