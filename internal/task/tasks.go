package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog"

	"cv-match-go/internal/config"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/extractor"
	"cv-match-go/internal/matching"
	"cv-match-go/internal/ratelimit"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/types"
)

// Store 后台任务需要的持久层能力
type Store interface {
	JobsMissingEmbedding(ctx context.Context, staleBefore time.Time, limit int) ([]*types.JobPosting, error)
	DocumentsMissingEmbedding(ctx context.Context, staleBefore time.Time, limit int) ([]*types.CandidateDocument, error)
	SaveJobEmbedding(ctx context.Context, jobID string, vector []float64) error
	SaveDocumentEmbedding(ctx context.Context, documentID string, vector []float64) error
	UsersForMatchRefresh(ctx context.Context, offset, limit int) ([]int64, error)
	ExpireJobs(ctx context.Context, now time.Time) ([]string, error)
	CreateDocument(ctx context.Context, doc *models.CandidateDocument) error
}

// Embedder 嵌入客户端接口
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Matcher 匹配编排器接口
type Matcher interface {
	RefreshMatchesForUser(ctx context.Context, userID int64, force bool) (*matching.RunResult, error)
}

// ObjectFetcher 对象存储下载接口
type ObjectFetcher interface {
	DownloadDocument(ctx context.Context, objectName string) ([]byte, error)
}

// Summary 一次批处理任务的统计
// 单条记录失败不中断批次，失败数记入Failed
type Summary struct {
	Processed int
	Updated   int
	Failed    int
}

// Tasks 后台任务集合
type Tasks struct {
	store     Store
	embedder  Embedder
	matcher   Matcher
	jobIndex  similarity.Index
	docIndex  similarity.Index
	objects   ObjectFetcher
	extractor extractor.Extractor
	cfg       config.TasksConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// TasksOption 任务集合构造选项
type TasksOption func(*Tasks)

// WithJobIndex 启用岗位向量的ANN索引同步
func WithJobIndex(index similarity.Index) TasksOption {
	return func(t *Tasks) { t.jobIndex = index }
}

// WithDocumentIndex 启用文档向量的ANN索引同步
func WithDocumentIndex(index similarity.Index) TasksOption {
	return func(t *Tasks) { t.docIndex = index }
}

// WithObjectStorage 启用简历文件下载，上传处理任务需要
func WithObjectStorage(objects ObjectFetcher) TasksOption {
	return func(t *Tasks) { t.objects = objects }
}

// WithExtractor 启用文本提取，上传处理任务需要
func WithExtractor(ext extractor.Extractor) TasksOption {
	return func(t *Tasks) { t.extractor = ext }
}

// WithTasksClock 注入时钟，测试用
func WithTasksClock(now func() time.Time) TasksOption {
	return func(t *Tasks) { t.now = now }
}

// NewTasks 创建后台任务集合
func NewTasks(store Store, embedder Embedder, matcher Matcher, cfg config.TasksConfig, logger zerolog.Logger, opts ...TasksOption) (*Tasks, error) {
	if store == nil {
		return nil, fmt.Errorf("store不能为空")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder不能为空")
	}
	if matcher == nil {
		return nil, fmt.Errorf("matcher不能为空")
	}

	t := &Tasks{
		store:    store,
		embedder: embedder,
		matcher:  matcher,
		cfg:      cfg,
		logger:   logger.With().Str("component", "tasks").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// retryableEmbedError 任务级的嵌入错误分类
// 服务商侧的瞬态错误之外，共享限流器的配额耗尽和计数存储不可用
// 也是瞬态的：窗口会重置、存储会恢复，值得退避后重试
func retryableEmbedError(err error) bool {
	return embedding.IsRetryable(err) ||
		errors.Is(err, ratelimit.ErrRateLimitExceeded) ||
		errors.Is(err, ratelimit.ErrLimiterUnavailable)
}

// embedWithRetry 带重试的嵌入调用，只重试瞬态错误
func (t *Tasks) embedWithRetry(ctx context.Context, text string) ([]float64, error) {
	var vector []float64
	err := WithRetry(ctx, t.cfg.Retry, t.logger, retryableEmbedError, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = t.embedder.Embed(ctx, text)
		return embedErr
	})
	return vector, err
}

// RefreshJobEmbeddings 为缺失或过期向量的岗位生成嵌入
// 单个岗位失败记入Failed后继续，批次不中断
func (t *Tasks) RefreshJobEmbeddings(ctx context.Context) (Summary, error) {
	staleBefore := t.now().Add(-t.cfg.EmbeddingFreshness())
	jobs, err := t.store.JobsMissingEmbedding(ctx, staleBefore, t.cfg.JobBatchSize)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++

		vector, err := t.embedWithRetry(ctx, job.EmbeddingText())
		if err != nil {
			summary.Failed++
			t.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to embed job")
			continue
		}
		if err := t.store.SaveJobEmbedding(ctx, job.JobID, vector); err != nil {
			summary.Failed++
			t.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to save job embedding")
			continue
		}

		if t.jobIndex != nil {
			payload := map[string]interface{}{
				"location": job.Location,
				"category": job.Category,
			}
			if err := t.jobIndex.Upsert(ctx, job.JobID, vector, payload); err != nil {
				// 索引是派生数据，同步失败不算岗位失败
				t.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to sync job vector to index")
			}
		}
		summary.Updated++
	}

	t.logger.Info().
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("failed", summary.Failed).
		Msg("job embedding refresh finished")
	return summary, nil
}

// RefreshDocumentEmbeddings 为缺失或过期向量的简历文档生成嵌入
func (t *Tasks) RefreshDocumentEmbeddings(ctx context.Context) (Summary, error) {
	staleBefore := t.now().Add(-t.cfg.EmbeddingFreshness())
	docs, err := t.store.DocumentsMissingEmbedding(ctx, staleBefore, t.cfg.DocumentBatchSize)
	if err != nil {
		return Summary{}, err
	}

	var summary Summary
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Processed++

		vector, err := t.embedWithRetry(ctx, doc.RawText)
		if err != nil {
			summary.Failed++
			t.logger.Error().Err(err).Str("document_id", doc.DocumentID).Msg("failed to embed document")
			continue
		}
		if err := t.store.SaveDocumentEmbedding(ctx, doc.DocumentID, vector); err != nil {
			summary.Failed++
			t.logger.Error().Err(err).Str("document_id", doc.DocumentID).Msg("failed to save document embedding")
			continue
		}

		if t.docIndex != nil {
			payload := map[string]interface{}{
				"user_id": doc.UserID,
			}
			if err := t.docIndex.Upsert(ctx, doc.DocumentID, vector, payload); err != nil {
				t.logger.Warn().Err(err).Str("document_id", doc.DocumentID).Msg("failed to sync document vector to index")
			}
		}
		summary.Updated++
	}

	t.logger.Info().
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("failed", summary.Failed).
		Msg("document embedding refresh finished")
	return summary, nil
}

// RefreshUserMatches 分批为所有持有简历的用户刷新匹配结果
// 页内并发执行，并发度由配置控制；没有文档或向量的用户算跳过不算失败
func (t *Tasks) RefreshUserMatches(ctx context.Context) (Summary, error) {
	concurrency := t.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	batch := t.cfg.UserBatchSize
	if batch <= 0 {
		batch = 50
	}

	var (
		summary Summary
		mu      sync.Mutex
	)

	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		users, err := t.store.UsersForMatchRefresh(ctx, offset, batch)
		if err != nil {
			return summary, err
		}
		if len(users) == 0 {
			break
		}

		sem := make(chan struct{}, concurrency)
		var wg sync.WaitGroup
		for _, userID := range users {
			wg.Add(1)
			sem <- struct{}{}
			go func(userID int64) {
				defer wg.Done()
				defer func() { <-sem }()

				result, err := t.matcher.RefreshMatchesForUser(ctx, userID, false)

				mu.Lock()
				defer mu.Unlock()
				summary.Processed++
				switch {
				case err == nil && !result.Skipped:
					summary.Updated++
				case err == nil:
					// 新鲜结果，跳过
				case errors.Is(err, matching.ErrNoDocument), errors.Is(err, matching.ErrNoEmbedding):
					// 还没有可用向量的用户不算失败，等下一轮
					t.logger.Debug().Int64("user_id", userID).Err(err).Msg("skipping user without usable document")
				default:
					summary.Failed++
					t.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to refresh matches")
				}
			}(userID)
		}
		wg.Wait()

		if len(users) < batch {
			break
		}
		offset += batch
	}

	t.logger.Info().
		Int("processed", summary.Processed).
		Int("updated", summary.Updated).
		Int("failed", summary.Failed).
		Msg("match refresh finished")
	return summary, nil
}

// CleanupExpiredJobs 过期岗位下线：标记EXPIRED、清理匹配记录、删除索引向量
func (t *Tasks) CleanupExpiredJobs(ctx context.Context) (Summary, error) {
	expired, err := t.store.ExpireJobs(ctx, t.now())
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Processed: len(expired), Updated: len(expired)}
	if t.jobIndex != nil {
		for _, jobID := range expired {
			if err := t.jobIndex.Delete(ctx, jobID); err != nil {
				t.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to delete job vector from index")
			}
		}
	}

	t.logger.Info().Int("expired", len(expired)).Msg("expired job cleanup finished")
	return summary, nil
}

// ProcessUploadedDocument 处理一份新上传的简历
// 下载、提取文本、落库、生成向量，最后强制刷新该用户的匹配结果
func (t *Tasks) ProcessUploadedDocument(ctx context.Context, event storage.DocumentUploadedEvent) error {
	if t.objects == nil || t.extractor == nil {
		return fmt.Errorf("上传处理任务需要对象存储和文本提取器")
	}

	data, err := t.objects.DownloadDocument(ctx, event.ObjectName)
	if err != nil {
		return fmt.Errorf("下载简历文件失败: %w", err)
	}

	text, err := t.extractor.ExtractText(ctx, data, event.Filename)
	if err != nil {
		return fmt.Errorf("提取简历文本失败: %w", err)
	}

	documentID := event.DocumentID
	if documentID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("生成文档ID失败: %w", err)
		}
		documentID = id.String()
	}

	skills := extractor.ExtractSkills(text)
	skillsJSON, err := models.MarshalSkills(skills)
	if err != nil {
		return fmt.Errorf("序列化技能列表失败: %w", err)
	}

	doc := &models.CandidateDocument{
		DocumentID:       documentID,
		UserID:           event.UserID,
		OriginalFilename: event.Filename,
		RawText:          text,
		SkillsJSON:       skillsJSON,
	}
	if err := t.store.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("保存简历文档失败: %w", err)
	}

	vector, err := t.embedWithRetry(ctx, text)
	if err != nil {
		// 文档已落库，向量留给周期任务补齐
		t.logger.Warn().Err(err).Str("document_id", documentID).Msg("embedding deferred to periodic refresh")
		return nil
	}
	if err := t.store.SaveDocumentEmbedding(ctx, documentID, vector); err != nil {
		return fmt.Errorf("保存文档向量失败: %w", err)
	}

	if t.docIndex != nil {
		payload := map[string]interface{}{"user_id": event.UserID}
		if err := t.docIndex.Upsert(ctx, documentID, vector, payload); err != nil {
			t.logger.Warn().Err(err).Str("document_id", documentID).Msg("failed to sync document vector to index")
		}
	}

	if _, err := t.matcher.RefreshMatchesForUser(ctx, event.UserID, true); err != nil {
		return fmt.Errorf("刷新用户匹配失败: %w", err)
	}

	t.logger.Info().
		Int64("user_id", event.UserID).
		Str("document_id", documentID).
		Int("skills", len(skills)).
		Msg("processed uploaded document")
	return nil
}
