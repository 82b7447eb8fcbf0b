package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-match-go/internal/config"
	"cv-match-go/internal/embedding"
	"cv-match-go/internal/matching"
	"cv-match-go/internal/ratelimit"
	"cv-match-go/internal/similarity"
	"cv-match-go/internal/storage"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/types"
)

// fakeTaskStore 内存版Store
type fakeTaskStore struct {
	mu            sync.Mutex
	jobs          []*types.JobPosting
	docs          []*types.CandidateDocument
	users         []int64
	expired       []string
	savedJobVecs  map[string][]float64
	savedDocVecs  map[string][]float64
	createdDocs   []*models.CandidateDocument
	saveJobErrFor string
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{
		savedJobVecs: make(map[string][]float64),
		savedDocVecs: make(map[string][]float64),
	}
}

func (f *fakeTaskStore) JobsMissingEmbedding(_ context.Context, _ time.Time, limit int) ([]*types.JobPosting, error) {
	if limit > 0 && len(f.jobs) > limit {
		return f.jobs[:limit], nil
	}
	return f.jobs, nil
}

func (f *fakeTaskStore) DocumentsMissingEmbedding(_ context.Context, _ time.Time, limit int) ([]*types.CandidateDocument, error) {
	if limit > 0 && len(f.docs) > limit {
		return f.docs[:limit], nil
	}
	return f.docs, nil
}

func (f *fakeTaskStore) SaveJobEmbedding(_ context.Context, jobID string, vector []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID == f.saveJobErrFor {
		return errors.New("db error")
	}
	f.savedJobVecs[jobID] = vector
	return nil
}

func (f *fakeTaskStore) SaveDocumentEmbedding(_ context.Context, documentID string, vector []float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedDocVecs[documentID] = vector
	return nil
}

func (f *fakeTaskStore) UsersForMatchRefresh(_ context.Context, offset, limit int) ([]int64, error) {
	if offset >= len(f.users) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.users) {
		end = len(f.users)
	}
	return f.users[offset:end], nil
}

func (f *fakeTaskStore) ExpireJobs(_ context.Context, _ time.Time) ([]string, error) {
	return f.expired, nil
}

func (f *fakeTaskStore) CreateDocument(_ context.Context, doc *models.CandidateDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdDocs = append(f.createdDocs, doc)
	return nil
}

// fakeTaskEmbedder 按文本内容决定成败的嵌入器
// transientLeft > 0 时前若干次调用返回transientErr，之后恢复正常
type fakeTaskEmbedder struct {
	mu            sync.Mutex
	failFor       string
	transientErr  error
	transientLeft int
	calls         int
}

func (f *fakeTaskEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.transientLeft > 0 {
		f.transientLeft--
		return nil, f.transientErr
	}
	if f.failFor != "" && text == f.failFor {
		return nil, fmt.Errorf("embedding provider error")
	}
	return []float64{1, 0, 0}, nil
}

// fakeMatcher 记录调用的匹配器
type fakeMatcher struct {
	mu        sync.Mutex
	errFor    map[int64]error
	skipFor   map[int64]bool
	refreshed []int64
	forced    []bool
}

func (f *fakeMatcher) RefreshMatchesForUser(_ context.Context, userID int64, force bool) (*matching.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, userID)
	f.forced = append(f.forced, force)
	if err, ok := f.errFor[userID]; ok {
		return nil, err
	}
	return &matching.RunResult{Skipped: f.skipFor[userID]}, nil
}

// recordingIndex 记录操作的ANN索引
type recordingIndex struct {
	mu       sync.Mutex
	upserted []string
	deleted  []string
}

func (r *recordingIndex) Upsert(_ context.Context, id string, _ []float64, _ map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserted = append(r.upserted, id)
	return nil
}

func (r *recordingIndex) Search(context.Context, []float64, map[string]interface{}, float64, int) ([]similarity.Scored, error) {
	return nil, nil
}

func (r *recordingIndex) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
	return nil
}

func testTasksConfig() config.TasksConfig {
	return config.TasksConfig{
		JobBatchSize:            100,
		DocumentBatchSize:       50,
		UserBatchSize:           50,
		Concurrency:             4,
		EmbeddingFreshnessHours: 24,
		Retry:                   config.RetryConfig{MaxAttempts: 1, BaseDelayMS: 1, MaxDelayMS: 2},
	}
}

func TestRefreshJobEmbeddingsBatchResilience(t *testing.T) {
	store := newFakeTaskStore()
	for i := 0; i < 10; i++ {
		store.jobs = append(store.jobs, &types.JobPosting{
			JobID: fmt.Sprintf("job-%d", i),
			Title: fmt.Sprintf("title-%d", i),
		})
	}

	// 第3个岗位的文本嵌入失败
	embedder := &fakeTaskEmbedder{failFor: "title-3"}

	tasks, err := NewTasks(store, embedder, &fakeMatcher{}, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshJobEmbeddings(context.Background())
	require.NoError(t, err)

	// 单条失败不中断批次
	assert.Equal(t, 10, summary.Processed)
	assert.Equal(t, 9, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, store.savedJobVecs, 9)
	assert.NotContains(t, store.savedJobVecs, "job-3")
}

func TestRefreshJobEmbeddingsRetriesSharedLimiterRejection(t *testing.T) {
	store := newFakeTaskStore()
	store.jobs = []*types.JobPosting{{JobID: "job-1", Title: "title-1"}}

	// 共享限流器拒绝一次后放行，任务级重试必须把这条岗位做完
	embedder := &fakeTaskEmbedder{
		transientErr:  fmt.Errorf("acquire quota: %w", ratelimit.ErrRateLimitExceeded),
		transientLeft: 1,
	}

	cfg := testTasksConfig()
	cfg.Retry.MaxAttempts = 3
	tasks, err := NewTasks(store, embedder, &fakeMatcher{}, cfg, zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshJobEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Updated: 1, Failed: 0}, summary)
	assert.Equal(t, 2, embedder.calls)
	assert.Contains(t, store.savedJobVecs, "job-1")
}

func TestRefreshJobEmbeddingsRetriesLimiterStoreOutage(t *testing.T) {
	store := newFakeTaskStore()
	store.jobs = []*types.JobPosting{{JobID: "job-1", Title: "title-1"}}

	// 计数存储不可用是瞬态的，恢复后重试成功
	embedder := &fakeTaskEmbedder{
		transientErr:  fmt.Errorf("acquire quota: %w", ratelimit.ErrLimiterUnavailable),
		transientLeft: 2,
	}

	cfg := testTasksConfig()
	cfg.Retry.MaxAttempts = 3
	tasks, err := NewTasks(store, embedder, &fakeMatcher{}, cfg, zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshJobEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Updated: 1, Failed: 0}, summary)
	assert.Equal(t, 3, embedder.calls)
}

func TestRetryableEmbedErrorClassification(t *testing.T) {
	// 瞬态：服务商限流/超时/5xx，共享限流器拒绝，计数存储故障
	assert.True(t, retryableEmbedError(embedding.ErrRateLimited))
	assert.True(t, retryableEmbedError(embedding.ErrProviderTimeout))
	assert.True(t, retryableEmbedError(fmt.Errorf("wrap: %w", ratelimit.ErrRateLimitExceeded)))
	assert.True(t, retryableEmbedError(fmt.Errorf("wrap: %w", ratelimit.ErrLimiterUnavailable)))

	// 永久：输入校验和服务商契约问题，重试不会变好
	assert.False(t, retryableEmbedError(embedding.ErrEmptyText))
	assert.False(t, retryableEmbedError(embedding.ErrTextTooLong))
	assert.False(t, retryableEmbedError(embedding.ErrProviderContract))
	assert.False(t, retryableEmbedError(nil))
}

func TestRefreshJobEmbeddingsSaveFailureCounted(t *testing.T) {
	store := newFakeTaskStore()
	store.jobs = []*types.JobPosting{
		{JobID: "job-ok", Title: "ok"},
		{JobID: "job-bad", Title: "bad"},
	}
	store.saveJobErrFor = "job-bad"

	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, &fakeMatcher{}, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshJobEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Updated: 1, Failed: 1}, summary)
}

func TestRefreshDocumentEmbeddings(t *testing.T) {
	store := newFakeTaskStore()
	store.docs = []*types.CandidateDocument{
		{DocumentID: "doc-1", UserID: 1, RawText: "golang engineer"},
		{DocumentID: "doc-2", UserID: 2, RawText: "python engineer"},
	}

	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, &fakeMatcher{}, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshDocumentEmbeddings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Updated: 2, Failed: 0}, summary)
	assert.Len(t, store.savedDocVecs, 2)
}

func TestRefreshUserMatchesClassifiesOutcomes(t *testing.T) {
	store := newFakeTaskStore()
	store.users = []int64{1, 2, 3, 4}

	matcher := &fakeMatcher{
		errFor: map[int64]error{
			2: &matching.MatchError{Stage: matching.StageFetchingQuery, UserID: 2, Err: matching.ErrNoDocument},
			3: errors.New("db down"),
		},
		skipFor: map[int64]bool{4: true},
	}

	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, matcher, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshUserMatches(context.Background())
	require.NoError(t, err)

	// 用户1重算，用户2没有文档算跳过，用户3真实失败，用户4结果新鲜
	assert.Equal(t, 4, summary.Processed)
	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, matcher.refreshed, 4)
}

func TestRefreshUserMatchesPaginates(t *testing.T) {
	store := newFakeTaskStore()
	for i := int64(1); i <= 120; i++ {
		store.users = append(store.users, i)
	}

	matcher := &fakeMatcher{}
	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, matcher, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	summary, err := tasks.RefreshUserMatches(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 120, summary.Processed)
	assert.Len(t, matcher.refreshed, 120)
}

func TestCleanupExpiredJobsSyncsIndex(t *testing.T) {
	store := newFakeTaskStore()
	store.expired = []string{"job-1", "job-2"}

	index := &recordingIndex{}
	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, &fakeMatcher{}, testTasksConfig(), zerolog.Nop(),
		WithJobIndex(index))
	require.NoError(t, err)

	summary, err := tasks.CleanupExpiredJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, index.deleted)
}

// fakeObjects 内存对象存储
type fakeObjects struct {
	files map[string][]byte
}

func (f *fakeObjects) DownloadDocument(_ context.Context, objectName string) ([]byte, error) {
	data, ok := f.files[objectName]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", objectName)
	}
	return data, nil
}

// passthroughExtractor 直接返回字节内容的提取器
type passthroughExtractor struct{}

func (passthroughExtractor) ExtractText(_ context.Context, data []byte, _ string) (string, error) {
	return string(data), nil
}

func TestProcessUploadedDocument(t *testing.T) {
	store := newFakeTaskStore()
	objects := &fakeObjects{files: map[string][]byte{
		"documents/42/doc-1.txt": []byte("golang backend engineer"),
	}}
	matcher := &fakeMatcher{}

	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, matcher, testTasksConfig(), zerolog.Nop(),
		WithObjectStorage(objects),
		WithExtractor(passthroughExtractor{}))
	require.NoError(t, err)

	event := storage.DocumentUploadedEvent{
		UserID:     42,
		DocumentID: "doc-1",
		ObjectName: "documents/42/doc-1.txt",
		Filename:   "resume.txt",
	}
	require.NoError(t, tasks.ProcessUploadedDocument(context.Background(), event))

	// 文档落库并生成向量，技能从文本中识别
	require.Len(t, store.createdDocs, 1)
	assert.Equal(t, "golang backend engineer", store.createdDocs[0].RawText)
	assert.JSONEq(t, `["Go"]`, string(store.createdDocs[0].SkillsJSON))
	assert.Contains(t, store.savedDocVecs, "doc-1")

	// 强制刷新该用户的匹配
	require.Len(t, matcher.refreshed, 1)
	assert.Equal(t, int64(42), matcher.refreshed[0])
	assert.True(t, matcher.forced[0])
}

func TestProcessUploadedDocumentEmbedFailureDeferred(t *testing.T) {
	store := newFakeTaskStore()
	objects := &fakeObjects{files: map[string][]byte{
		"documents/42/doc-1.txt": []byte("unlucky text"),
	}}
	matcher := &fakeMatcher{}

	embedder := &fakeTaskEmbedder{failFor: "unlucky text"}
	tasks, err := NewTasks(store, embedder, matcher, testTasksConfig(), zerolog.Nop(),
		WithObjectStorage(objects),
		WithExtractor(passthroughExtractor{}))
	require.NoError(t, err)

	event := storage.DocumentUploadedEvent{
		UserID:     42,
		DocumentID: "doc-1",
		ObjectName: "documents/42/doc-1.txt",
		Filename:   "resume.txt",
	}

	// 嵌入失败不算处理失败，向量留给周期任务补齐
	require.NoError(t, tasks.ProcessUploadedDocument(context.Background(), event))
	require.Len(t, store.createdDocs, 1)
	assert.NotContains(t, store.savedDocVecs, "doc-1")
	assert.Empty(t, matcher.refreshed)
}

func TestProcessUploadedDocumentRequiresDeps(t *testing.T) {
	store := newFakeTaskStore()
	tasks, err := NewTasks(store, &fakeTaskEmbedder{}, &fakeMatcher{}, testTasksConfig(), zerolog.Nop())
	require.NoError(t, err)

	err = tasks.ProcessUploadedDocument(context.Background(), storage.DocumentUploadedEvent{})
	assert.Error(t, err)
}
