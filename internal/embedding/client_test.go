package embedding

import (
	"context"
	"strings"
	"testing"
	"time"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-match-go/internal/ratelimit"
)

// fakeEmbedder 模拟嵌入服务商
type fakeEmbedder struct {
	dimensions int
	err        error
	calls      int
	lastTexts  []string
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...einoembedding.Option) ([][]float64, error) {
	f.calls++
	f.lastTexts = texts
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		vec := make([]float64, f.dimensions)
		vec[0] = 1
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) GetDimensions() int { return f.dimensions }

// wordCounter 测试用的token计数器，按空白分词
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// allowAll 永不限流
type allowAll struct{}

func (allowAll) Acquire(context.Context, string) error { return nil }

func newTestClient(t *testing.T, embedder TextEmbedder, limiter Limiter, dims, maxTokens int) *Client {
	t.Helper()
	c, err := NewClient(embedder, limiter, wordCounter{}, dims, maxTokens, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestEmbedSuccess(t *testing.T) {
	f := &fakeEmbedder{dimensions: 1536}
	c := newTestClient(t, f, allowAll{}, 1536, 100)

	vec, err := c.Embed(context.Background(), "golang backend engineer")
	require.NoError(t, err)
	assert.Len(t, vec, 1536)
	assert.Equal(t, 1, f.calls)
}

func TestEmbedCleansText(t *testing.T) {
	f := &fakeEmbedder{dimensions: 4}
	c := newTestClient(t, f, allowAll{}, 4, 100)

	_, err := c.Embed(context.Background(), "  line one\nline two  ")
	require.NoError(t, err)
	require.Len(t, f.lastTexts, 1)
	assert.Equal(t, "line one line two", f.lastTexts[0])
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	f := &fakeEmbedder{dimensions: 4}
	c := newTestClient(t, f, allowAll{}, 4, 100)

	_, err := c.Embed(context.Background(), "   \n  ")
	assert.ErrorIs(t, err, ErrEmptyText)
	// 非法输入不应消耗服务商调用
	assert.Equal(t, 0, f.calls)
}

func TestEmbedRejectsTooLongText(t *testing.T) {
	f := &fakeEmbedder{dimensions: 4}
	c := newTestClient(t, f, allowAll{}, 4, 3)

	_, err := c.Embed(context.Background(), "one two three four five")
	assert.ErrorIs(t, err, ErrTextTooLong)
	assert.Equal(t, 0, f.calls)
}

func TestEmbedFailsFastOnRateLimit(t *testing.T) {
	store := ratelimit.NewMemoryCounterStore()
	limiter := ratelimit.NewFixedWindowLimiter(store, 1, time.Minute, zerolog.Nop())

	f := &fakeEmbedder{dimensions: 4}
	c := newTestClient(t, f, limiter, 4, 100)

	ctx := context.Background()
	_, err := c.Embed(ctx, "first call")
	require.NoError(t, err)

	// 第二次调用被限流，立即失败而不是阻塞等待
	_, err = c.Embed(ctx, "second call")
	assert.ErrorIs(t, err, ratelimit.ErrRateLimitExceeded)
	assert.Equal(t, 1, f.calls)
}

func TestEmbedDetectsDimensionMismatch(t *testing.T) {
	// 服务商返回的维度与配置(1536)不一致
	f := &fakeEmbedder{dimensions: 1024}
	c := newTestClient(t, f, allowAll{}, 1536, 100)

	_, err := c.Embed(context.Background(), "some text")
	assert.ErrorIs(t, err, ErrProviderContract)
}

func TestHealthCheck(t *testing.T) {
	ok := &fakeEmbedder{dimensions: 4}
	c := newTestClient(t, ok, allowAll{}, 4, 100)
	assert.True(t, c.HealthCheck(context.Background()))

	bad := &fakeEmbedder{dimensions: 4, err: ErrProvider}
	c2 := newTestClient(t, bad, allowAll{}, 4, 100)
	// 探活失败不抛错，只返回false
	assert.False(t, c2.HealthCheck(context.Background()))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrRateLimited))
	assert.True(t, IsRetryable(ErrProviderTimeout))
	assert.True(t, IsRetryable(ErrProvider))
	assert.False(t, IsRetryable(ErrEmptyText))
	assert.False(t, IsRetryable(ErrTextTooLong))
	assert.False(t, IsRetryable(ErrProviderContract))
	assert.False(t, IsRetryable(ErrInvalidInput))
	assert.False(t, IsRetryable(nil))
}
