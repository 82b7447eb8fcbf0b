package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"cv-match-go/internal/constants"
)

// Limiter 嵌入调用方使用的限流器接口
type Limiter interface {
	// Acquire 申请一个配额，配额耗尽或存储故障时返回错误
	Acquire(ctx context.Context, identity string) error
}

// Client 带校验和限流的嵌入客户端
// 所有通往服务商的调用必须经过这里：先清洗校验输入，再过共享限流器，
// 最后校验返回向量的维度
type Client struct {
	embedder   TextEmbedder
	limiter    Limiter
	counter    TokenCounter
	dimensions int
	maxTokens  int
	identity   string
	logger     zerolog.Logger
}

// ClientOption 客户端构造选项
type ClientOption func(*Client)

// WithIdentity 覆盖限流身份标识，默认为embedding-provider
func WithIdentity(identity string) ClientOption {
	return func(c *Client) {
		c.identity = identity
	}
}

// NewClient 创建嵌入客户端
func NewClient(embedder TextEmbedder, limiter Limiter, counter TokenCounter, dimensions, maxTokens int, logger zerolog.Logger, opts ...ClientOption) (*Client, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder不能为空")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter不能为空")
	}
	if counter == nil {
		return nil, fmt.Errorf("token计数器不能为空")
	}
	if dimensions <= 0 {
		dimensions = constants.DefaultEmbeddingDimensions
	}
	if maxTokens <= 0 {
		maxTokens = constants.DefaultMaxEmbeddingTokens
	}

	c := &Client{
		embedder:   embedder,
		limiter:    limiter,
		counter:    counter,
		dimensions: dimensions,
		maxTokens:  maxTokens,
		identity:   constants.EmbeddingProviderIdentity,
		logger:     logger.With().Str("component", "embedding_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Dimensions 返回配置的向量维度
func (c *Client) Dimensions() int {
	return c.dimensions
}

// cleanText 清洗文本：换行转空格后去掉首尾空白
func cleanText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
}

// validateText 校验文本非空且在token预算内，返回清洗后的文本
func (c *Client) validateText(text string) (string, error) {
	cleaned := cleanText(text)
	if cleaned == "" {
		return "", ErrEmptyText
	}

	tokens := c.counter.Count(cleaned)
	if tokens > c.maxTokens {
		return "", fmt.Errorf("%w: %d tokens, 上限 %d", ErrTextTooLong, tokens, c.maxTokens)
	}
	return cleaned, nil
}

// Embed 为文本生成嵌入向量
// 限流失败立即返回而不阻塞等待，由调用方决定自己的退避策略；
// 返回向量的维度与配置不符时报ErrProviderContract而不是吞掉
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	cleaned, err := c.validateText(text)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Acquire(ctx, c.identity); err != nil {
		return nil, err
	}

	vectors, err := c.embedder.EmbedStrings(ctx, []string{cleaned})
	if err != nil {
		return nil, fmt.Errorf("生成嵌入向量失败: %w", err)
	}

	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: 期望1条向量, 实际%d条", ErrProviderContract, len(vectors))
	}
	vector := vectors[0]
	if len(vector) != c.dimensions {
		return nil, fmt.Errorf("%w: 期望维度%d, 实际%d", ErrProviderContract, c.dimensions, len(vector))
	}

	c.logger.Debug().
		Int("text_length", len(cleaned)).
		Int("dimensions", len(vector)).
		Msg("generated embedding")
	return vector, nil
}

// HealthCheck 对服务商做一次轻量探活
// 只返回布尔存活状态，从不抛错，供启动检查和周期性自检使用
func (c *Client) HealthCheck(ctx context.Context) bool {
	if _, err := c.Embed(ctx, "health check"); err != nil {
		c.logger.Warn().Err(err).Msg("embedding provider health check failed")
		return false
	}
	return true
}
