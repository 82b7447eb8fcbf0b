package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	einoembedding "github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"

	"cv-match-go/internal/config"
)

// TextEmbedder 文本向量化接口 (符合 cloudwego/eino 规范)
type TextEmbedder interface {
	// EmbedStrings 将一批文本转换为向量表示
	EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error)

	// GetDimensions 返回嵌入向量的维度
	GetDimensions() int
}

// OpenAIEmbedder 通过OpenAI兼容端点生成向量，实现 einoembedding.Embedder 接口
type OpenAIEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// 确保OpenAIEmbedder实现了TextEmbedder接口
var _ TextEmbedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder 创建OpenAI兼容端点的Embedder
func NewOpenAIEmbedder(cfg config.EmbeddingConfig, logger zerolog.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API密钥不能为空")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-ada-002"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1/embeddings"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &OpenAIEmbedder{
		apiKey:     cfg.APIKey,
		model:      model,
		dimensions: cfg.Dimensions,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "openai_embedder").Logger(),
	}, nil
}

// GetDimensions 返回嵌入器配置的维度
func (e *OpenAIEmbedder) GetDimensions() int {
	return e.dimensions
}

// embeddingRequest OpenAI兼容的Embedding请求结构
type embeddingRequest struct {
	Input      interface{} `json:"input"` // string 或 []string
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions,omitempty"`
}

// embeddingDataEntry 响应中的单条向量
type embeddingDataEntry struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

// embeddingUsage token用量
type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// embeddingAPIError API级错误
type embeddingAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// embeddingResponse OpenAI兼容的Embedding响应结构
type embeddingResponse struct {
	Object string               `json:"object"`
	Data   []embeddingDataEntry `json:"data"`
	Model  string               `json:"model"`
	Usage  embeddingUsage       `json:"usage"`
	Error  *embeddingAPIError   `json:"error,omitempty"`
}

// EmbedStrings 将文本转换为向量, 实现 cloudwego/eino embedding.Embedder 接口
// 错误按服务商语义映射为包内的基础错误类型，调用方据此决定是否重试
func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...einoembedding.Option) ([][]float64, error) {
	options := &einoembedding.Options{}
	einoembedding.GetCommonOptions(options, opts...)

	effectiveModel := e.model
	if options.Model != nil && *options.Model != "" {
		effectiveModel = *options.Model
	}

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	var input interface{}
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	reqBody := embeddingRequest{
		Input: input,
		Model: effectiveModel,
	}
	if e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		// 调用方放弃等待时必须带上上下文取消的语义，避免被归类为可重试超时
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, e.mapHTTPError(resp.StatusCode, body)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return nil, fmt.Errorf("%w: 类型=%s, 消息=%s", ErrProvider, parsed.Error.Type, parsed.Error.Message)
	}

	out := make([][]float64, len(parsed.Data))
	for i, entry := range parsed.Data {
		out[i] = entry.Embedding
	}

	e.logger.Debug().
		Int("texts", len(texts)).
		Int("prompt_tokens", parsed.Usage.PromptTokens).
		Msg("embedded texts")
	return out, nil
}

// mapHTTPError 把HTTP状态码映射为包内错误类型
func (e *OpenAIEmbedder) mapHTTPError(status int, body []byte) error {
	var apiErr embeddingAPIError
	detail := string(body)
	if wrapped := struct {
		Error *embeddingAPIError `json:"error"`
	}{}; json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
		apiErr = *wrapped.Error
		detail = apiErr.Message
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, detail)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: 状态码=%d", ErrProviderTimeout, status)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: 状态码=%d, %s", ErrInvalidInput, status, detail)
	default:
		return fmt.Errorf("%w: 状态码=%d, %s", ErrProvider, status, detail)
	}
}

// IsRetryable 判断嵌入相关错误是否值得重试
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrProviderTimeout),
		errors.Is(err, ErrProvider):
		return true
	default:
		return false
	}
}
