package constants

import "time"

const (
	// EmbeddingProviderIdentity 嵌入服务商在限流器中的身份标识
	EmbeddingProviderIdentity = "embedding-provider"

	// DefaultEmbeddingDimensions 默认向量维度
	DefaultEmbeddingDimensions = 1536
	// DefaultMaxEmbeddingTokens 嵌入文本的token预算上限
	DefaultMaxEmbeddingTokens = 8191

	// DefaultMinSimilarity 默认的最低相似度阈值
	DefaultMinSimilarity = 0.7
	// DefaultMatchLimit 单次匹配运行最多保留的结果数
	DefaultMatchLimit = 50

	// DefaultMatchFreshness 匹配结果的新鲜度窗口，窗口内的重复运行直接跳过
	DefaultMatchFreshness = 24 * time.Hour
	// DefaultEmbeddingFreshness 向量的新鲜度窗口，窗口内的刷新任务为空操作
	DefaultEmbeddingFreshness = 24 * time.Hour

	// DefaultRateLimitWindow 限流窗口长度
	DefaultRateLimitWindow = time.Minute
	// DefaultRateLimitMax 每个窗口允许的最大请求数
	DefaultRateLimitMax = 60
)
