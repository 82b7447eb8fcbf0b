package embedding

import "errors"

// 嵌入服务的基础错误类型
// 调用方用errors.Is区分"换个输入也没用"和"稍后重试可能成功"两类失败
var (
	// ErrEmptyText 清洗后文本为空，属于输入错误，不可重试
	ErrEmptyText = errors.New("嵌入文本为空")

	// ErrTextTooLong 文本超出服务商token预算，不做静默截断，直接失败
	ErrTextTooLong = errors.New("嵌入文本超出token预算")

	// ErrProviderContract 服务商返回的向量维度/结构与配置不符
	// 属于配置或服务商契约问题而不是输入问题，不可重试，需要人工介入
	ErrProviderContract = errors.New("嵌入服务商返回与契约不符")

	// ErrRateLimited 服务商侧返回429
	ErrRateLimited = errors.New("嵌入服务商限流")

	// ErrProviderTimeout 请求服务商超时，可重试
	ErrProviderTimeout = errors.New("嵌入服务商请求超时")

	// ErrInvalidInput 服务商判定输入非法(4xx)，不可重试
	ErrInvalidInput = errors.New("嵌入服务商拒绝输入")

	// ErrProvider 服务商侧其他错误(5xx等)，可重试
	ErrProvider = errors.New("嵌入服务商错误")
)
