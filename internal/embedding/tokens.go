package embedding

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter 计算文本在服务商侧消耗的token数
// token预算校验必须基于token计数而不是字符数，否则中英混排文本会严重低估
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter 基于tiktoken的token计数器
type TiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenCounter 按模型名创建token计数器
// 未知模型回退到cl100k_base编码
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("初始化token编码器失败: %w", err)
		}
	}
	return &TiktokenCounter{encoding: enc}, nil
}

// Count 返回文本的token数
func (c *TiktokenCounter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}
