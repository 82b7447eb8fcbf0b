package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// 文本提取的基础错误类型
var (
	// ErrUnsupportedFormat 不支持的文件格式
	ErrUnsupportedFormat = errors.New("不支持的文件格式")
	// ErrExtractionFailed 文件格式受支持但提取失败
	ErrExtractionFailed = errors.New("提取文档文本失败")
)

// Extractor 文档文本提取接口
// 匹配引擎只消费这个窄接口，不关心底层解析器
type Extractor interface {
	// ExtractText 从文档字节流提取纯文本
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)
}

// DocumentExtractor 基于 Eino PDF Parser 的文本提取器
// 纯文本格式直接透传，PDF走eino解析
type DocumentExtractor struct {
	parser  *pdf.PDFParser
	timeout time.Duration
	logger  zerolog.Logger
}

// 确保DocumentExtractor实现了Extractor接口
var _ Extractor = (*DocumentExtractor)(nil)

// NewDocumentExtractor 创建文本提取器
// PDF解析配置为不按页面分割，获取整个文档的连续文本
func NewDocumentExtractor(ctx context.Context, logger zerolog.Logger) (*DocumentExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: false,
	})
	if err != nil {
		return nil, fmt.Errorf("创建Eino PDF parser失败: %w", err)
	}

	return &DocumentExtractor{
		parser:  p,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("component", "extractor").Logger(),
	}, nil
}

// ExtractText 从文档字节流提取纯文本
// 格式按文件扩展名判定；不认识的扩展名返回ErrUnsupportedFormat
func (e *DocumentExtractor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: 文件内容为空 (%s)", ErrExtractionFailed, filename)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return e.extractPDF(ctx, data, filename)
	case ".txt", ".md":
		return string(data), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// extractPDF 通过eino解析PDF并合并所有文档段的文本
func (e *DocumentExtractor) extractPDF(ctx context.Context, data []byte, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	docs, err := e.parser.Parse(ctx, bytes.NewReader(data),
		einoParser.WithURI(filename),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExtractionFailed, filename, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: %s: 解析无结果", ErrExtractionFailed, filename)
	}

	var sb strings.Builder
	for i, doc := range docs {
		sb.WriteString(doc.Content)
		if i < len(docs)-1 {
			sb.WriteString("\n\n")
		}
	}

	text := sb.String()
	e.logger.Debug().
		Str("filename", filename).
		Int("chars", len(text)).
		Dur("duration", time.Since(start)).
		Msg("extracted pdf text")
	return text, nil
}
