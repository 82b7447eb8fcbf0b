package matching

import (
	"errors"
	"fmt"
)

// 匹配流程的基础错误类型
var (
	// ErrNoDocument 用户没有任何简历文档
	ErrNoDocument = errors.New("用户没有简历文档")
	// ErrNoEmbedding 文档尚未生成向量
	ErrNoEmbedding = errors.New("简历文档尚未生成向量")
)

// Stage 匹配流程的阶段
type Stage string

const (
	// StageNotStarted 未开始
	StageNotStarted Stage = "NOT_STARTED"
	// StageFetchingQuery 获取查询向量
	StageFetchingQuery Stage = "FETCHING_QUERY"
	// StageSearching 相似度搜索
	StageSearching Stage = "SEARCHING"
	// StagePersisting 结果持久化
	StagePersisting Stage = "PERSISTING"
	// StageDone 完成
	StageDone Stage = "DONE"
)

// MatchError 带阶段信息的匹配错误
// 调用方通过Stage定位失败环节，通过errors.Is检查底层原因
type MatchError struct {
	Stage  Stage
	UserID int64
	Err    error
}

// Error 实现error接口
func (e *MatchError) Error() string {
	return fmt.Sprintf("匹配失败 [阶段=%s, 用户=%d]: %v", e.Stage, e.UserID, e.Err)
}

// Unwrap 返回底层错误，支持errors.Is/As链式检查
func (e *MatchError) Unwrap() error {
	return e.Err
}

// newMatchError 构造带阶段的匹配错误
func newMatchError(stage Stage, userID int64, err error) *MatchError {
	return &MatchError{Stage: stage, UserID: userID, Err: err}
}
