package storage

import "time"

// MatchNeededEvent 请求为某个用户刷新匹配结果的事件
// 用户更新简历或偏好后发布，由匹配worker消费
type MatchNeededEvent struct {
	UserID int64 `json:"user_id"`
	// Force 为true时跳过新鲜度检查，强制重算
	Force       bool      `json:"force"`
	RequestedAt time.Time `json:"requested_at"`
}

// DocumentUploadedEvent 简历文件已上传到对象存储的事件
type DocumentUploadedEvent struct {
	UserID     int64     `json:"user_id"`
	DocumentID string    `json:"document_id"`
	ObjectName string    `json:"object_name"`
	Filename   string    `json:"filename"`
	UploadedAt time.Time `json:"uploaded_at"`
}
