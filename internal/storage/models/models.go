package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"cv-match-go/internal/types"
)

// CandidateDocument 候选人简历文档表
// 每次上传生成新行，匹配时取同一用户created_at最新的一份
type CandidateDocument struct {
	DocumentID       string         `gorm:"type:char(36);primaryKey"`
	UserID           int64          `gorm:"not null;index:idx_cd_user_created,priority:1"`
	OriginalFilename string         `gorm:"type:varchar(255)"`
	RawText          string         `gorm:"type:mediumtext;not null"`
	SkillsJSON       datatypes.JSON `gorm:"type:json"`
	// 序列化后的嵌入向量，未生成时为NULL
	Embedding      []byte     `gorm:"type:mediumblob"`
	LastEmbeddedAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_cd_user_created,priority:2"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (CandidateDocument) TableName() string {
	return "candidate_documents"
}

// ToDomain 转换为领域对象
func (m *CandidateDocument) ToDomain() (*types.CandidateDocument, error) {
	doc := &types.CandidateDocument{
		DocumentID:       m.DocumentID,
		UserID:           m.UserID,
		OriginalFilename: m.OriginalFilename,
		RawText:          m.RawText,
		LastEmbeddedAt:   m.LastEmbeddedAt,
		CreatedAt:        m.CreatedAt,
	}
	if len(m.SkillsJSON) > 0 {
		if err := json.Unmarshal(m.SkillsJSON, &doc.Skills); err != nil {
			return nil, fmt.Errorf("反序列化文档技能列表失败: %w", err)
		}
	}
	if len(m.Embedding) > 0 {
		if err := json.Unmarshal(m.Embedding, &doc.Embedding); err != nil {
			return nil, fmt.Errorf("反序列化文档向量失败: %w", err)
		}
	}
	return doc, nil
}

// JobPosting 岗位信息表
type JobPosting struct {
	JobID        string `gorm:"type:char(36);primaryKey"`
	Title        string `gorm:"type:varchar(255);not null"`
	CompanyName  string `gorm:"type:varchar(255)"`
	Location     string `gorm:"type:varchar(255);index:idx_jp_location"`
	Category     string `gorm:"type:varchar(100);index:idx_jp_category"`
	JobType      string `gorm:"type:varchar(50)"`
	Seniority    string `gorm:"type:varchar(50)"`
	Salary       string `gorm:"type:varchar(100)"`
	Description  string `gorm:"type:text;not null"`
	Requirements string `gorm:"type:text"`
	Status       string `gorm:"type:varchar(50);default:'ACTIVE';index:idx_jp_status"`
	// 序列化后的嵌入向量，未生成时为NULL
	Embedding          []byte     `gorm:"type:mediumblob"`
	EmbeddingUpdatedAt *time.Time `gorm:"type:datetime(6)"`
	ExpiresAt          *time.Time `gorm:"type:datetime(6);index:idx_jp_expires_at"`
	CreatedAt          time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt          time.Time  `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (JobPosting) TableName() string {
	return "job_postings"
}

// ToDomain 转换为领域对象
func (m *JobPosting) ToDomain() (*types.JobPosting, error) {
	job := &types.JobPosting{
		JobID:              m.JobID,
		Title:              m.Title,
		CompanyName:        m.CompanyName,
		Location:           m.Location,
		Category:           m.Category,
		JobType:            m.JobType,
		Seniority:          m.Seniority,
		Salary:             m.Salary,
		Description:        m.Description,
		Requirements:       m.Requirements,
		Status:             m.Status,
		EmbeddingUpdatedAt: m.EmbeddingUpdatedAt,
		ExpiresAt:          m.ExpiresAt,
		CreatedAt:          m.CreatedAt,
	}
	if len(m.Embedding) > 0 {
		if err := json.Unmarshal(m.Embedding, &job.Embedding); err != nil {
			return nil, fmt.Errorf("反序列化岗位向量失败: %w", err)
		}
	}
	return job, nil
}

// MatchRecord 用户-岗位匹配结果表
// (user_id, job_id)唯一索引保证同一对只存在一条记录
type MatchRecord struct {
	MatchID    uint64    `gorm:"primaryKey;autoIncrement"`
	UserID     int64     `gorm:"not null;uniqueIndex:idx_mr_user_job_unique,priority:1;index:idx_mr_user_score,priority:1"`
	JobID      string    `gorm:"type:char(36);not null;uniqueIndex:idx_mr_user_job_unique,priority:2"`
	Score      float64   `gorm:"type:double;not null;index:idx_mr_user_score,priority:2"`
	DocumentID string    `gorm:"type:char(36);not null"`
	CreatedAt  time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`

	Job *JobPosting `gorm:"foreignKey:JobID;references:JobID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func (MatchRecord) TableName() string {
	return "match_records"
}

// UserPreference 用户求职偏好表，偏好内容以JSON整体存储
type UserPreference struct {
	UserID          int64          `gorm:"primaryKey"`
	PreferencesJSON datatypes.JSON `gorm:"type:json;not null"`
	UpdatedAt       time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (UserPreference) TableName() string {
	return "user_preferences"
}

// ToDomain 反序列化偏好内容
func (m *UserPreference) ToDomain() (*types.Preferences, error) {
	var p types.Preferences
	if err := json.Unmarshal(m.PreferencesJSON, &p); err != nil {
		return nil, fmt.Errorf("反序列化用户偏好失败: %w", err)
	}
	return &p, nil
}

// MarshalVector 将向量序列化为存储格式
func MarshalVector(vector []float64) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("向量不能为空")
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("序列化向量失败: %w", err)
	}
	return data, nil
}

// MapToJSONValue 将任意结构序列化为JSON列
func MapToJSONValue(v interface{}) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("序列化JSON列失败: %w", err)
	}
	return data, nil
}

// MarshalSkills 将技能列表序列化为JSON列
func MarshalSkills(skills []string) (datatypes.JSON, error) {
	if len(skills) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(skills)
	if err != nil {
		return nil, fmt.Errorf("序列化技能列表失败: %w", err)
	}
	return data, nil
}
