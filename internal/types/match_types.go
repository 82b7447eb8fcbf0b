package types

import (
	"fmt"
	"strings"
	"time"
)

// JobType 表示岗位的工作类型
type JobType string

const (
	// JobTypeFullTime 全职
	JobTypeFullTime JobType = "FULL_TIME"
	// JobTypePartTime 兼职
	JobTypePartTime JobType = "PART_TIME"
	// JobTypeContract 合同工
	JobTypeContract JobType = "CONTRACT"
	// JobTypeInternship 实习
	JobTypeInternship JobType = "INTERNSHIP"
	// JobTypeRemote 远程
	JobTypeRemote JobType = "REMOTE"
)

// Seniority 表示岗位的资历级别
type Seniority string

const (
	// SeniorityJunior 初级
	SeniorityJunior Seniority = "JUNIOR"
	// SeniorityMid 中级
	SeniorityMid Seniority = "MID"
	// SenioritySenior 高级
	SenioritySenior Seniority = "SENIOR"
	// SeniorityLead 负责人/主管
	SeniorityLead Seniority = "LEAD"
	// SeniorityDirector 总监及以上
	SeniorityDirector Seniority = "DIRECTOR"
)

// validJobTypes 合法的工作类型集合
var validJobTypes = map[JobType]bool{
	JobTypeFullTime:   true,
	JobTypePartTime:   true,
	JobTypeContract:   true,
	JobTypeInternship: true,
	JobTypeRemote:     true,
}

// validSeniorities 合法的资历级别集合
var validSeniorities = map[Seniority]bool{
	SeniorityJunior:   true,
	SeniorityMid:      true,
	SenioritySenior:   true,
	SeniorityLead:     true,
	SeniorityDirector: true,
}

// SalaryRange 薪资范围，Min/Max为0表示不限
type SalaryRange struct {
	Min      int    `json:"min" yaml:"min"`
	Max      int    `json:"max" yaml:"max"`
	Currency string `json:"currency" yaml:"currency"`
}

// Preferences 用户求职偏好
// 原始数据来自外部表单，字段在进入匹配引擎前必须通过Validate校验，
// 避免把松散的键值数据带进核心流程
type Preferences struct {
	Locations   []string    `json:"locations"`
	Categories  []string    `json:"categories"`
	JobTypes    []JobType   `json:"job_types"`
	Seniorities []Seniority `json:"seniorities"`
	Salary      SalaryRange `json:"salary"`
	Skills      []string    `json:"skills"`
}

// Validate 校验偏好数据的合法性，在偏好进入系统的边界处调用
func (p *Preferences) Validate() error {
	for _, jt := range p.JobTypes {
		if !validJobTypes[jt] {
			return fmt.Errorf("非法的工作类型: %q", jt)
		}
	}
	for _, s := range p.Seniorities {
		if !validSeniorities[s] {
			return fmt.Errorf("非法的资历级别: %q", s)
		}
	}
	if p.Salary.Min < 0 || p.Salary.Max < 0 {
		return fmt.Errorf("薪资范围不能为负数: min=%d, max=%d", p.Salary.Min, p.Salary.Max)
	}
	if p.Salary.Max > 0 && p.Salary.Min > p.Salary.Max {
		return fmt.Errorf("薪资下限不能大于上限: min=%d, max=%d", p.Salary.Min, p.Salary.Max)
	}
	// 空白技能串没有匹配意义，直接剔除
	cleaned := p.Skills[:0]
	for _, sk := range p.Skills {
		if s := strings.TrimSpace(sk); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	p.Skills = cleaned
	return nil
}

// JobFilter 岗位池过滤条件，在相似度计算之前下推到存储层执行
type JobFilter struct {
	Locations   []string
	Categories  []string
	JobTypes    []JobType
	Seniorities []Seniority
	// OnlyEmbedded 为true时仅返回已有向量的岗位
	OnlyEmbedded bool
	// Limit 限制岗位池大小，0表示不限制
	Limit int
}

// FilterFromPreferences 将用户偏好转换为岗位池过滤条件
// 位置/类别等谓词过滤成本远低于相似度计算，应先收缩岗位池
func FilterFromPreferences(p *Preferences) JobFilter {
	f := JobFilter{OnlyEmbedded: true}
	if p == nil {
		return f
	}
	f.Locations = p.Locations
	f.Categories = p.Categories
	f.JobTypes = p.JobTypes
	f.Seniorities = p.Seniorities
	return f
}

// CandidateDocument 候选人简历文档
// 新简历生成新文档（不覆盖旧行），匹配引擎总是读取某用户最新创建的一份
type CandidateDocument struct {
	DocumentID       string
	UserID           int64
	OriginalFilename string
	RawText          string
	Skills           []string
	Embedding        []float64
	LastEmbeddedAt   *time.Time
	CreatedAt        time.Time
}

// HasEmbedding 判断文档是否已经生成向量
func (d *CandidateDocument) HasEmbedding() bool {
	return d != nil && len(d.Embedding) > 0
}

// JobPosting 岗位信息
type JobPosting struct {
	JobID              string
	Title              string
	CompanyName        string
	Location           string
	Category           string
	JobType            string
	Seniority          string
	Salary             string
	Description        string
	Requirements       string
	Status             string
	Embedding          []float64
	EmbeddingUpdatedAt *time.Time
	ExpiresAt          *time.Time
	CreatedAt          time.Time
}

// EmbeddingText 拼接用于向量化的岗位描述文本
// 字段顺序与线上已有向量保持一致，改动会导致全量向量失效
func (j *JobPosting) EmbeddingText() string {
	parts := []string{j.Title, j.CompanyName, j.Location, j.Description, j.Requirements}
	nonEmpty := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

// MatchResult 一条已排序的匹配结果
type MatchResult struct {
	UserID    int64
	JobID     string
	Score     float64
	CreatedAt time.Time
}

// ScoredDocument 简历文档及其相似度分数
type ScoredDocument struct {
	Document *CandidateDocument
	Score    float64
}
