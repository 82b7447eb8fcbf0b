package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"cv-match-go/internal/config"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/types"
)

var mysqlTracer = otel.Tracer("cv-match-go/storage/mysql")

// GormTracingPlugin GORM插件，为数据库操作生成OpenTelemetry span
type GormTracingPlugin struct {
	tracer   trace.Tracer
	dbName   string
	dbSystem string
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

type gormSpanKey struct{}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		newCtx, span := p.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)

		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// 记录不存在属于正常业务流，不算错误
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:   mysqlTracer,
		dbName:   dbName,
		dbSystem: "mysql",
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端并自动迁移表结构
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	// 迁移期间关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.CandidateDocument{},
		&models.JobPosting{},
		&models.MatchRecord{},
		&models.UserPreference{},
	)
	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// CreateDocument 插入一份新的简历文档
// 每次上传都是新行，不覆盖用户已有文档
func (m *MySQL) CreateDocument(ctx context.Context, doc *models.CandidateDocument) error {
	if err := m.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("插入简历文档失败: %w", err)
	}
	return nil
}

// GetLatestDocument 获取某用户created_at最新的一份简历文档
// 用户没有任何文档时返回(nil, nil)
func (m *MySQL) GetLatestDocument(ctx context.Context, userID int64) (*types.CandidateDocument, error) {
	var row models.CandidateDocument
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户最新文档失败: %w", err)
	}
	return row.ToDomain()
}

// SaveDocumentEmbedding 保存文档向量并刷新last_embedded_at
func (m *MySQL) SaveDocumentEmbedding(ctx context.Context, documentID string, vector []float64) error {
	data, err := models.MarshalVector(vector)
	if err != nil {
		return err
	}
	now := time.Now()
	result := m.db.WithContext(ctx).Model(&models.CandidateDocument{}).
		Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"embedding":        data,
			"last_embedded_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("保存文档向量失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("文档不存在: %s", documentID)
	}
	return nil
}

// SaveJobEmbedding 保存岗位向量并刷新embedding_updated_at
func (m *MySQL) SaveJobEmbedding(ctx context.Context, jobID string, vector []float64) error {
	data, err := models.MarshalVector(vector)
	if err != nil {
		return err
	}
	now := time.Now()
	result := m.db.WithContext(ctx).Model(&models.JobPosting{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"embedding":            data,
			"embedding_updated_at": &now,
		})
	if result.Error != nil {
		return fmt.Errorf("保存岗位向量失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("岗位不存在: %s", jobID)
	}
	return nil
}

// GetJobByID 通过JobID获取岗位
func (m *MySQL) GetJobByID(ctx context.Context, jobID string) (*types.JobPosting, error) {
	var row models.JobPosting
	err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询岗位失败: %w", err)
	}
	return row.ToDomain()
}

// GetJobPool 按过滤条件查询候选岗位池
// 谓词全部下推到SQL执行，只有过滤后的岗位才参与相似度计算
func (m *MySQL) GetJobPool(ctx context.Context, filter types.JobFilter) ([]*types.JobPosting, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.GetJobPool",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	q := m.db.WithContext(ctx).Model(&models.JobPosting{}).
		Where("status = ?", "ACTIVE").
		Where("expires_at IS NULL OR expires_at > ?", time.Now())

	if len(filter.Locations) > 0 {
		q = q.Where("location IN ?", filter.Locations)
	}
	if len(filter.Categories) > 0 {
		q = q.Where("category IN ?", filter.Categories)
	}
	if len(filter.JobTypes) > 0 {
		q = q.Where("job_type IN ?", filter.JobTypes)
	}
	if len(filter.Seniorities) > 0 {
		q = q.Where("seniority IN ?", filter.Seniorities)
	}
	if filter.OnlyEmbedded {
		q = q.Where("embedding IS NOT NULL")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []models.JobPosting
	if err := q.Find(&rows).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("查询岗位池失败: %w", err)
	}

	jobs := make([]*types.JobPosting, 0, len(rows))
	for i := range rows {
		job, err := rows[i].ToDomain()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		jobs = append(jobs, job)
	}

	span.SetAttributes(attribute.Int("pool.size", len(jobs)))
	span.SetStatus(codes.Ok, "")
	return jobs, nil
}

// JobsMissingEmbedding 分页查询缺失或过期向量的活跃岗位
func (m *MySQL) JobsMissingEmbedding(ctx context.Context, staleBefore time.Time, limit int) ([]*types.JobPosting, error) {
	q := m.db.WithContext(ctx).Model(&models.JobPosting{}).
		Where("status = ?", "ACTIVE").
		Where("embedding IS NULL OR embedding_updated_at < ?", staleBefore).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.JobPosting
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询缺失向量的岗位失败: %w", err)
	}

	jobs := make([]*types.JobPosting, 0, len(rows))
	for i := range rows {
		job, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DocumentsMissingEmbedding 分页查询缺失或过期向量的简历文档
// 只考虑每个用户最新的一份，旧文档不再消耗嵌入配额
func (m *MySQL) DocumentsMissingEmbedding(ctx context.Context, staleBefore time.Time, limit int) ([]*types.CandidateDocument, error) {
	sub := m.db.Model(&models.CandidateDocument{}).
		Select("user_id, MAX(created_at) AS max_created_at").
		Group("user_id")

	q := m.db.WithContext(ctx).Model(&models.CandidateDocument{}).
		Joins("JOIN (?) latest ON candidate_documents.user_id = latest.user_id AND candidate_documents.created_at = latest.max_created_at", sub).
		Where("candidate_documents.embedding IS NULL OR candidate_documents.last_embedded_at < ?", staleBefore).
		Order("candidate_documents.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.CandidateDocument
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询缺失向量的文档失败: %w", err)
	}

	docs := make([]*types.CandidateDocument, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// DocumentsWithEmbedding 返回每个用户最新且已有向量的简历文档
// 反向匹配(按岗位找候选人)的文档池
func (m *MySQL) DocumentsWithEmbedding(ctx context.Context, limit int) ([]*types.CandidateDocument, error) {
	sub := m.db.Model(&models.CandidateDocument{}).
		Select("user_id, MAX(created_at) AS max_created_at").
		Group("user_id")

	q := m.db.WithContext(ctx).Model(&models.CandidateDocument{}).
		Joins("JOIN (?) latest ON candidate_documents.user_id = latest.user_id AND candidate_documents.created_at = latest.max_created_at", sub).
		Where("candidate_documents.embedding IS NOT NULL")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.CandidateDocument
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询已向量化文档池失败: %w", err)
	}

	docs := make([]*types.CandidateDocument, 0, len(rows))
	for i := range rows {
		doc, err := rows[i].ToDomain()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// GetPreferences 获取用户求职偏好，没有记录时返回(nil, nil)
func (m *MySQL) GetPreferences(ctx context.Context, userID int64) (*types.Preferences, error) {
	var row models.UserPreference
	err := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询用户偏好失败: %w", err)
	}
	return row.ToDomain()
}

// SavePreferences 保存用户求职偏好，存在则整体覆盖
func (m *MySQL) SavePreferences(ctx context.Context, userID int64, prefs *types.Preferences) error {
	if prefs == nil {
		return fmt.Errorf("偏好不能为空")
	}
	if err := prefs.Validate(); err != nil {
		return err
	}
	data, err := models.MapToJSONValue(prefs)
	if err != nil {
		return err
	}
	row := models.UserPreference{UserID: userID, PreferencesJSON: data}
	err = m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferences_json"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("保存用户偏好失败: %w", err)
	}
	return nil
}

// CreateMatch 插入一条匹配记录
// (user_id, job_id)已存在时静默跳过，返回是否实际插入
func (m *MySQL) CreateMatch(ctx context.Context, record *models.MatchRecord) (bool, error) {
	result := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
		DoNothing: true,
	}).Create(record)
	if result.Error != nil {
		return false, fmt.Errorf("插入匹配记录失败: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// PersistMatches 原子地替换某用户的全部匹配记录
// 删除旧记录和插入新记录在同一事务内，失败时整体回滚，不留半套结果
func (m *MySQL) PersistMatches(ctx context.Context, userID int64, documentID string, results []types.MatchResult) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.PersistMatches",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.Int64("user.id", userID),
		attribute.Int("match.count", len(results)),
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.MatchRecord{}).Error; err != nil {
			return fmt.Errorf("删除旧匹配记录失败: %w", err)
		}
		if len(results) == 0 {
			return nil
		}

		rows := make([]models.MatchRecord, len(results))
		for i, r := range results {
			rows[i] = models.MatchRecord{
				UserID:     r.UserID,
				JobID:      r.JobID,
				Score:      r.Score,
				DocumentID: documentID,
			}
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
			DoNothing: true,
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("插入匹配记录失败: %w", err)
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetMatchesForUser 按分数降序返回某用户的匹配结果
func (m *MySQL) GetMatchesForUser(ctx context.Context, userID int64, limit int) ([]types.MatchResult, error) {
	q := m.db.WithContext(ctx).Model(&models.MatchRecord{}).
		Where("user_id = ?", userID).
		Order("score DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []models.MatchRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询用户匹配结果失败: %w", err)
	}

	results := make([]types.MatchResult, len(rows))
	for i, r := range rows {
		results[i] = types.MatchResult{
			UserID:    r.UserID,
			JobID:     r.JobID,
			Score:     r.Score,
			CreatedAt: r.CreatedAt,
		}
	}
	return results, nil
}

// LatestMatchRunAt 返回某用户最近一次匹配记录的创建时间
// 从未匹配过时返回nil
func (m *MySQL) LatestMatchRunAt(ctx context.Context, userID int64) (*time.Time, error) {
	var row models.MatchRecord
	err := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询最近匹配时间失败: %w", err)
	}
	return &row.CreatedAt, nil
}

// UsersForMatchRefresh 分页返回持有简历文档的用户ID列表
func (m *MySQL) UsersForMatchRefresh(ctx context.Context, offset, limit int) ([]int64, error) {
	var userIDs []int64
	q := m.db.WithContext(ctx).Model(&models.CandidateDocument{}).
		Distinct("user_id").
		Order("user_id ASC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("查询待刷新用户列表失败: %w", err)
	}
	return userIDs, nil
}

// ExpireJobs 将已过期的活跃岗位标记为EXPIRED并清理其匹配记录
// 返回本次处理的岗位ID，供调用方同步清理向量索引
func (m *MySQL) ExpireJobs(ctx context.Context, now time.Time) ([]string, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.ExpireJobs",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var expired []string
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.JobPosting{}).
			Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", "ACTIVE", now).
			Pluck("job_id", &expired).Error; err != nil {
			return fmt.Errorf("查询过期岗位失败: %w", err)
		}
		if len(expired) == 0 {
			return nil
		}

		if err := tx.Model(&models.JobPosting{}).
			Where("job_id IN ?", expired).
			Update("status", "EXPIRED").Error; err != nil {
			return fmt.Errorf("标记过期岗位失败: %w", err)
		}
		if err := tx.Where("job_id IN ?", expired).
			Delete(&models.MatchRecord{}).Error; err != nil {
			return fmt.Errorf("清理过期岗位匹配记录失败: %w", err)
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("expired.count", len(expired)))
	span.SetStatus(codes.Ok, "")
	return expired, nil
}
