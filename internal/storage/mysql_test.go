package storage

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cv-match-go/internal/config"
	"cv-match-go/internal/storage/models"
	"cv-match-go/internal/types"
)

// setupTestMySQL 连接测试数据库，环境变量未设置时跳过
// 运行方式: MYSQL_TEST_HOST=localhost go test ./internal/storage/
func setupTestMySQL(t *testing.T) *MySQL {
	t.Helper()

	host := os.Getenv("MYSQL_TEST_HOST")
	if host == "" {
		t.Skip("MYSQL_TEST_HOST未设置, 跳过MySQL集成测试")
	}

	port := 3306
	if p := os.Getenv("MYSQL_TEST_PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		require.NoError(t, err)
		port = parsed
	}
	username := os.Getenv("MYSQL_TEST_USER")
	if username == "" {
		username = "root"
	}
	database := os.Getenv("MYSQL_TEST_DATABASE")
	if database == "" {
		database = "cvmatch_test"
	}

	m, err := NewMySQL(&config.MySQLConfig{
		Host:     host,
		Port:     port,
		Username: username,
		Password: os.Getenv("MYSQL_TEST_PASSWORD"),
		Database: database,
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// createTestJob 插入一条岗位并注册清理
func createTestJob(t *testing.T, m *MySQL) string {
	t.Helper()

	id, err := uuid.NewV7()
	require.NoError(t, err)
	jobID := id.String()

	job := models.JobPosting{
		JobID:       jobID,
		Title:       "后端工程师",
		Description: "负责匹配引擎开发",
		Status:      "ACTIVE",
	}
	require.NoError(t, m.DB().Create(&job).Error)
	t.Cleanup(func() {
		m.DB().Where("job_id = ?", jobID).Delete(&models.MatchRecord{})
		m.DB().Where("job_id = ?", jobID).Delete(&models.JobPosting{})
	})
	return jobID
}

func TestCreateMatchIdempotent(t *testing.T) {
	m := setupTestMySQL(t)
	ctx := context.Background()

	jobID := createTestJob(t, m)
	userID := time.Now().UnixNano()
	t.Cleanup(func() {
		m.DB().Where("user_id = ?", userID).Delete(&models.MatchRecord{})
	})

	record := &models.MatchRecord{
		UserID:     userID,
		JobID:      jobID,
		Score:      0.9123,
		DocumentID: "doc-1",
	}
	created, err := m.CreateMatch(ctx, record)
	require.NoError(t, err)
	assert.True(t, created)

	// 同一(user_id, job_id)再插一次必须静默跳过
	dup := &models.MatchRecord{
		UserID:     userID,
		JobID:      jobID,
		Score:      0.5,
		DocumentID: "doc-1",
	}
	created, err = m.CreateMatch(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	// 原有记录不受影响
	matches, err := m.GetMatchesForUser(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, jobID, matches[0].JobID)
	assert.InDelta(t, 0.9123, matches[0].Score, 1e-9)
}

func TestPersistMatchesReplacesAtomically(t *testing.T) {
	m := setupTestMySQL(t)
	ctx := context.Background()

	jobA := createTestJob(t, m)
	jobB := createTestJob(t, m)
	userID := time.Now().UnixNano()
	t.Cleanup(func() {
		m.DB().Where("user_id = ?", userID).Delete(&models.MatchRecord{})
	})

	require.NoError(t, m.PersistMatches(ctx, userID, "doc-1", []types.MatchResult{
		{UserID: userID, JobID: jobA, Score: 0.8},
	}))

	// 第二次运行整体替换第一次的结果
	require.NoError(t, m.PersistMatches(ctx, userID, "doc-2", []types.MatchResult{
		{UserID: userID, JobID: jobB, Score: 0.95},
	}))

	matches, err := m.GetMatchesForUser(ctx, userID, 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, jobB, matches[0].JobID)
}
