package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"cv-match-go/internal/config"
)

// Storage 存储管理器，聚合所有存储相关依赖
type Storage struct {
	// 对象存储
	MinIO *MinIO

	// 消息队列
	RabbitMQ *RabbitMQ

	// 岗位与简历文档各用一个向量集合
	JobIndex      *Qdrant
	DocumentIndex *Qdrant

	// 关系型数据库
	MySQL *MySQL

	// 键值存储
	Redis *Redis
}

// NewStorage 创建存储管理器
// MySQL和Redis是硬依赖，初始化失败直接报错；
// MinIO/RabbitMQ/Qdrant未配置时对应字段为nil，调用方降级处理
func NewStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}

	s := &Storage{}
	var err error

	s.MySQL, err = NewMySQL(&cfg.MySQL)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL失败: %w", err)
	}

	s.Redis, err = NewRedisAdapter(&cfg.Redis)
	if err != nil {
		s.Close(logger)
		return nil, fmt.Errorf("初始化Redis失败: %w", err)
	}

	if cfg.MinIO.Endpoint != "" {
		s.MinIO, err = NewMinIO(&cfg.MinIO, logger)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("初始化MinIO失败: %w", err)
		}
	}

	if cfg.RabbitMQ.URL != "" {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("初始化RabbitMQ失败: %w", err)
		}
		if err := s.RabbitMQ.SetupMatchTopology(); err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("声明RabbitMQ拓扑失败: %w", err)
		}
	}

	if cfg.Qdrant.Endpoint != "" {
		s.JobIndex, err = NewQdrant(&cfg.Qdrant, cfg.Qdrant.JobCollection)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("初始化岗位向量集合失败: %w", err)
		}
		s.DocumentIndex, err = NewQdrant(&cfg.Qdrant, cfg.Qdrant.DocumentCollection)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("初始化文档向量集合失败: %w", err)
		}
	}

	logger.Info().
		Bool("minio", s.MinIO != nil).
		Bool("rabbitmq", s.RabbitMQ != nil).
		Bool("qdrant", s.JobIndex != nil).
		Msg("storage initialized")
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close(logger zerolog.Logger) {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close rabbitmq connection")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close mysql connection")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close redis connection")
		}
	}
	// Qdrant和MinIO的HTTP客户端不需要显式关闭
}
