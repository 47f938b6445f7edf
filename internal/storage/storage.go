package storage

import (
	"context"
	"fmt"

	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/config"
	"github.com/bakhytzhanjzz/smartbot-hacknu/internal/logger"
)

// Storage 聚合外部存储依赖。未配置或连接失败的组件为 nil，调用方据此降级。
type Storage struct {
	// 任务队列
	RabbitMQ *RabbitMQ

	// 关系型数据库
	MySQL      *MySQL
	Repository *Repository

	// 锁与事件频道
	Redis *Redis
}

// NewStorage 按配置初始化各组件，单个组件失败只记录警告
func NewStorage(ctx context.Context, cfg *config.Config) (*Storage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	s := &Storage{}
	var err error

	if cfg.MySQL.Host != "" {
		s.MySQL, err = NewMySQL(&cfg.MySQL)
		if err != nil {
			logger.Warn().Err(err).Msg("初始化MySQL失败，使用内存存储")
		} else {
			s.Repository = NewRepository(s.MySQL.DB())
		}
	}

	if cfg.Redis.Address != "" {
		s.Redis, err = NewRedisAdapter(&cfg.Redis)
		if err != nil {
			logger.Warn().Err(err).Str("address", cfg.Redis.Address).Msg("初始化Redis失败，使用进程内锁")
		}
	} else {
		logger.Info().Msg("Redis未配置，跳过初始化")
	}

	// RabbitMQ 依赖 outbox 表，只在 MySQL 可用时启用
	if cfg.RabbitMQ.URL != "" && s.Repository != nil {
		s.RabbitMQ, err = NewRabbitMQ(&cfg.RabbitMQ)
		if err == nil {
			err = s.RabbitMQ.SetupTopology()
		}
		if err != nil {
			logger.Warn().Err(err).Msg("初始化RabbitMQ失败，任务在进程内执行")
			if s.RabbitMQ != nil {
				s.RabbitMQ.Close()
				s.RabbitMQ = nil
			}
		}
	}

	if ctx.Err() != nil {
		s.Close()
		return nil, ctx.Err()
	}
	return s, nil
}

// Close 关闭所有连接
func (s *Storage) Close() {
	if s.RabbitMQ != nil {
		if err := s.RabbitMQ.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭RabbitMQ连接失败")
		}
	}
	if s.MySQL != nil {
		if err := s.MySQL.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭MySQL连接失败")
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn().Err(err).Msg("关闭Redis连接失败")
		}
	}
}
