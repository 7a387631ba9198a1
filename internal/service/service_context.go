package service

import (
	"context"
	"errors"

	"hpsweep/internal/config"

	"gorm.io/gorm"
)

type ServiceContext struct {
	Config *config.Config
	Store  *Store
}

func NewServiceContext(cfg *config.Config, db *gorm.DB) *ServiceContext {
	return &ServiceContext{
		Config: cfg,
		Store:  NewStore(db),
	}
}

// OpenStudy 按设置创建采样器和剪枝器，加入（或创建）名为 name 的 study
func (c *ServiceContext) OpenStudy(ctx context.Context, name, workerID, hostname string) (*Study, error) {
	sampler, err := NewSampler(c.Config.Sampler)
	if err != nil {
		return nil, err
	}
	pruner, err := NewPruner(c.Config.Pruner)
	if err != nil {
		return nil, err
	}
	return CreateStudy(ctx, c.Store, StudyOptions{
		Name:              name,
		Direction:         c.Config.Objective.Direction,
		Metric:            c.Config.Objective.Metric,
		Sampler:           sampler,
		Pruner:            pruner,
		WorkerID:          workerID,
		Hostname:          hostname,
		HeartbeatInterval: c.Config.Heartbeat.Interval,
		HeartbeatGrace:    c.Config.Heartbeat.Grace,
		LoadIfExists:      true,
	})
}

// NewExperiment 按设置中的 command 创建实验
func (c *ServiceContext) NewExperiment() (Experiment, error) {
	if len(c.Config.Command) == 0 {
		return nil, errors.New("sweep 设置中没有 command，无法运行实验")
	}
	return &CommandExperiment{Command: c.Config.Command}, nil
}
