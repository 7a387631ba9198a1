package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"hpsweep/internal/cli"
	"hpsweep/internal/config"
	"hpsweep/internal/ctxlog"
	"hpsweep/internal/db"
	"hpsweep/internal/options"
	"hpsweep/internal/searchspace"
	"hpsweep/internal/service"
)

const (
	baseFile     = "base.yaml"
	tuneFile     = "tune.yaml"
	settingsFile = "sweep.yaml"
)

// loadSettings 读取 sweep 设置：--settings 指定的文件，或 CONFIG_ROOT/sweep.yaml（存在时），否则使用默认值
func loadSettings(opts *cli.Options) (*config.Config, error) {
	path := opts.Settings
	if path == "" {
		candidate := filepath.Join(opts.ConfigRoot, settingsFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	var cfg *config.Config
	if path == "" {
		def := config.Default()
		cfg = &def
	} else {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	opts.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sweep 设置无效: %w", err)
	}
	// 在创建 study 目录和数据库之前发现缺少训练命令
	if len(cfg.Command) == 0 {
		return nil, errors.New("sweep 设置中没有 command，无法运行实验")
	}
	return cfg, nil
}

// loadSearch 读取基础配置和搜索空间
func loadSearch(root string) (*options.Tree, *searchspace.Space, string, error) {
	base, err := options.Load(filepath.Join(root, baseFile))
	if err != nil {
		return nil, nil, "", fmt.Errorf("加载基础配置失败: %w", err)
	}
	experiment, ok := base.GetString("experiment")
	if !ok || experiment == "" {
		return nil, nil, "", fmt.Errorf("%s 缺少字符串字段 experiment", filepath.Join(root, baseFile))
	}

	tune, err := options.Load(filepath.Join(root, tuneFile))
	if err != nil {
		return nil, nil, "", fmt.Errorf("加载搜索空间失败: %w", err)
	}
	space, err := searchspace.Parse(tune)
	if err != nil {
		return nil, nil, "", fmt.Errorf("解析搜索空间失败: %w", err)
	}
	return base, space, experiment, nil
}

func runSweep(ctx context.Context, opts *cli.Options, now time.Time) error {
	cfg, err := loadSettings(opts)
	if err != nil {
		return err
	}
	base, space, experiment, err := loadSearch(opts.ConfigRoot)
	if err != nil {
		return err
	}

	layout, err := service.SelectLayout(service.LayoutRequest{
		ResultsDir: opts.ResultsDir,
		Group:      opts.Group,
		Append:     opts.Append,
		Experiment: experiment,
		Now:        now,
		Storage:    cfg.Storage,
	})
	if err != nil {
		return err
	}
	if err := layout.Prepare(); err != nil {
		return err
	}

	conn, err := db.InitDB(layout.StorageURL)
	if err != nil {
		return fmt.Errorf("初始化数据库失败: %w", err)
	}
	defer db.Close(conn)

	svcCtx := service.NewServiceContext(cfg, conn)
	exp, err := svcCtx.NewExperiment()
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	workerID := uuid.NewString()
	study, err := svcCtx.OpenStudy(ctx, layout.StudyName, workerID, hostname)
	if err != nil {
		return err
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("worker started",
		"study", study.Name(),
		"direction", study.Direction(),
		"study_dir", layout.StudyDir,
		"storage", layout.StorageURL,
		"worker", workerID,
		"max_trials", opts.MaxTrials,
		"params", space.Names(),
	)

	objective := service.NewObjective(base, space, layout.StudyDir, cfg.Objective.Metric, exp)
	optErr := study.Optimize(ctx, objective.Run, service.MaxTrials{N: opts.MaxTrials})
	if optErr != nil && !errors.Is(optErr, context.Canceled) {
		return optErr
	}

	// 被中断时也写出报告
	reportCtx := context.WithoutCancel(ctx)
	if err := writeReport(reportCtx, study, layout.StudyDir); err != nil {
		return err
	}
	if optErr != nil {
		return fmt.Errorf("worker 被中断: %w", optErr)
	}
	return nil
}

func writeReport(ctx context.Context, study *service.Study, studyDir string) error {
	logger := ctxlog.FromContext(ctx)

	sum, err := study.Store().Summarize(ctx, study.Model())
	if err != nil {
		return err
	}
	if sum.Best != nil {
		logger.Info("best trial",
			"number", sum.Best.Number,
			study.Metric(), sum.Best.Value,
			"params", sum.Best.Params,
		)
	} else {
		logger.Warn("no completed trials yet")
	}

	path, err := service.WriteSummary(studyDir, sum)
	if err != nil {
		return err
	}
	logger.Info("summary written", "path", path, "trials", sum.Total, "failure_rate", sum.Failures.Rate)
	return nil
}
