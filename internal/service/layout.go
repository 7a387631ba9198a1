package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hpsweep/internal/db"
)

// ErrInvalidStudyName 表示 --append 指定的 study 名不含实验名
var ErrInvalidStudyName = errors.New("invalid study name")

// DBFileName 每个结果目录（或分组目录）下共享数据库文件的名字
const DBFileName = "sweep.db"

// LayoutRequest 决定结果目录布局所需的输入
type LayoutRequest struct {
	ResultsDir string
	// 非空时多个配置目录的 study 共用 <ResultsDir>/<Group>/sweep.db
	Group string
	// 非空时加入这个已有的 study，而不是按日期新建
	Append     string
	Experiment string
	Now        time.Time
	// 显式指定的存储地址，只替换推导出的数据库
	Storage string
}

// Layout 一次运行的 study 名、输出目录和数据库位置
type Layout struct {
	StudyName  string
	StudyDir   string
	DBPath     string
	StorageURL string
}

// SelectLayout 计算 study 名和路径，不触碰文件系统
func SelectLayout(req LayoutRequest) (Layout, error) {
	if req.Experiment == "" {
		return Layout{}, errors.New("实验名不能为空")
	}
	name := req.Append
	if name == "" {
		name = req.Now.Format("2006Jan02") + "_" + req.Experiment
	} else if !strings.Contains(name, req.Experiment) {
		return Layout{}, fmt.Errorf("%w: %q 不包含实验名 %q", ErrInvalidStudyName, name, req.Experiment)
	}
	if strings.ContainsAny(name, `/\`) {
		return Layout{}, fmt.Errorf("%w: %q 不能包含路径分隔符", ErrInvalidStudyName, name)
	}

	resultsDir, err := filepath.Abs(req.ResultsDir)
	if err != nil {
		return Layout{}, err
	}

	var l Layout
	l.StudyName = name
	if req.Group != "" {
		groupDir := filepath.Join(resultsDir, req.Group)
		l.StudyDir = filepath.Join(groupDir, name)
		l.DBPath = filepath.Join(groupDir, DBFileName)
	} else {
		l.StudyDir = filepath.Join(resultsDir, name)
		l.DBPath = filepath.Join(l.StudyDir, DBFileName)
	}

	if req.Storage != "" {
		l.DBPath = ""
		l.StorageURL = req.Storage
	} else {
		l.StorageURL = db.SQLiteURL(l.DBPath)
	}
	return l, nil
}

// Prepare 创建 study 目录和数据库所在目录
func (l Layout) Prepare() error {
	if err := os.MkdirAll(l.StudyDir, 0o755); err != nil {
		return fmt.Errorf("创建 study 目录失败: %w", err)
	}
	if l.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.DBPath), 0o755); err != nil {
			return fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}
	return nil
}
