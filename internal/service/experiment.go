package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"time"

	"hpsweep/internal/ctxlog"
)

// CommandExperiment 为每个 trial 启动一个训练进程：Command 后追加 trial 的 cfg.yaml 路径。
// 进程在 stdout 上每行输出一个 JSON 对象作为指标上报，必须含数值型的 step 或 epoch，
// 例如 {"epoch": 3, "acc": 0.81}；其他行按 debug 日志输出。
// trial 被剪枝或 ctx 被取消时进程会被杀掉。
type CommandExperiment struct {
	Command []string
	Dir     string
	// 额外的环境变量（KEY=VALUE）
	Env    []string
	Stderr io.Writer
	// 进程被杀掉后等待其输出管道关闭的最长时间
	WaitDelay time.Duration
}

// maxOutputLine 训练进程单行输出的上限
const maxOutputLine = 1024 * 1024

func (e *CommandExperiment) Run(ctx context.Context, run *TrialRun) error {
	if len(e.Command) == 0 {
		return errors.New("没有配置训练命令（command）")
	}
	logger := ctxlog.FromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := append(append([]string{}, e.Command[1:]...), run.ConfigPath)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Dir = e.Dir
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"HPSWEEP_STUDY="+run.Study,
		"HPSWEEP_TRIAL="+strconv.Itoa(run.Number),
		"HPSWEEP_CONFIG="+run.ConfigPath,
		"HPSWEEP_OUT_DIR="+run.OutDir,
	)
	cmd.Stderr = e.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动训练命令失败: %w", err)
	}

	var reportErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		step, metrics, ok := parseMetricLine(line)
		if !ok {
			logger.Debug("experiment output", "line", string(line))
			continue
		}
		if err := run.Report(step, metrics); err != nil {
			reportErr = err
			break
		}
	}
	scanErr := scanner.Err()
	if reportErr != nil || scanErr != nil {
		// 不再读 stdout：先杀掉进程，否则子进程写满管道后 Wait 永远不返回。
		// 例如单行超过 maxOutputLine 时 Scan 会提前结束
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case reportErr != nil:
		return reportErr
	case scanErr != nil && !errors.Is(scanErr, os.ErrClosed):
		return fmt.Errorf("读取训练输出失败: %w", scanErr)
	case waitErr != nil:
		return fmt.Errorf("训练命令失败: %w", waitErr)
	}
	return nil
}

// parseMetricLine 解析一行指标输出，返回 step 和其余的数值型字段
func parseMetricLine(line []byte) (int, map[string]float64, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return 0, nil, false
	}
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return 0, nil, false
	}

	stepKey := "step"
	if _, ok := raw[stepKey].(float64); !ok {
		stepKey = "epoch"
	}
	s, ok := raw[stepKey].(float64)
	if !ok || s < 0 || s != math.Trunc(s) {
		return 0, nil, false
	}

	metrics := make(map[string]float64, len(raw))
	for k, v := range raw {
		if k == stepKey {
			continue
		}
		if f, ok := v.(float64); ok {
			metrics[k] = f
		}
	}
	return int(s), metrics, true
}
