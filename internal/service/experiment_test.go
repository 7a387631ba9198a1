package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line    string
		step    int
		metrics map[string]float64
		ok      bool
	}{
		{`{"step": 3, "acc": 0.5}`, 3, map[string]float64{"acc": 0.5}, true},
		{`{"epoch": 2, "acc": 0.5, "tag": "x"}`, 2, map[string]float64{"acc": 0.5}, true},
		{`  {"step": 0, "epoch": 7, "loss": 1}  `, 0, map[string]float64{"epoch": 7, "loss": 1}, true},
		{`{"acc": 0.5}`, 0, nil, false},
		{`{"step": 1.5, "acc": 0.5}`, 0, nil, false},
		{`{"step": -1, "acc": 0.5}`, 0, nil, false},
		{`epoch 3 acc 0.5`, 0, nil, false},
		{`{not json`, 0, nil, false},
		{``, 0, nil, false},
	}
	for _, tt := range tests {
		step, metrics, ok := parseMetricLine([]byte(tt.line))
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.step, step, tt.line)
			assert.Equal(t, tt.metrics, metrics, tt.line)
		}
	}
}

func TestCommandExperiment_ReportsMetricLines(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := `echo "loading $1"
echo "{\"epoch\": 1, \"acc\": 0.25}"
echo "{\"epoch\": 2, \"acc\": 0.5, \"trial\": $HPSWEEP_TRIAL}"
echo "warning" >&2`
	var stderr bytes.Buffer
	exp := &CommandExperiment{Command: []string{"sh", "-c", script, "sh"}, Stderr: &stderr}

	var steps []int
	var trials []float64
	run := &TrialRun{
		Study:      "s",
		Number:     7,
		ConfigPath: filepath.Join(dir, "cfg.yaml"),
		OutDir:     dir,
		Report: func(step int, metrics map[string]float64) error {
			steps = append(steps, step)
			if v, ok := metrics["trial"]; ok {
				trials = append(trials, v)
			}
			return nil
		},
	}
	require.NoError(t, exp.Run(context.Background(), run))
	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, []float64{7}, trials)
	assert.Equal(t, "warning\n", stderr.String())
}

func TestCommandExperiment_KilledWhenPruned(t *testing.T) {
	requireShell(t)
	script := `i=0
while true; do
  i=$((i+1))
  echo "{\"step\": $i, \"acc\": 0.1}"
  sleep 0.05
done`
	exp := &CommandExperiment{Command: []string{"sh", "-c", script}, WaitDelay: time.Second}

	calls := 0
	run := &TrialRun{
		ConfigPath: "cfg.yaml",
		Report: func(step int, metrics map[string]float64) error {
			calls++
			if step == 3 {
				return ErrTrialPruned
			}
			return nil
		},
	}

	done := make(chan error, 1)
	go func() { done <- exp.Run(context.Background(), run) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTrialPruned)
		assert.Equal(t, 3, calls)
	case <-time.After(10 * time.Second):
		t.Fatal("experiment was not stopped after pruning")
	}
}

func TestCommandExperiment_OverlongLineDoesNotHang(t *testing.T) {
	requireShell(t)
	// 2 MiB 的单行输出之后还有足以写满管道的日志
	script := `s=x
i=0
while [ $i -lt 21 ]; do s="$s$s"; i=$((i+1)); done
echo "$s"
i=0
while [ $i -lt 3000 ]; do echo "log line $i"; i=$((i+1)); done
echo '{"step": 1, "acc": 0.5}'
sleep 30`
	exp := &CommandExperiment{Command: []string{"sh", "-c", script}, WaitDelay: time.Second}
	run := &TrialRun{
		ConfigPath: "cfg.yaml",
		Report:     func(int, map[string]float64) error { return nil },
	}

	done := make(chan error, 1)
	go func() { done <- exp.Run(context.Background(), run) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, bufio.ErrTooLong)
	case <-time.After(10 * time.Second):
		t.Fatal("experiment still running after an overlong output line")
	}
}

func TestCommandExperiment_NonZeroExit(t *testing.T) {
	requireShell(t)
	exp := &CommandExperiment{Command: []string{"sh", "-c", "exit 3"}, Stderr: &bytes.Buffer{}}
	err := exp.Run(context.Background(), &TrialRun{Report: func(int, map[string]float64) error { return nil }})
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "%v", err)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestCommandExperiment_NoCommand(t *testing.T) {
	err := (&CommandExperiment{}).Run(context.Background(), &TrialRun{})
	assert.Error(t, err)
}
