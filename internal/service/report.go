package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hpsweep/internal/model"
)

// SummaryFileName worker 退出时写在 study 目录下的报告
const SummaryFileName = "summary.md"

func RenderSummaryMarkdown(sum *StudySummary, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# 调参结果：%s\n\n", sum.Study))
	b.WriteString(fmt.Sprintf("- metric: %s (%s)\n", sum.Metric, sum.Direction))
	b.WriteString(fmt.Sprintf("- trials: %d\n", sum.Total))
	b.WriteString(fmt.Sprintf("- workers: %d\n", sum.Workers))
	b.WriteString(fmt.Sprintf("- generated_at: %s\n\n", generatedAt.Format(time.RFC3339)))

	b.WriteString("## 状态统计\n\n")
	b.WriteString("| 状态 | N |\n")
	b.WriteString("| --- | ---: |\n")
	for _, state := range []model.TrialState{model.TrialComplete, model.TrialPruned, model.TrialFail, model.TrialRunning} {
		b.WriteString(fmt.Sprintf("| %s | %d |\n", state, sum.Counts[state]))
	}
	b.WriteString("\n")
	f := sum.Failures
	b.WriteString(fmt.Sprintf("失败率：%.3f，CI95 [%.3f, %.3f]（%d/%d 个已结束的 trial）\n\n",
		f.Rate, f.CI95Low, f.CI95High, f.Failed, f.N))

	b.WriteString("## 最优 trial\n\n")
	if sum.Best == nil {
		b.WriteString("- 无（还没有完成的 trial）\n")
		return b.String()
	}
	b.WriteString(fmt.Sprintf("- number: %d\n", sum.Best.Number))
	b.WriteString(fmt.Sprintf("- %s: %g\n", sum.Metric, sum.Best.Value))
	for _, name := range sortedKeys(sum.Best.Params) {
		b.WriteString(fmt.Sprintf("- %s: %v\n", name, sum.Best.Params[name]))
	}
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("## 前 %d 个 trial\n\n", len(sum.Top)))
	b.WriteString(fmt.Sprintf("| # | %s | 参数 | 耗时(s) |\n", sum.Metric))
	b.WriteString("| ---: | ---: | --- | ---: |\n")
	for _, t := range sum.Top {
		params := make([]string, 0, len(t.Params))
		for _, name := range sortedKeys(t.Params) {
			params = append(params, fmt.Sprintf("%s=%v", name, t.Params[name]))
		}
		b.WriteString(fmt.Sprintf("| %d | %g | %s | %.1f |\n",
			t.Number, t.Value, strings.Join(params, ", "), t.Seconds))
	}
	return b.String()
}

// WriteSummary 把报告写到 <studyDir>/summary.md
func WriteSummary(studyDir string, sum *StudySummary) (string, error) {
	path := filepath.Join(studyDir, SummaryFileName)
	if err := os.WriteFile(path, []byte(RenderSummaryMarkdown(sum, time.Now())), 0o644); err != nil {
		return "", fmt.Errorf("写入报告失败: %w", err)
	}
	return path, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
