package summarizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fachebot/themepulse/internal/llm"
	"github.com/fachebot/themepulse/internal/logger"
	"github.com/fachebot/themepulse/internal/model"
)

// llmSummarizer 调用 LLM 提取主题（便于测试注入 mock）
type llmSummarizer interface {
	SummarizeResponses(ctx context.Context, question string, responses []llm.ResponseItem) (*llm.Result, error)
}

type Summarizer struct {
	llmClient llmSummarizer
	now       func() time.Time
}

func NewSummarizer(llmClient *llm.Client) *Summarizer {
	return &Summarizer{
		llmClient: llmClient,
		now:       time.Now,
	}
}

// Summarize 生成回答快照的主题总结，总结记录的回答数即快照中的回答数
func (s *Summarizer) Summarize(ctx context.Context, question string, responses []model.Response) (*model.Summary, error) {
	// 只把名字和回答发给外部模型
	items := make([]llm.ResponseItem, len(responses))
	for i, r := range responses {
		items[i] = llm.ResponseItem{
			StudentName: r.StudentName,
			Answer:      r.Answer,
		}
	}

	result, err := s.llmClient.SummarizeResponses(ctx, question, items)
	if err != nil {
		return nil, fmt.Errorf("LLM 总结失败: %w", err)
	}
	if result == nil || len(result.Themes) == 0 {
		return nil, fmt.Errorf("LLM 总结结果为空")
	}

	themes := make([]model.Theme, len(result.Themes))
	for i, t := range result.Themes {
		names := make([]string, len(t.StudentNames))
		copy(names, t.StudentNames)
		themes[i] = model.Theme{
			Title:        t.Title,
			Description:  t.Description,
			StudentNames: names,
		}
	}

	var modelUsed *string
	if result.ModelUsed != "" {
		m := result.ModelUsed
		modelUsed = &m
	}

	logger.Infof("[Summarizer] 完成总结，共 %d 个主题，%d 条回答", len(themes), len(responses))
	return &model.Summary{
		Themes:        themes,
		ResponseCount: len(responses),
		ModelUsed:     modelUsed,
		Timestamp:     s.now().UTC(),
	}, nil
}

// FormatSummaryForDisplay 将总结格式化为纯文本，用于日志和导出
func FormatSummaryForDisplay(summary *model.Summary) string {
	if summary == nil || len(summary.Themes) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Themes (%d responses)", summary.ResponseCount))
	if summary.ModelUsed != nil {
		sb.WriteString(fmt.Sprintf(" via %s", *summary.ModelUsed))
	}
	sb.WriteString("\n")

	for i, theme := range summary.Themes {
		sb.WriteString(fmt.Sprintf("\n%d. %s\n", i+1, theme.Title))
		sb.WriteString(fmt.Sprintf("   %s\n", theme.Description))
		if len(theme.StudentNames) > 0 {
			sb.WriteString(fmt.Sprintf("   - %s\n", strings.Join(theme.StudentNames, ", ")))
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
