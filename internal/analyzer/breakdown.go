package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vnmchuo/taskpilot/internal/provider"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/tokenizer"
)

// Breakdown decomposes a task into subtasks. One provider attempt with a
// 30s budget and a larger output window; on failure the description is
// decomposed through the rule-based templates instead. Only quota denial
// and storage faults surface as errors.
func (a *Analyzer) Breakdown(ctx context.Context, userID, model, description string) (*BreakdownResult, error) {
	model = normalizeModel(model)
	prompt := buildBreakdownPrompt(description, a.now())
	estimated := tokenizer.Estimate(prompt)

	allowance, err := a.ledger.CheckAllowance(ctx, userID, model, estimated)
	if err != nil {
		return nil, err
	}
	if !allowance.Allowed {
		return nil, &quota.ExceededError{Message: allowance.Message}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, breakdownTimeout)
	defer cancel()

	resp, err := a.client.Complete(attemptCtx, &provider.Request{
		Model:       model,
		Prompt:      prompt,
		MaxTokens:   breakdownMaxTokens,
		Temperature: 0.7,
		UserID:      userID,
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("user_id", userID).Msg("breakdown attempt failed, using template fallback")
		return fallbackBreakdown(description), nil
	}

	if rerr := a.ledger.RecordUsage(ctx, allowance.Record, model, resp.InputTokens, resp.OutputTokens); rerr != nil {
		return nil, rerr
	}

	result, perr := parseBreakdown(resp.Content)
	if perr != nil {
		a.logger.Warn().Err(perr).Str("user_id", userID).Msg("breakdown response unparseable, using template fallback")
		return fallbackBreakdown(description), nil
	}

	return result, nil
}

// parseBreakdown tries the raw payload first, then re-extracts via brace
// scanning, since reasoning models tend to wrap the JSON in commentary.
func parseBreakdown(content string) (*BreakdownResult, error) {
	var result BreakdownResult
	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return &result, nil
	}

	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("malformed breakdown response: %w", err)
	}
	return &result, nil
}

// Rule-based decomposition templates, keyed by description category.
var breakdownTemplates = []struct {
	keywords []string
	analysis string
	subtasks []Subtask
}{
	{
		keywords: []string{"开发", "编码", "程序", "代码", "实现", "develop", "code"},
		analysis: "这是一个开发类任务，建议按照标准研发流程拆分执行。",
		subtasks: []Subtask{
			{Title: "需求分析", Description: "梳理需求与验收标准", EstimatedTime: 60, Priority: "high"},
			{Title: "技术设计", Description: "确定技术方案与接口设计", EstimatedTime: 90, Priority: "high"},
			{Title: "编码实现", Description: "按设计完成功能开发", EstimatedTime: 180, Priority: "medium"},
			{Title: "测试验证", Description: "自测并修复发现的问题", EstimatedTime: 60, Priority: "medium"},
		},
	},
	{
		keywords: []string{"学习", "研究", "阅读", "课程", "learn", "study"},
		analysis: "这是一个学习类任务，建议分阶段循序渐进。",
		subtasks: []Subtask{
			{Title: "收集资料", Description: "整理学习材料与参考资源", EstimatedTime: 30, Priority: "high"},
			{Title: "系统学习", Description: "按计划完成主体学习内容", EstimatedTime: 120, Priority: "medium"},
			{Title: "实践练习", Description: "通过练习巩固所学内容", EstimatedTime: 90, Priority: "medium"},
			{Title: "总结笔记", Description: "输出学习笔记与心得", EstimatedTime: 30, Priority: "low"},
		},
	},
}

var genericSubtasks = []Subtask{
	{Title: "准备工作", Description: "明确目标并准备所需资源", EstimatedTime: 30, Priority: "high"},
	{Title: "执行任务", Description: "完成任务的主体部分", EstimatedTime: 60, Priority: "medium"},
	{Title: "检查收尾", Description: "检查结果并处理遗留事项", EstimatedTime: 30, Priority: "low"},
}

func fallbackBreakdown(description string) *BreakdownResult {
	lower := strings.ToLower(description)
	for _, tpl := range breakdownTemplates {
		for _, kw := range tpl.keywords {
			if strings.Contains(lower, kw) {
				return &BreakdownResult{
					Analysis:    tpl.analysis,
					Subtasks:    cloneSubtasks(tpl.subtasks),
					Suggestions: []string{"建议按顺序完成子任务", "完成每个子任务后及时记录进度"},
				}
			}
		}
	}

	return &BreakdownResult{
		Analysis:    "已按通用流程拆分任务。",
		Subtasks:    cloneSubtasks(genericSubtasks),
		Suggestions: []string{"建议按顺序完成子任务", "完成每个子任务后及时记录进度"},
	}
}

func cloneSubtasks(subtasks []Subtask) []Subtask {
	out := make([]Subtask, len(subtasks))
	copy(out, subtasks)
	for i := range out {
		out[i].Dependencies = []string{}
	}
	return out
}
