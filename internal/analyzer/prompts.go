package analyzer

import (
	"fmt"
	"time"
)

const chatSystemPrompt = "你是一个高效的任务管理助手，回答要简洁、可执行。"

var weekdayNames = [...]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}

// dateContext renders the current date, weekday and time so the model can
// resolve relative expressions like 明天 or 下周五.
func dateContext(now time.Time) string {
	return fmt.Sprintf("今天是 %s %s %s", now.Format("2006-01-02"), weekdayNames[now.Weekday()], now.Format("15:04"))
}

func buildAnalysisPrompt(description string, now time.Time) string {
	return fmt.Sprintf(`你是一个任务管理助手。%s。
请分析下面的任务描述，只输出一个 JSON 对象，不要输出任何其他内容，字段如下：
{
  "suggested_title": "简短的任务标题（20 字以内）",
  "suggested_priority": "low、medium 或 high",
  "suggested_tags": ["最多 3 个标签"],
  "estimated_time": 预计耗时（分钟，整数）,
  "suggested_due_date": "截止日期，YYYY-MM-DD，没有则留空",
  "suggested_end_time": "时间，HH:MM，没有则留空",
  "time_expression": "描述中出现的时间表达，没有则留空",
  "breakdown": ["可选的执行步骤"],
  "dependencies": ["可选的前置条件"]
}
任务描述：%s`, dateContext(now), description)
}

func buildBreakdownPrompt(description string, now time.Time) string {
	return fmt.Sprintf(`你是一个任务规划助手。%s。
请把下面的任务拆解为可执行的子任务，只输出一个 JSON 对象，字段如下：
{
  "analysis": "对任务的简要分析",
  "subtasks": [
    {"title": "子任务标题", "description": "说明", "estimated_time": 分钟数, "priority": "low/medium/high", "dependencies": ["依赖的子任务标题"]}
  ],
  "suggestions": ["执行建议"]
}
任务描述：%s`, dateContext(now), description)
}
