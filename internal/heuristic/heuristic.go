// Package heuristic extracts dates, times, durations and tags from
// free-text task descriptions using ordered keyword and pattern tables.
// Everything here is pure and needs no network: the functions back the
// quick-suggestion paths directly and substitute for the completion
// provider whenever it is unavailable.
package heuristic

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	hoursNumericRe   = regexp.MustCompile(`(\d+)\s*(?:个)?小时`)
	minutesNumericRe = regexp.MustCompile(`(\d+)\s*分钟`)
	hoursEnglishRe   = regexp.MustCompile(`(?i)(\d+)\s*hours?`)
	minutesEnglishRe = regexp.MustCompile(`(?i)(\d+)\s*min(?:ute)?s?`)
)

// Fixed duration phrases, checked after the numeric patterns.
var durationPhrases = []struct {
	phrase  string
	minutes int
}{
	{"半个小时", 30},
	{"半小时", 30},
	{"half an hour", 30},
	{"一个小时", 60},
	{"一小时", 60},
	{"one hour", 60},
	{"两个小时", 120},
	{"两小时", 120},
	{"two hours", 120},
}

// Task-type keyword table, first match wins.
var durationKeywords = []struct {
	keywords []string
	minutes  int
}{
	{[]string{"开会", "会议", "讨论", "沟通", "面谈", "meeting"}, 60},
	{[]string{"学习", "研究", "阅读", "看书", "复习", "study"}, 45},
	{[]string{"写", "撰写", "报告", "文档", "方案", "write"}, 90},
	{[]string{"运动", "锻炼", "跑步", "健身", "exercise"}, 60},
	{[]string{"购物", "采购", "买菜", "shopping"}, 30},
	{[]string{"吃饭", "早餐", "午餐", "晚餐", "lunch", "dinner"}, 30},
	{[]string{"整理", "收拾", "打扫", "清理", "tidy"}, 45},
	{[]string{"电话", "打给", "回电", "call"}, 20},
}

// EstimateDuration guesses how many minutes a task needs. Numeric patterns
// and fixed phrases win over task-type keywords; with no match at all the
// estimate falls back to buckets keyed on description length.
func EstimateDuration(text string) int {
	if m := hoursNumericRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 60
	}
	if m := minutesNumericRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}
	if m := hoursEnglishRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 60
	}
	if m := minutesEnglishRe.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n
	}

	lower := strings.ToLower(text)
	for _, p := range durationPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.minutes
		}
	}

	for _, entry := range durationKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.minutes
			}
		}
	}

	switch n := utf8.RuneCountInString(text); {
	case n > 50:
		return 60
	case n > 20:
		return 45
	default:
		return 30
	}
}

// Relative day phrases, offsets applied in the caller's local calendar.
// Longer phrases come before their prefixes so 后天 is not shadowed.
var relativeDates = []struct {
	keyword string
	days    int
	months  int
}{
	{"大后天", 3, 0},
	{"后天", 2, 0},
	{"明天", 1, 0},
	{"今天", 0, 0},
	{"昨天", -1, 0},
	{"下周", 7, 0},
	{"下个月", 0, 1},
	{"day after tomorrow", 2, 0},
	{"tomorrow", 1, 0},
	{"today", 0, 0},
	{"yesterday", -1, 0},
	{"next week", 7, 0},
	{"next month", 0, 1},
}

var (
	fullDateRe   = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})`)
	cnFullDateRe = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日`)
	cnMonthDayRe = regexp.MustCompile(`(\d{1,2})月(\d{1,2})日`)
	monthDayRe   = regexp.MustCompile(`(\d{1,2})-(\d{1,2})`)
)

// ExtractDate finds a due date in text, relative phrases first, then
// absolute patterns (month-day forms assume the current year). Returns an
// ISO YYYY-MM-DD date, or "" when nothing matches.
func ExtractDate(text string, now time.Time) string {
	lower := strings.ToLower(text)
	for _, rd := range relativeDates {
		if strings.Contains(lower, rd.keyword) {
			return now.AddDate(0, rd.months, rd.days).Format("2006-01-02")
		}
	}

	if m := fullDateRe.FindStringSubmatch(text); m != nil {
		return formatDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := cnFullDateRe.FindStringSubmatch(text); m != nil {
		return formatDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := cnMonthDayRe.FindStringSubmatch(text); m != nil {
		return formatDate(now.Year(), atoi(m[1]), atoi(m[2]))
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		return formatDate(now.Year(), atoi(m[1]), atoi(m[2]))
	}

	return ""
}

func formatDate(year, month, day int) string {
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var (
	clockRe     = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	cnMinuteRe  = regexp.MustCompile(`(\d{1,2})点(\d{1,2})分`)
	cnHalfRe    = regexp.MustCompile(`(\d{1,2})点半`)
	morningRe   = regexp.MustCompile(`(?:上午|早上|早晨)(\d{1,2})点`)
	noonRe      = regexp.MustCompile(`中午(\d{1,2})点`)
	afternoonRe = regexp.MustCompile(`下午(\d{1,2})点`)
	eveningRe   = regexp.MustCompile(`(?:晚上|傍晚)(\d{1,2})点`)
	bareHourRe  = regexp.MustCompile(`(\d{1,2})点`)
)

// ExtractTime finds a time of day in text and returns it as "HH:MM", or ""
// when nothing matches. Patterns are tried in priority order. The 上午
// branch maps hour 12 to 0 while the 中午 branch leaves 12 untouched; that
// asymmetry is long-standing behavior and is kept on purpose.
func ExtractTime(text string) string {
	if m := clockRe.FindStringSubmatch(text); m != nil {
		return formatTime(atoi(m[1]), atoi(m[2]))
	}
	if m := cnMinuteRe.FindStringSubmatch(text); m != nil {
		return formatTime(atoi(m[1]), atoi(m[2]))
	}
	if m := cnHalfRe.FindStringSubmatch(text); m != nil {
		return formatTime(atoi(m[1]), 30)
	}
	if m := morningRe.FindStringSubmatch(text); m != nil {
		hour := atoi(m[1])
		if hour == 12 {
			hour = 0
		}
		return formatTime(hour, 0)
	}
	if m := noonRe.FindStringSubmatch(text); m != nil {
		hour := atoi(m[1])
		if hour < 12 {
			hour += 12
		}
		return formatTime(hour, 0)
	}
	if m := afternoonRe.FindStringSubmatch(text); m != nil {
		hour := atoi(m[1])
		if hour < 12 {
			hour += 12
		}
		return formatTime(hour, 0)
	}
	if m := eveningRe.FindStringSubmatch(text); m != nil {
		hour := atoi(m[1])
		if hour < 12 {
			hour += 12
		}
		return formatTime(hour, 0)
	}
	if m := bareHourRe.FindStringSubmatch(text); m != nil {
		return formatTime(atoi(m[1]), 0)
	}

	return ""
}

func formatTime(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Relative time-of-day expressions, checked in order.
var timeExpressions = []string{
	"马上", "立刻", "立即", "尽快", "一会儿", "待会",
	"今晚", "明早", "明晚", "周末", "月底", "下班后", "睡前",
}

// ExtractTimeExpression returns the first matched relative-time keyword.
// In whitespace-separated text the whole containing token is returned so
// callers see the phrase the user actually wrote; unsegmented text yields
// the bare keyword.
func ExtractTimeExpression(text string) string {
	for _, expr := range timeExpressions {
		if !strings.Contains(text, expr) {
			continue
		}
		if fields := strings.Fields(text); len(fields) > 1 {
			for _, field := range fields {
				if strings.Contains(field, expr) {
					return field
				}
			}
		}
		return expr
	}
	return ""
}

// Keyword-to-tag table, first three matches kept in table order.
var tagKeywords = []struct {
	keyword string
	tag     string
}{
	{"开会", "工作"},
	{"会议", "工作"},
	{"项目", "工作"},
	{"客户", "工作"},
	{"汇报", "工作"},
	{"加班", "工作"},
	{"学习", "学习"},
	{"看书", "学习"},
	{"阅读", "学习"},
	{"课程", "学习"},
	{"考试", "学习"},
	{"运动", "健康"},
	{"锻炼", "健康"},
	{"跑步", "健康"},
	{"健身", "健康"},
	{"体检", "健康"},
	{"购物", "生活"},
	{"买菜", "生活"},
	{"做饭", "生活"},
	{"打扫", "生活"},
	{"朋友", "社交"},
	{"聚会", "社交"},
	{"聚餐", "社交"},
	{"旅行", "旅行"},
	{"出差", "出差"},
	{"紧急", "紧急"},
	{"重要", "重要"},
}

// ExtractTags maps keywords in text to suggested tags. At most three tags
// are returned, deduplicated, in table order.
func ExtractTags(text string) []string {
	var tags []string
	seen := make(map[string]bool)

	for _, tk := range tagKeywords {
		if len(tags) >= 3 {
			break
		}
		if !strings.Contains(text, tk.keyword) || seen[tk.tag] {
			continue
		}
		tags = append(tags, tk.tag)
		seen[tk.tag] = true
	}

	return tags
}
