package heuristic

import (
	"regexp"
	"strings"
	"time"
)

// Classification is the structured summary of a free-text log entry.
type Classification struct {
	Type      string   `json:"type"`
	Tags      []string `json:"tags"`
	Sentiment string   `json:"sentiment"`
	KeyPoints []string `json:"key_points"`
}

// Content categories in priority order; the first category with a keyword
// hit wins, everything else is "daily".
var contentCategories = []struct {
	name     string
	keywords []string
}{
	{"work", []string{"工作", "开会", "会议", "项目", "客户", "加班", "汇报"}},
	{"learning", []string{"学习", "看书", "阅读", "课程", "考试", "研究"}},
	{"health", []string{"运动", "锻炼", "跑步", "健身", "散步", "瑜伽"}},
	{"entertainment", []string{"电影", "游戏", "音乐", "刷剧", "娱乐", "逛街"}},
	{"life", []string{"吃饭", "做饭", "购物", "打扫", "家务", "睡觉"}},
}

var positiveWords = []string{"开心", "高兴", "顺利", "完成", "成功", "满意", "喜欢", "不错"}
var negativeWords = []string{"难过", "沮丧", "失败", "问题", "困难", "焦虑", "累", "生气"}

var sentenceSplitRe = regexp.MustCompile(`[。！？!?.\n]+`)

// Classify infers the type, sentiment and key points of a log entry. A
// time-of-day tag derived from now is always appended to the tag list.
func Classify(text string, now time.Time) Classification {
	c := Classification{
		Type:      "daily",
		Sentiment: "neutral",
	}

	for _, cat := range contentCategories {
		for _, kw := range cat.keywords {
			if strings.Contains(text, kw) {
				c.Type = cat.name
				break
			}
		}
		if c.Type != "daily" {
			break
		}
	}

	// Positive words are checked first, so mixed sentiment reads positive.
	for _, w := range positiveWords {
		if strings.Contains(text, w) {
			c.Sentiment = "positive"
			break
		}
	}
	if c.Sentiment == "neutral" {
		for _, w := range negativeWords {
			if strings.Contains(text, w) {
				c.Sentiment = "negative"
				break
			}
		}
	}

	c.Tags = append(ExtractTags(text), timeOfDayTag(now.Hour()))

	for _, segment := range sentenceSplitRe.Split(text, -1) {
		if len(c.KeyPoints) >= 3 {
			break
		}
		segment = strings.TrimSpace(segment)
		if segment != "" {
			c.KeyPoints = append(c.KeyPoints, segment)
		}
	}

	return c
}

func timeOfDayTag(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return "上午"
	case hour >= 12 && hour < 18:
		return "下午"
	case hour >= 18 && hour < 23:
		return "晚上"
	default:
		return "深夜"
	}
}
