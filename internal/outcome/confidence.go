package outcome

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultConfidence 是无法解析置信度时使用的值。
const DefaultConfidence = 50.0

// ParseConfidence 从模型原始回复中提取置信度（百分制）。
// 回复可能夹杂自然语言，因此逐个扫描形如 JSON 对象的片段，
// 取最后一个能解析且包含 confidence 字段的片段；0 到 1 之间的小数按百分比换算。
func ParseConfidence(response string) float64 {
	value, ok := lastConfidence(response)
	if !ok {
		return DefaultConfidence
	}
	return normalizeConfidence(value)
}

func lastConfidence(text string) (float64, bool) {
	var (
		found  bool
		result float64
	)
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			if v, ok := confidenceOf(text[start : end+1]); ok {
				result, found = v, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return result, found
}

// matchBrace 返回与 start 处 '{' 配对的 '}' 下标，忽略字符串内的括号。
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func confidenceOf(fragment string) (float64, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(fragment), &obj); err != nil {
		return 0, false
	}
	for key, raw := range obj {
		if !strings.EqualFold(key, "confidence") {
			continue
		}
		switch v := raw.(type) {
		case float64:
			return v, true
		case string:
			trimmed := strings.TrimSuffix(strings.TrimSpace(v), "%")
			if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func normalizeConfidence(v float64) float64 {
	switch {
	case v < 0:
		return DefaultConfidence
	case v > 0 && v <= 1:
		v *= 100
	}
	if v > 100 {
		return 100
	}
	return v
}
