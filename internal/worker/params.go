package worker

import (
	"strconv"
	"strings"
	"time"
)

// getString извлекает строку из map с default значением.
func getString(m map[string]any, key, defaultVal string) string {
	if val, ok := m[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

// getNumber извлекает число. После JSON все числа приходят как float64,
// после рендеринга шаблона число может прийти строкой.
func getNumber(m map[string]any, key string, defaultVal float64) float64 {
	switch v := m[key].(type) {
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return n
		}
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return defaultVal
}

// getDuration извлекает длительность, заданную в секундах.
func getDuration(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	sec := getNumber(m, key, 0)
	if sec <= 0 {
		return defaultVal
	}
	return time.Duration(sec * float64(time.Second))
}

// getInts извлекает список целых.
func getInts(m map[string]any, key string, defaultVal []int) []int {
	switch v := m[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				out = append(out, int(n))
			case int:
				out = append(out, n)
			}
		}
		return out
	}
	return defaultVal
}
