package matcher

import (
	"strconv"
	"strings"
)

// MatchRange 判断 target 是否落在范围表达式内。
// 表达式为逗号分隔的列表，每项可以是：
//   - n      等于 n
//   - a-b    闭区间 [a, b]
//   - !n     不等于 n（命中其它任何值）
//   - !a-b   不在闭区间 [a, b] 内
//   - n-     小于等于 n
//   - n+     大于等于 n
//
// 各项按顺序求值，后面的项可以覆盖前面的结果。
func MatchRange(expr string, target int) bool {
	match := false
	for _, item := range strings.Split(expr, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		if n, err := strconv.Atoi(item); err == nil {
			if n == target {
				match = true
			}
			continue
		}

		if neg, ok := strings.CutPrefix(item, "!"); ok {
			if n, err := strconv.Atoi(neg); err == nil {
				match = n != target
				continue
			}
			if lo, hi, ok := parseSpan(neg); ok {
				match = target < lo || target > hi
			}
			continue
		}

		if lo, hi, ok := parseSpan(item); ok {
			if target >= lo && target <= hi {
				match = true
			}
			continue
		}

		if s, ok := strings.CutSuffix(item, "-"); ok {
			if n, err := strconv.Atoi(s); err == nil && n >= target {
				match = true
			}
			continue
		}

		if s, ok := strings.CutSuffix(item, "+"); ok {
			if n, err := strconv.Atoi(s); err == nil && n <= target {
				match = true
			}
		}
	}
	return match
}

// parseSpan 解析 "a-b"（a、b 均为非负整数）
func parseSpan(s string) (int, int, bool) {
	a, b, ok := strings.Cut(s, "-")
	if !ok || a == "" || b == "" {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(a)
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(b)
	if err != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
