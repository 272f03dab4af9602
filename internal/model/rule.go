package model

import "strings"

// MatchRule 重命名 / emoji / 流量信息规则。
// Script 非空时规则完全交给脚本处理，忽略 Match 和 Replace。
type MatchRule struct {
	Match   string `json:"match" yaml:"match"`
	Replace string `json:"replace,omitempty" yaml:"replace,omitempty"`
	Script  string `json:"script,omitempty" yaml:"script,omitempty"`
}

// MatchRules 有序规则列表，顺序有语义。
type MatchRules []MatchRule

// ParseMatchRule 解析文本形式的规则。
// 支持 "match,replace"、"!!script:<code>" 和 "!!script:path:<file>" 三种写法。
func ParseMatchRule(s string) MatchRule {
	if rest, ok := strings.CutPrefix(s, "!!script:"); ok {
		return MatchRule{Script: rest}
	}
	// 规则本身可能以 !!GROUP=... 之类的选择器开头，替换文本以最后一个逗号分隔
	idx := strings.LastIndex(s, ",")
	if idx < 0 {
		return MatchRule{Match: s}
	}
	return MatchRule{Match: s[:idx], Replace: s[idx+1:]}
}

// ParseMatchRules 批量解析文本规则，忽略空行和注释。
func ParseMatchRules(lines []string) MatchRules {
	rules := make(MatchRules, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		rules = append(rules, ParseMatchRule(line))
	}
	return rules
}
