package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"myproxy.com/subconv/internal/model"
)

// Duration 配置中的时长，接受 "10m" 这样的字符串或整数秒
type Duration time.Duration

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Duration(time.Duration(secs) * time.Second), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("无效的时长 %q: %w", s, err)
	}
	return Duration(d), nil
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalYAML 实现 yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON 实现 json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// RuleList 规则列表。每一项可以是文本形式（"match,replace"、"!!script:..."），
// 也可以是 {match, replace, script} 结构。
// 整个列表也可以写成一段多行文本，每行一条规则，忽略空行和 # / ; 开头的注释。
type RuleList []model.MatchRule

// Rules 返回规则的副本
func (r RuleList) Rules() model.MatchRules {
	return append(model.MatchRules(nil), r...)
}

// UnmarshalYAML 实现 yaml.Unmarshaler
func (r *RuleList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!str" {
		*r = RuleList(model.ParseMatchRules(strings.Split(value.Value, "\n")))
		return nil
	}
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("第 %d 行: 规则列表必须是数组", value.Line)
	}
	rules := make(RuleList, 0, len(value.Content))
	for _, item := range value.Content {
		if item.Kind == yaml.ScalarNode {
			if strings.TrimSpace(item.Value) == "" {
				continue
			}
			rules = append(rules, model.ParseMatchRule(item.Value))
			continue
		}
		var rule model.MatchRule
		if err := item.Decode(&rule); err != nil {
			return fmt.Errorf("第 %d 行: %w", item.Line, err)
		}
		rules = append(rules, rule)
	}
	*r = rules
	return nil
}

// UnmarshalJSON 实现 json.Unmarshaler
func (r *RuleList) UnmarshalJSON(b []byte) error {
	var block string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &block); err != nil {
			return err
		}
		*r = RuleList(model.ParseMatchRules(strings.Split(block, "\n")))
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("规则列表必须是数组: %w", err)
	}
	if items == nil {
		*r = nil
		return nil
	}
	rules := make(RuleList, 0, len(items))
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			if strings.TrimSpace(text) == "" {
				continue
			}
			rules = append(rules, model.ParseMatchRule(text))
			continue
		}
		var rule model.MatchRule
		if err := json.Unmarshal(item, &rule); err != nil {
			return err
		}
		rules = append(rules, rule)
	}
	*r = rules
	return nil
}
