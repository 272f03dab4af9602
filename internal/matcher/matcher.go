// Package matcher 解析带选择器前缀的规则，判断规则是否作用于某个节点。
//
// 规则形如 "!!GROUP=<re>!!<rule>"、"!!GROUPID=<range>!!<rule>"、"!!INSERT=<range>!!<rule>"、
// "!!TYPE=<re>!!<rule>"、"!!PORT=<range>!!<rule>"、"!!SERVER=<re>!!<rule>"，
// 不带选择器的规则总是生效，真实规则即其本身。
package matcher

import (
	"regexp"
	"strings"

	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/utils"
)

const selectorPrefix = "!!"

// resolver 判断选择器的值是否命中节点
type resolver func(value string, node *model.Node) bool

var rangeValue = regexp.MustCompile(`^[\d\-+!,]+$`)

// resolvers 选择器名 -> 判定函数
var resolvers = map[string]resolver{
	"GROUP":   matchGroup,
	"GROUPID": matchGroupID(1),
	"INSERT":  matchGroupID(-1),
	"TYPE":    matchType,
	"PORT":    matchPort,
	"SERVER":  matchServer,
}

// Resolve 判断 pattern 是否作用于 node，并返回去掉选择器后的真实规则。
// 返回：
//   - applies: 规则是否作用于该节点
//   - realRule: 真实规则（可能为空，表示匹配该选择器命中的全部节点）
func Resolve(pattern string, node *model.Node) (applies bool, realRule string) {
	if !strings.HasPrefix(pattern, selectorPrefix) {
		return true, pattern
	}
	name, rest, ok := strings.Cut(pattern[len(selectorPrefix):], "=")
	if !ok {
		return true, pattern
	}
	fn, ok := resolvers[name]
	if !ok {
		return true, pattern
	}

	value, realRule := splitSelector(name, rest)
	if value == "" {
		return false, realRule
	}
	return fn(value, node), realRule
}

// splitSelector 拆分 "<value>!!<rule>"，返回选择器值和真实规则
func splitSelector(name, rest string) (string, string) {
	value, rule, _ := strings.Cut(rest, selectorPrefix)
	if name == "GROUPID" || name == "INSERT" {
		// 范围值本身可包含 '!'，非法字符视为无效选择器
		if !rangeValue.MatchString(value) {
			return "", rule
		}
	}
	return value, rule
}

func matchGroup(value string, node *model.Node) bool {
	ok, err := utils.RegFind(node.Group, value)
	return err == nil && ok
}

func matchGroupID(dir int) resolver {
	return func(value string, node *model.Node) bool {
		return MatchRange(value, dir*node.GroupID)
	}
}

func matchType(value string, node *model.Node) bool {
	if node.Type == model.ProxyTypeUnknown {
		return false
	}
	ok, err := utils.RegMatch(node.Type.String(), value)
	return err == nil && ok
}

func matchPort(value string, node *model.Node) bool {
	return MatchRange(value, node.Port)
}

func matchServer(value string, node *model.Node) bool {
	ok, err := utils.RegFind(node.Hostname, value)
	return err == nil && ok
}
