package pipeline

import (
	"slices"
	"sort"
	"strings"

	"myproxy.com/subconv/internal/matcher"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/script"
	"myproxy.com/subconv/internal/utils"
)

// PreprocessNodes 对汇总后的全部节点依次执行：去除 emoji、重命名、添加 emoji，最后排序。
func PreprocessNodes(nodes []model.Node, ext ExtraSettings) {
	for i := range nodes {
		node := &nodes[i]
		if ext.RemoveEmoji {
			node.Remark = strings.TrimSpace(RemoveEmoji(node.Remark))
		}
		NodeRename(node, ext.RenameRules, ext)
		if ext.AddEmoji {
			node.Remark = AddEmoji(node, ext.EmojiRules, ext)
		}
	}

	if ext.Sort {
		SortNodes(nodes, ext)
	}
}

// RemoveEmoji 去掉备注开头的 emoji（以 0xF0 0x9F 开头的 4 字节序列），结果为空时返回原备注
func RemoveEmoji(remark string) string {
	out := remark
	for len(out) >= 2 && out[0] == 0xF0 && out[1] == 0x9F {
		if len(out) < 4 {
			out = ""
			break
		}
		out = out[4:]
	}
	if out == "" {
		return remark
	}
	return out
}

// NodeRename 依次应用重命名规则。
// 脚本规则返回非空字符串时替换备注，后续规则继续作用在新备注上；
// 所有规则执行后备注为空则恢复原备注。
func NodeRename(node *model.Node, rules model.MatchRules, ext ExtraSettings) {
	log := sinkOrNop(ext.Log)
	original := node.Remark

	for _, rule := range rules {
		if rule.Script != "" {
			if !ext.Authorized || ext.Scripts == nil {
				continue
			}
			err := ext.Scripts.Run(rule.Script, func(h script.Handle) error {
				out, err := script.CallString(h, script.FuncRename, node.ScriptView())
				if err != nil {
					return err
				}
				if out != "" {
					node.Remark = out
				}
				return nil
			})
			if err != nil {
				log.Errorf("重命名脚本执行失败: %v", err)
			}
			continue
		}

		applies, realRule := matcher.Resolve(rule.Match, node)
		if !applies || realRule == "" {
			continue
		}
		out, err := utils.RegReplace(node.Remark, realRule, rule.Replace)
		if err != nil {
			log.Warnf("重命名规则 %q 无效: %v", rule.Match, err)
			continue
		}
		node.Remark = out
	}

	if node.Remark == "" {
		node.Remark = original
	}
}

// AddEmoji 返回添加 emoji 前缀后的备注，第一条命中的规则生效，都不命中时返回原备注
func AddEmoji(node *model.Node, rules model.MatchRules, ext ExtraSettings) string {
	log := sinkOrNop(ext.Log)

	for _, rule := range rules {
		if rule.Script != "" {
			if !ext.Authorized || ext.Scripts == nil {
				continue
			}
			var emoji string
			err := ext.Scripts.Run(rule.Script, func(h script.Handle) error {
				out, err := script.CallString(h, script.FuncGetEmoji, node.ScriptView())
				emoji = out
				return err
			})
			if err != nil {
				log.Errorf("emoji 脚本执行失败: %v", err)
				continue
			}
			if emoji != "" {
				return emoji + " " + node.Remark
			}
			continue
		}

		if rule.Replace == "" {
			continue
		}
		applies, realRule := matcher.Resolve(rule.Match, node)
		if !applies || realRule == "" {
			continue
		}
		if ok, err := utils.RegFind(node.Remark, realRule); err == nil && ok {
			return rule.Replace + " " + node.Remark
		}
	}
	return node.Remark
}

// SortNodes 稳定排序。
// 配置了排序脚本且已授权时使用脚本的 Compare，类型为 Unknown 的节点始终排在其它节点之后；
// 脚本出错时恢复原顺序并按备注字典序排序。
func SortNodes(nodes []model.Node, ext ExtraSettings) {
	log := sinkOrNop(ext.Log)

	if ext.SortScript != "" && ext.Authorized && ext.Scripts != nil {
		original := slices.Clone(nodes)
		err := ext.Scripts.Run(ext.SortScript, func(h script.Handle) error {
			var callErr error
			sort.SliceStable(nodes, func(i, j int) bool {
				if callErr != nil {
					return false
				}
				a, b := &nodes[i], &nodes[j]
				if a.Type == model.ProxyTypeUnknown {
					return false
				}
				if b.Type == model.ProxyTypeUnknown {
					return true
				}
				less, err := script.CallBool(h, script.FuncCompare, a.ScriptView(), b.ScriptView())
				if err != nil {
					callErr = err
					return false
				}
				return less
			})
			return callErr
		})
		if err == nil {
			return
		}
		log.Errorf("排序脚本执行失败，回退到按备注排序: %v", err)
		copy(nodes, original)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Remark < nodes[j].Remark
	})
}
