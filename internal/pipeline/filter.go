package pipeline

import (
	"myproxy.com/subconv/internal/logging"
	"myproxy.com/subconv/internal/matcher"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/utils"
)

// ShouldIgnore 判断节点是否应被过滤：命中任一排除规则，或包含规则非空且一条都没有命中。
// 规则经 matcher 解析后为空表示匹配该类型的所有节点；无效的正则视为不匹配。
func ShouldIgnore(node *model.Node, exclude, include []string) bool {
	excluded := anyRuleMatches(node, exclude)
	included := len(include) == 0 || anyRuleMatches(node, include)
	return excluded || !included
}

func anyRuleMatches(node *model.Node, rules []string) bool {
	for _, rule := range rules {
		applies, realRule := matcher.Resolve(rule, node)
		if !applies {
			continue
		}
		if realRule == "" {
			return true
		}
		if ok, err := utils.RegFind(node.Remark, realRule); err == nil && ok {
			return true
		}
	}
	return false
}

// FilterNodes 原地移除被过滤的节点，保持剩余节点的相对顺序。
// 保留的节点按顺序获得从 0 开始的 ID，并统一设置 GroupID。
func FilterNodes(nodes []model.Node, exclude, include []string, groupID int, log logging.Sink) []model.Node {
	log = sinkOrNop(log)
	kept := nodes[:0]
	for i := range nodes {
		node := nodes[i]
		if ShouldIgnore(&node, exclude, include) {
			log.Infof("Node  %s - %s  has been ignored and will not be added.", node.Group, node.Remark)
			continue
		}
		log.Infof("Node  %s - %s  has been added.", node.Group, node.Remark)
		node.ID = len(kept)
		node.GroupID = groupID
		kept = append(kept, node)
	}
	// 清理尾部，避免保留对已删除节点参数的引用
	clear(nodes[len(kept):])
	log.Infof("Filter done.")
	return kept
}
