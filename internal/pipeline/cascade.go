package pipeline

import (
	"strings"

	"github.com/samber/lo"

	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/subscription"
)

// ParseContent 解析订阅内容：先用结构化解析器，结果为空或出错时回退到旧式解析器。
// 两者都没有得到节点时返回 PARSE_FAILED，不返回部分结果。
// 成功时按 SSD 内容 > 响应头 > 节点备注 的优先级推导订阅信息并写入 set.SubInfo。
func ParseContent(content, link string, respHeaders map[string]string, set ParseSettings) ([]model.Node, error) {
	log := sinkOrNop(set.Log)

	nodes := parseStructured(content, link, set)
	if len(nodes) > 0 {
		log.Infof("Structured parser successfully parsed %d nodes.", len(nodes))
	} else {
		if set.Legacy != nil {
			legacy, err := set.Legacy.ParseContent(content)
			if err != nil {
				log.Debugf("旧式解析器解析失败: %v", err)
			}
			nodes = lo.Filter(legacy, func(n model.Node, _ int) bool { return n.IsValid() })
		}
		if len(nodes) == 0 {
			log.Errorf("Invalid subscription: '%s'!", link)
			return nil, apperr.New(apperr.CodeParseFailed, "Invalid subscription: '"+link+"'", nil)
		}
	}

	if set.SubInfo != nil {
		if info, ok := deriveSubInfo(content, respHeaders, nodes, set); ok {
			*set.SubInfo = info
		}
	}
	return nodes, nil
}

func parseStructured(content, link string, set ParseSettings) []model.Node {
	if set.Structured == nil {
		return nil
	}
	log := sinkOrNop(set.Log)

	entries, err := set.Structured.Parse(content)
	if err != nil {
		log.Warnf("Structured parser error: %v, falling back to legacy parser.", err)
		return nil
	}
	nodes := make([]model.Node, 0, len(entries))
	for _, entry := range entries {
		node := subscription.ToNode(entry)
		if !node.IsValid() {
			continue
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		log.Warnf("Structured parser returned no valid nodes from: '%s', falling back to legacy parser.", link)
	}
	return nodes
}

func deriveSubInfo(content string, respHeaders map[string]string, nodes []model.Node, set ParseSettings) (string, bool) {
	if strings.HasPrefix(strings.TrimSpace(content), "ssd://") {
		return subscription.SubInfoFromSSD(content)
	}
	if info, ok := subscription.SubInfoFromHeader(respHeaders); ok {
		return info, true
	}
	return subscription.SubInfoFromNodes(nodes, set.StreamRules, set.TimeRules)
}
