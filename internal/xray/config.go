package xray

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtls/xray-core/infra/conf"

	"myproxy.com/subconv/internal/logging"
	"myproxy.com/subconv/internal/model"
)

const (
	// DefaultLocalPort 本地 SOCKS5 监听端口
	DefaultLocalPort = 10808
	// proxyTagPrefix 节点出站标签前缀，负载均衡器按前缀选择出站
	proxyTagPrefix = "proxy-"
	balancerTag    = "proxy"
)

// RoutingOptions 路由相关配置（直连列表、直连列表是否走代理等）。
type RoutingOptions struct {
	DirectRoutes         []string // 用户配置的直连列表（domain:xxx 或 ip/cidr）
	DirectRoutesUseProxy bool     // true：直连列表走代理；false：走直连
}

// ExportOptions 导出 xray 配置的选项
type ExportOptions struct {
	LocalPort   int             // 本地 SOCKS5 监听端口（0 时使用 DefaultLocalPort）
	LogFilePath string          // xray 日志文件路径（可选）
	Routing     *RoutingOptions // 路由选项（可选）
}

// ExportResult 导出结果
type ExportResult struct {
	Config   []byte   // 完整的 xray JSON 配置
	Tags     []string // 已导出节点的出站标签，顺序与节点一致
	Skipped  []string // 被跳过的节点备注
	Exported int
}

// CreateXrayConfig 将转换结果导出为完整的 xray 配置。
// 每个可用节点生成一个出站，所有节点出站组成负载均衡器 "proxy"；
// xray 不支持的节点被跳过并记录日志。
// 参数：
//   - nodes: 转换后的节点
//   - opts: 导出选项
//   - log: 日志（可为 nil）
//
// 返回：导出结果和错误（没有任何可导出的节点，或整体配置无法通过 xray 构建时）
func CreateXrayConfig(nodes []model.Node, opts ExportOptions, log logging.Sink) (*ExportResult, error) {
	if log == nil {
		log = logging.Nop()
	}
	localPort := opts.LocalPort
	if localPort == 0 {
		localPort = DefaultLocalPort
	}

	result := &ExportResult{}
	outbounds := make([]interface{}, 0, len(nodes)+1)
	for i := range nodes {
		node := &nodes[i]
		if node.IsPlaceholder() {
			continue
		}
		tag := proxyTagPrefix + strconv.Itoa(len(result.Tags))
		outbound, err := CreateOutboundFromNode(node, tag)
		if err != nil {
			log.Warnf("Xray: 跳过节点 %s: %v", node.Remark, err)
			result.Skipped = append(result.Skipped, node.Remark)
			continue
		}
		outbounds = append(outbounds, outbound)
		result.Tags = append(result.Tags, tag)
	}
	result.Exported = len(result.Tags)
	if result.Exported == 0 {
		return nil, fmt.Errorf("Xray: 没有可导出的节点")
	}

	// 创建直连出站配置
	outbounds = append(outbounds, map[string]interface{}{
		"tag":      "direct",
		"protocol": "freedom",
		"settings": map[string]interface{}{},
	})

	// 创建入站配置（本地 SOCKS5 服务器）
	inbound := map[string]interface{}{
		"tag":      "socks-in",
		"port":     localPort,
		"listen":   "127.0.0.1",
		"protocol": "socks",
		"settings": map[string]interface{}{
			"auth": "noauth",
			"udp":  true,
		},
	}

	// 构建日志配置
	logConfig := map[string]interface{}{
		"loglevel": "warning",
	}
	if opts.LogFilePath != "" {
		logConfig["error"] = opts.LogFilePath
		logConfig["access"] = opts.LogFilePath
	}

	config := map[string]interface{}{
		"log":       logConfig,
		"inbounds":  []interface{}{inbound},
		"outbounds": outbounds,
		"routing": map[string]interface{}{
			"domainStrategy": "AsIs",
			"rules":          buildRoutingRules(opts.Routing),
			"balancers": []interface{}{
				map[string]interface{}{
					"tag":      balancerTag,
					"selector": []string{proxyTagPrefix},
				},
			},
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("Xray: 序列化配置失败: %w", err)
	}
	if err := ValidateConfig(data); err != nil {
		return nil, err
	}
	result.Config = data

	log.Infof("Xray: 导出 %d 个节点，跳过 %d 个", result.Exported, len(result.Skipped))
	return result, nil
}

// ValidateConfig 用 xray-core 解析并构建完整配置
func ValidateConfig(configJSON []byte) error {
	var config conf.Config
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return fmt.Errorf("Xray: 解析配置失败: %w", err)
	}
	if _, err := config.Build(); err != nil {
		return fmt.Errorf("Xray: 构建配置失败: %w", err)
	}
	return nil
}

// buildRoutingRules 构建路由规则。
// 顺序：本地直连 -> 用户直连列表（根据 DirectRoutesUseProxy 走直连或代理）-> 默认代理。
func buildRoutingRules(routing *RoutingOptions) []interface{} {
	rules := []interface{}{
		map[string]interface{}{
			"type": "field",
			"ip": []string{
				"127.0.0.0/8",
				"10.0.0.0/8",
				"172.16.0.0/12",
				"192.168.0.0/16",
				"fc00::/7",
				"fe80::/10",
			},
			"outboundTag": "direct",
		},
	}

	if routing != nil && len(routing.DirectRoutes) > 0 {
		domains, ips := splitDirectRoutes(routing.DirectRoutes)
		if len(domains) > 0 || len(ips) > 0 {
			r := map[string]interface{}{"type": "field"}
			if len(domains) > 0 {
				r["domain"] = domains
			}
			if len(ips) > 0 {
				r["ip"] = ips
			}
			if routing.DirectRoutesUseProxy {
				r["balancerTag"] = balancerTag
			} else {
				r["outboundTag"] = "direct"
			}
			rules = append(rules, r)
		}
	}

	// 默认走代理（匹配所有剩余流量）
	rules = append(rules, map[string]interface{}{
		"type":        "field",
		"network":     "tcp,udp",
		"balancerTag": balancerTag,
	})
	return rules
}

// splitDirectRoutes 将直连规则拆分为 domain 与 ip 列表（xray 规则格式）。
func splitDirectRoutes(routes []string) (domains, ips []string) {
	for _, r := range routes {
		s := strings.TrimSpace(r)
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "domain:") || strings.HasPrefix(s, "geosite:") ||
			strings.HasPrefix(s, "regexp:") || strings.HasPrefix(s, "full:") {
			domains = append(domains, s)
		} else {
			ips = append(ips, s)
		}
	}
	return domains, ips
}
