package xray

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xtls/xray-core/infra/conf"

	"myproxy.com/subconv/internal/model"
)

// CreateOutboundFromNode 根据节点创建 xray 出站配置。
// 参数：
//   - node: 规范化节点
//   - tag: 出站标签
//
// 返回：出站配置和错误（协议或传输方式 xray 不支持时返回错误）
func CreateOutboundFromNode(node *model.Node, tag string) (map[string]interface{}, error) {
	if node.IsPlaceholder() || node.Hostname == "" || node.Port <= 0 {
		return nil, fmt.Errorf("Xray: 节点缺少服务器地址: %s", node.Remark)
	}

	var outbound map[string]interface{}

	switch node.Type {
	case model.ProxyTypeSOCKS5, model.ProxyTypeHTTP, model.ProxyTypeHTTPS:
		server := map[string]interface{}{
			"address": node.Hostname,
			"port":    node.Port,
		}
		if node.Username != "" || node.Password != "" {
			server["users"] = []map[string]string{
				{
					"user": node.Username,
					"pass": node.Password,
				},
			}
		}
		protocol := "socks"
		if node.Type != model.ProxyTypeSOCKS5 {
			protocol = "http"
		}
		outbound = map[string]interface{}{
			"protocol": protocol,
			"settings": map[string]interface{}{
				"servers": []map[string]interface{}{server},
			},
		}
		if node.Type == model.ProxyTypeHTTPS {
			outbound["streamSettings"] = map[string]interface{}{
				"network":     "tcp",
				"security":    "tls",
				"tlsSettings": buildTLSSettings(node),
			}
		}

	case model.ProxyTypeVMess, model.ProxyTypeVLESS:
		user := map[string]interface{}{"id": node.UserID}
		protocol := "vmess"
		if node.Type == model.ProxyTypeVMess {
			user["security"] = getVMessSecurity(node.EncryptMethod)
		} else {
			protocol = "vless"
			user["encryption"] = "none"
			if flow := node.RawParams["flow"]; flow != "" {
				user["flow"] = flow
			}
		}
		if node.UserID == "" {
			return nil, fmt.Errorf("Xray: %s 节点缺少 UUID: %s", protocol, node.Remark)
		}
		streamSettings, err := buildStreamSettings(node, isTLS(node.TLS))
		if err != nil {
			return nil, err
		}
		outbound = map[string]interface{}{
			"protocol": protocol,
			"settings": map[string]interface{}{
				"vnext": []map[string]interface{}{
					{
						"address": node.Hostname,
						"port":    node.Port,
						"users":   []map[string]interface{}{user},
					},
				},
			},
			"streamSettings": streamSettings,
		}

	case model.ProxyTypeShadowsocks:
		// xray 不支持 SS 插件
		if node.Plugin != "" || node.RawParams["plugin"] != "" {
			return nil, fmt.Errorf("Xray: 不支持 Shadowsocks 插件: %s", node.Remark)
		}
		outbound = map[string]interface{}{
			"protocol": "shadowsocks",
			"settings": map[string]interface{}{
				"servers": []map[string]interface{}{
					{
						"address":  node.Hostname,
						"port":     node.Port,
						"method":   node.EncryptMethod,
						"password": node.Password,
					},
				},
			},
			"streamSettings": map[string]interface{}{"network": "tcp"},
		}

	case model.ProxyTypeTrojan:
		// Trojan 总是使用 TLS
		streamSettings, err := buildStreamSettings(node, true)
		if err != nil {
			return nil, err
		}
		outbound = map[string]interface{}{
			"protocol": "trojan",
			"settings": map[string]interface{}{
				"servers": []map[string]interface{}{
					{
						"address":  node.Hostname,
						"port":     node.Port,
						"password": node.Password,
					},
				},
			},
			"streamSettings": streamSettings,
		}

	default:
		return nil, fmt.Errorf("Xray: 不支持的协议类型: %s", node.TypeName())
	}

	outbound["tag"] = tag
	if err := validateOutbound(outbound); err != nil {
		return nil, err
	}
	return outbound, nil
}

// validateOutbound 用 xray-core 的配置构建器检查出站配置
func validateOutbound(outbound map[string]interface{}) error {
	data, err := json.Marshal(outbound)
	if err != nil {
		return fmt.Errorf("Xray: 序列化出站配置失败: %w", err)
	}
	var detour conf.OutboundDetourConfig
	if err := json.Unmarshal(data, &detour); err != nil {
		return fmt.Errorf("Xray: 解析出站配置失败: %w", err)
	}
	if _, err := detour.Build(); err != nil {
		return fmt.Errorf("Xray: 构建出站配置失败: %w", err)
	}
	return nil
}

// getVMessSecurity 获取 VMess 加密方式，默认为 "auto"
func getVMessSecurity(security string) string {
	if security == "" {
		return "auto"
	}
	return security
}

func isTLS(v string) bool {
	return strings.EqualFold(v, "tls") || strings.EqualFold(v, "true")
}

// buildStreamSettings 构建传输协议配置
func buildStreamSettings(node *model.Node, tls bool) (map[string]interface{}, error) {
	network := strings.ToLower(node.TransferProtocol)
	if network == "" {
		network = "tcp"
	}
	host, path := transportOptions(node, network)

	streamSettings := map[string]interface{}{}

	switch network {
	case "tcp":
	case "ws", "websocket":
		network = "ws"
		wsSettings := map[string]interface{}{}
		if host != "" {
			wsSettings["host"] = host
		}
		if path != "" {
			wsSettings["path"] = path
		}
		if len(wsSettings) > 0 {
			streamSettings["wsSettings"] = wsSettings
		}
	case "httpupgrade":
		settings := map[string]interface{}{}
		if host != "" {
			settings["host"] = host
		}
		if path != "" {
			settings["path"] = path
		}
		streamSettings["httpupgradeSettings"] = settings
	case "grpc":
		serviceName := path
		grpcSettings := map[string]interface{}{}
		if serviceName != "" {
			grpcSettings["serviceName"] = serviceName
		}
		streamSettings["grpcSettings"] = grpcSettings
	default:
		return nil, fmt.Errorf("Xray: 不支持的传输协议: %s", network)
	}
	streamSettings["network"] = network

	if tls {
		streamSettings["security"] = "tls"
		streamSettings["tlsSettings"] = buildTLSSettings(node)
	}
	return streamSettings, nil
}

// buildTLSSettings 构建 TLS 配置，未设置 SNI 时回退到 host 参数
func buildTLSSettings(node *model.Node) map[string]interface{} {
	tlsSettings := map[string]interface{}{}
	serverName := node.ServerName
	if serverName == "" {
		serverName = node.RawParams["host"]
	}
	if serverName != "" {
		tlsSettings["serverName"] = serverName
	}
	if node.RawParams["skip-cert-verify"] == "true" {
		tlsSettings["allowInsecure"] = true
	}

	// ALPN 应该是字符串数组
	var alpnArray []string
	raw := node.RawParams["alpn"]
	if strings.HasPrefix(raw, "[") {
		_ = json.Unmarshal([]byte(raw), &alpnArray)
	} else {
		for _, alpn := range strings.Split(raw, ",") {
			if alpn = strings.TrimSpace(alpn); alpn != "" {
				alpnArray = append(alpnArray, alpn)
			}
		}
	}
	if len(alpnArray) > 0 {
		tlsSettings["alpn"] = alpnArray
	}
	return tlsSettings
}

// transportOptions 取出传输层的 host 和 path（grpc 为 serviceName）。
// 链接解析得到的是平铺的 host / path 参数，Clash 配置得到的是 ws-opts / grpc-opts 对象。
func transportOptions(node *model.Node, network string) (host, path string) {
	host = node.RawParams["host"]
	path = node.RawParams["path"]

	switch network {
	case "ws", "websocket", "httpupgrade":
		var opts struct {
			Path    string            `json:"path"`
			Headers map[string]string `json:"headers"`
		}
		if raw := node.RawParams["ws-opts"]; raw != "" && json.Unmarshal([]byte(raw), &opts) == nil {
			if opts.Path != "" {
				path = opts.Path
			}
			if h := opts.Headers["Host"]; h != "" {
				host = h
			}
		}
	case "grpc":
		var opts struct {
			ServiceName string `json:"grpc-service-name"`
		}
		if raw := node.RawParams["grpc-opts"]; raw != "" && json.Unmarshal([]byte(raw), &opts) == nil && opts.ServiceName != "" {
			path = opts.ServiceName
		}
	}
	return host, path
}
