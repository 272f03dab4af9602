package model

import (
	"strconv"
	"strings"
)

// ProxyType 节点协议类型（封闭枚举）。
type ProxyType int

const (
	// ProxyTypeUnknown 未知类型，同时用于占位节点
	ProxyTypeUnknown ProxyType = iota
	ProxyTypeShadowsocks
	ProxyTypeShadowsocksR
	ProxyTypeVMess
	ProxyTypeVLESS
	ProxyTypeTrojan
	ProxyTypeSnell
	ProxyTypeHTTP
	ProxyTypeHTTPS
	ProxyTypeSOCKS5
	ProxyTypeWireGuard
	ProxyTypeHysteria
	ProxyTypeHysteria2
	ProxyTypeTUIC
	ProxyTypeAnyTLS
)

// typeNames 匹配器使用的大写类型名（!!TYPE= 规则按此匹配）
var typeNames = map[ProxyType]string{
	ProxyTypeUnknown:      "UNKNOWN",
	ProxyTypeShadowsocks:  "SS",
	ProxyTypeShadowsocksR: "SSR",
	ProxyTypeVMess:        "VMESS",
	ProxyTypeVLESS:        "VLESS",
	ProxyTypeTrojan:       "TROJAN",
	ProxyTypeSnell:        "SNELL",
	ProxyTypeHTTP:         "HTTP",
	ProxyTypeHTTPS:        "HTTPS",
	ProxyTypeSOCKS5:       "SOCKS5",
	ProxyTypeWireGuard:    "WIREGUARD",
	ProxyTypeHysteria:     "HYSTERIA",
	ProxyTypeHysteria2:    "HYSTERIA2",
	ProxyTypeTUIC:         "TUIC",
	ProxyTypeAnyTLS:       "ANYTLS",
}

// String 返回匹配器使用的大写类型名。
func (t ProxyType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseProxyType 将 mihomo / Clash 风格的类型字符串映射为 ProxyType。
// 无法识别的类型返回 ProxyTypeUnknown。
func ParseProxyType(s string) ProxyType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ss", "shadowsocks":
		return ProxyTypeShadowsocks
	case "ssr", "shadowsocksr":
		return ProxyTypeShadowsocksR
	case "vmess":
		return ProxyTypeVMess
	case "vless":
		return ProxyTypeVLESS
	case "trojan":
		return ProxyTypeTrojan
	case "snell":
		return ProxyTypeSnell
	case "http":
		return ProxyTypeHTTP
	case "https":
		return ProxyTypeHTTPS
	case "socks5", "socks":
		return ProxyTypeSOCKS5
	case "wireguard", "wg":
		return ProxyTypeWireGuard
	case "hysteria":
		return ProxyTypeHysteria
	case "hysteria2", "hy2":
		return ProxyTypeHysteria2
	case "tuic":
		return ProxyTypeTUIC
	case "anytls":
		return ProxyTypeAnyTLS
	default:
		return ProxyTypeUnknown
	}
}

// Node 规范化后的代理节点。
// Type 为 ProxyTypeUnknown 的节点只能是占位节点（GroupID = 0），或带有 RawParams["type"] 的未建模协议节点；
// 解析失败的结果不得进入过滤和转换阶段。
type Node struct {
	Remark           string            `json:"remark"`                      // 显示名称
	Type             ProxyType         `json:"type"`                        // 协议类型
	Hostname         string            `json:"hostname"`                    // 服务器地址
	Port             int               `json:"port"`                        // 服务器端口
	Username         string            `json:"username,omitempty"`          // 认证用户名（socks/http）
	Password         string            `json:"password,omitempty"`          // 密码
	EncryptMethod    string            `json:"encrypt_method,omitempty"`    // 加密方式（cipher / method）
	UserID           string            `json:"user_id,omitempty"`           // UUID
	AlterID          int               `json:"alter_id,omitempty"`          // VMess AlterID
	UDP              bool              `json:"udp,omitempty"`               // 是否启用 UDP
	TLS              string            `json:"tls,omitempty"`               // TLS 标识
	ServerName       string            `json:"server_name,omitempty"`       // SNI
	TransferProtocol string            `json:"transfer_protocol,omitempty"` // 传输协议: tcp, ws, grpc ...
	Plugin           string            `json:"plugin,omitempty"`            // SS 插件
	PluginOpts       string            `json:"plugin_opts,omitempty"`       // SS 插件参数
	RawParams        map[string]string `json:"raw_params,omitempty"`        // 协议原始参数，原样透传
	GroupID          int               `json:"group_id"`                    // 所属分组 ID
	Group            string            `json:"group,omitempty"`             // 分组名称，可被 tag: 覆盖
	ID               int               `json:"id"`                          // 过滤后在批次内的序号
}

// NewPlaceholder 创建占位节点。
func NewPlaceholder() Node {
	return Node{Type: ProxyTypeUnknown, GroupID: 0}
}

// IsPlaceholder 判断是否为占位节点。
func (n *Node) IsPlaceholder() bool {
	return n.Type == ProxyTypeUnknown && n.GroupID == 0 && n.RawParams["type"] == ""
}

// IsValid 节点是否为可用的解析结果：类型已建模，或保留了原始类型字符串。
func (n *Node) IsValid() bool {
	return n.Type != ProxyTypeUnknown || n.RawParams["type"] != ""
}

// TypeName 返回下游输出使用的小写类型名。
// RawParams["type"] 优先，保证结构化解析器识别到的未建模协议仍能正确输出。
func (n *Node) TypeName() string {
	if t := n.RawParams["type"]; t != "" {
		return t
	}
	if n.Type == ProxyTypeUnknown {
		return ""
	}
	return strings.ToLower(n.Type.String())
}

// SetParam 写入一个原始参数。
func (n *Node) SetParam(key, value string) {
	if n.RawParams == nil {
		n.RawParams = make(map[string]string)
	}
	n.RawParams[key] = value
}

// ScriptView 返回提供给脚本的节点只读视图。
func (n *Node) ScriptView() map[string]string {
	view := make(map[string]string, len(n.RawParams)+10)
	for k, v := range n.RawParams {
		view[k] = v
	}
	view["Remark"] = n.Remark
	view["Type"] = n.Type.String()
	view["Hostname"] = n.Hostname
	view["Port"] = strconv.Itoa(n.Port)
	view["Group"] = n.Group
	view["GroupId"] = strconv.Itoa(n.GroupID)
	view["Id"] = strconv.Itoa(n.ID)
	view["EncryptMethod"] = n.EncryptMethod
	view["ServerName"] = n.ServerName
	view["TransferProtocol"] = n.TransferProtocol
	return view
}
