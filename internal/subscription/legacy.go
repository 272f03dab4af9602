package subscription

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"myproxy.com/subconv/internal/model"
)

// LegacyParser 旧式解析器：按协议前缀分派到各 ServerParser，
// 并支持 Base64 订阅、JSON 数组、Clash YAML 和 SSD 等整体内容格式。
type LegacyParser struct {
	parsers map[string]ServerParser // key 为协议前缀（包括 "://"）
}

// NewLegacyParser 创建旧式解析器并注册所有支持的协议
func NewLegacyParser() *LegacyParser {
	parsers := make(map[string]ServerParser)
	parsers["vmess://"] = &VMessParser{}
	parsers["ss://"] = &SSParser{}
	parsers["ssr://"] = &SSRParser{}
	parsers["trojan://"] = &TrojanParser{}
	parsers["socks5://"] = &SOCKS5Parser{}
	parsers["socks://"] = &SOCKS5Parser{}
	parsers["http://"] = &HTTPParser{}
	parsers["https://"] = &HTTPParser{}
	parsers["tg://"] = &TelegramParser{}
	parsers["Netch://"] = &NetchParser{}

	return &LegacyParser{parsers: parsers}
}

// ExplodeLink 解析单条节点链接。
// 无法识别或解析失败时返回 Type 为 Unknown 的节点和错误。
func (lp *LegacyParser) ExplodeLink(link string) (model.Node, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return model.Node{}, fmt.Errorf("空链接")
	}

	var parser ServerParser
	switch {
	case strings.HasPrefix(link, "https://t.me/socks"), strings.HasPrefix(link, "https://t.me/http"):
		parser = &TelegramParser{}
	default:
		// 查找第一个 "://" 出现的位置，取出前缀
		if idx := strings.Index(link, "://"); idx != -1 {
			parser = lp.parsers[link[:idx+3]]
			if parser == nil {
				parser = lp.parsers[strings.ToLower(link[:idx])+"://"]
			}
		}
	}
	// 没有找到解析器时尝试简单格式
	if parser == nil {
		parser = &SimpleParser{}
	}

	node, err := parser.Parse(link)
	if err != nil {
		return model.Node{}, err
	}
	if node == nil || node.Type == model.ProxyTypeUnknown {
		return model.Node{}, fmt.Errorf("不支持的链接: %s", link)
	}
	return *node, nil
}

// ParseContent 解析整段订阅内容，返回解析出的节点。没有任何节点时返回错误。
func (lp *LegacyParser) ParseContent(content string) ([]model.Node, error) {
	content = strings.TrimSpace(strings.TrimPrefix(content, "\ufeff"))
	if content == "" {
		return nil, fmt.Errorf("订阅内容为空")
	}

	var nodes []model.Node
	switch {
	case strings.HasPrefix(content, "ssd://"):
		nodes = lp.parseSSD(content)
	case isClashYAML(content):
		nodes = lp.parseClash(content)
	case strings.HasPrefix(content, "["):
		nodes = lp.parseJSON(content)
	default:
		// 整体 Base64 编码的链接列表
		if !strings.Contains(content, "://") {
			if decoded, err := decodeBase64(strings.Join(strings.Fields(content), "")); err == nil && utf8.Valid(decoded) {
				content = string(decoded)
			}
		}
		nodes = lp.parseLines(content)
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("不支持的订阅格式")
	}
	return nodes, nil
}

// parseLines 每行一个节点链接，无法解析的行被跳过
func (lp *LegacyParser) parseLines(content string) []model.Node {
	var nodes []model.Node
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		node, err := lp.ExplodeLink(line)
		if err != nil {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// parseJSON 解析 JSON 数组格式（默认为 SOCKS5）
func (lp *LegacyParser) parseJSON(content string) []model.Node {
	var jsonServers []struct {
		Name     string     `json:"name"`
		Addr     string     `json:"addr"`
		Server   string     `json:"server"`
		Port     flexString `json:"port"`
		Username string     `json:"username"`
		Password string     `json:"password"`
	}
	if err := json.Unmarshal([]byte(content), &jsonServers); err != nil {
		return nil
	}

	nodes := make([]model.Node, 0, len(jsonServers))
	for _, js := range jsonServers {
		host := js.Addr
		if host == "" {
			host = js.Server
		}
		port, err := parsePort(string(js.Port))
		if err != nil || host == "" {
			continue
		}
		n := model.Node{
			Type:     model.ProxyTypeSOCKS5,
			Remark:   js.Name,
			Hostname: host,
			Port:     port,
			Username: js.Username,
			Password: js.Password,
		}
		defaultRemark(&n)
		nodes = append(nodes, n)
	}
	return nodes
}

// isClashYAML 内容中存在顶层 proxies 键
func isClashYAML(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimRight(line, "\r"), "proxies:") {
			return true
		}
	}
	return false
}

// parseClash 解析 Clash YAML 中的 proxies 列表
func (lp *LegacyParser) parseClash(content string) []model.Node {
	var cfg struct {
		Proxies []map[string]any `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil
	}

	nodes := make([]model.Node, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		entry := EntryFromMap(p)
		if entry.Server == "" || entry.Port <= 0 {
			continue
		}
		node := ToNode(entry)
		if node.Type == model.ProxyTypeUnknown && entry.Type == "" {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// ssdSubscription SSD 订阅格式
type ssdSubscription struct {
	Airport      string     `json:"airport"`
	Port         flexString `json:"port"`
	Encryption   string     `json:"encryption"`
	Password     string     `json:"password"`
	TrafficUsed  flexString `json:"traffic_used"`
	TrafficTotal flexString `json:"traffic_total"`
	Expiry       string     `json:"expiry"`
	Plugin       string     `json:"plugin"`
	PluginOpts   string     `json:"plugin_options"`
	Servers      []struct {
		Server     string     `json:"server"`
		Port       flexString `json:"port"`
		Encryption string     `json:"encryption"`
		Password   string     `json:"password"`
		Plugin     string     `json:"plugin"`
		PluginOpts string     `json:"plugin_options"`
		Remarks    string     `json:"remarks"`
	} `json:"servers"`
}

func decodeSSD(content string) (*ssdSubscription, error) {
	decoded, err := decodeBase64(strings.TrimPrefix(strings.TrimSpace(content), "ssd://"))
	if err != nil {
		return nil, fmt.Errorf("ssd 内容 Base64 解码失败: %w", err)
	}
	var sub ssdSubscription
	if err := json.Unmarshal(decoded, &sub); err != nil {
		return nil, fmt.Errorf("ssd 内容解析失败: %w", err)
	}
	return &sub, nil
}

// parseSSD 解析 ssd:// 订阅，服务器未指定的字段继承订阅级默认值
func (lp *LegacyParser) parseSSD(content string) []model.Node {
	sub, err := decodeSSD(content)
	if err != nil {
		return nil
	}

	nodes := make([]model.Node, 0, len(sub.Servers))
	for _, s := range sub.Servers {
		portStr := string(s.Port)
		if portStr == "" {
			portStr = string(sub.Port)
		}
		port, err := parsePort(portStr)
		if err != nil || s.Server == "" {
			continue
		}
		n := model.Node{
			Type:          model.ProxyTypeShadowsocks,
			Remark:        s.Remarks,
			Group:         sub.Airport,
			Hostname:      s.Server,
			Port:          port,
			EncryptMethod: firstNonEmpty(s.Encryption, sub.Encryption),
			Password:      firstNonEmpty(s.Password, sub.Password),
			Plugin:        firstNonEmpty(s.Plugin, sub.Plugin),
			PluginOpts:    firstNonEmpty(s.PluginOpts, sub.PluginOpts),
		}
		defaultRemark(&n)
		nodes = append(nodes, n)
	}
	return nodes
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
