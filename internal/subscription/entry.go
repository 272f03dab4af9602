package subscription

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"myproxy.com/subconv/internal/model"
)

// ProxyEntry 结构化解析器输出的一条代理配置（Clash / mihomo 方言）
type ProxyEntry struct {
	Name   string
	Type   string
	Server string
	Port   int
	Params map[string]string // 除 name/type/server/port 之外的全部字段
}

// EntryFromMap 将 Clash 风格的代理字典转换为 ProxyEntry。
// 非字符串的值转换为字符串：数字按十进制，布尔为 "true"/"false"，其它复杂类型序列化为 JSON。
func EntryFromMap(m map[string]any) ProxyEntry {
	e := ProxyEntry{
		Name:   stringify(m["name"]),
		Type:   stringify(m["type"]),
		Server: stringify(m["server"]),
		Port:   toIntPort(m["port"]),
		Params: make(map[string]string, len(m)),
	}
	for k, v := range m {
		switch k {
		case "name", "type", "server", "port":
			continue
		}
		if v == nil {
			continue
		}
		e.Params[k] = stringify(v)
	}
	return e
}

// toIntPort 端口可能是数字也可能是字符串
func toIntPort(v any) int {
	switch p := v.(type) {
	case int:
		return p
	case int64:
		return int(p)
	case uint16:
		return int(p)
	case float64:
		return int(p)
	case json.Number:
		n, _ := p.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(p))
		return n
	default:
		n, _ := strconv.Atoi(fmt.Sprint(p))
		return n
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint16:
		return strconv.FormatUint(uint64(x), 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// ToNode 将 ProxyEntry 映射为规范节点。
// 识别的字段写入对应的类型化属性，所有字段（包括 type）同时原样写入 RawParams。
func ToNode(e ProxyEntry) model.Node {
	n := model.Node{
		Remark:    e.Name,
		Type:      model.ParseProxyType(e.Type),
		Hostname:  e.Server,
		Port:      e.Port,
		RawParams: make(map[string]string, len(e.Params)+1),
	}

	for key, value := range e.Params {
		n.RawParams[key] = value
		switch key {
		case "password":
			n.Password = value
		case "cipher", "method":
			n.EncryptMethod = value
		case "uuid":
			n.UserID = value
		case "alterId":
			n.AlterID, _ = strconv.Atoi(value)
		case "udp":
			n.UDP = value == "true"
		case "tls":
			n.TLS = value
		case "sni", "servername":
			n.ServerName = value
		case "network":
			n.TransferProtocol = value
		case "username":
			n.Username = value
		}
	}
	// 保留原始类型字符串，未建模的协议也能正确输出
	n.RawParams["type"] = e.Type
	return n
}
