package subscription

import (
	"fmt"
	"strings"

	"github.com/metacubex/mihomo/common/convert"
)

// MihomoParser 基于 mihomo 转换器的结构化解析器，兼容 mihomo 支持的全部分享链接格式
type MihomoParser struct{}

// NewMihomoParser 创建结构化解析器
func NewMihomoParser() *MihomoParser {
	return &MihomoParser{}
}

// Parse 解析订阅内容（分享链接列表或其 Base64 编码）。
// 转换器内部的 panic 被转换为错误返回。
func (p *MihomoParser) Parse(content string) (entries []ProxyEntry, err error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("订阅内容为空")
	}

	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = fmt.Errorf("mihomo 解析器 panic: %v", r)
		}
	}()

	proxies, err := convert.ConvertsV2Ray([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("mihomo 解析失败: %w", err)
	}

	entries = make([]ProxyEntry, 0, len(proxies))
	for _, proxy := range proxies {
		entries = append(entries, EntryFromMap(proxy))
	}
	return entries, nil
}
