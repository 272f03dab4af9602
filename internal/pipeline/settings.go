// Package pipeline 实现节点处理流水线：链接分类、解析级联、节点过滤和节点后处理。
//
// 每次调用都使用调用方提供的节点集合和设置快照，流水线内部不读取任何全局状态，
// 因此不同订阅 / 不同请求可以并发执行。批量链接（以 '|' 分隔）始终按顺序处理。
package pipeline

import (
	"time"

	"myproxy.com/subconv/internal/logging"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/script"
	"myproxy.com/subconv/internal/subscription"
)

// Fetcher 订阅下载器
type Fetcher interface {
	// Fetch 下载订阅内容，返回内容和订阅相关的响应头。内容为空时返回错误。
	Fetch(link string, opt subscription.FetchOptions) (string, map[string]string, error)
}

// StructuredParser 结构化解析器（优先使用）
type StructuredParser interface {
	Parse(content string) ([]subscription.ProxyEntry, error)
}

// LegacyParser 旧式解析器（结构化解析失败时回退）
type LegacyParser interface {
	ParseContent(content string) ([]model.Node, error)
	ExplodeLink(link string) (model.Node, error)
}

// BatchStats 批量链接的处理统计
type BatchStats struct {
	Links  int // 处理的子链接数
	Failed int // 失败的子链接数
}

// ParseSettings 解析阶段的设置快照
type ParseSettings struct {
	Proxy          string            // 下载订阅使用的上游代理
	CacheTTL       time.Duration     // 订阅缓存时间
	RequestHeaders map[string]string // 下载订阅的请求头
	ExcludeRemarks []string          // 排除规则
	IncludeRemarks []string          // 包含规则，为空表示全部包含
	StreamRules    model.MatchRules  // 从节点备注提取流量信息的规则
	TimeRules      model.MatchRules  // 从节点备注提取到期时间的规则
	Authorized     bool              // 允许脚本和本地文件

	SubInfo   *string     // 非 nil 时写入订阅信息
	Stats     *BatchStats // 非 nil 时记录批量链接统计
	Providers *[]string   // 非 nil 时记录推迟给下游 provider 的订阅链接（包括批量和脚本产生的）

	Fetcher    Fetcher
	Structured StructuredParser // 可为 nil，此时只使用旧式解析器
	Legacy     LegacyParser
	Scripts    *script.Runner
	Log        logging.Sink
}

// ExtraSettings 后处理阶段的设置快照
type ExtraSettings struct {
	RemoveEmoji bool
	AddEmoji    bool
	RenameRules model.MatchRules
	EmojiRules  model.MatchRules
	Sort        bool
	SortScript  string
	Authorized  bool

	Scripts *script.Runner
	Log     logging.Sink
}

func sinkOrNop(s logging.Sink) logging.Sink {
	if s == nil {
		return logging.Nop()
	}
	return s
}
