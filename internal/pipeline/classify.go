package pipeline

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/samber/lo"

	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/script"
	"myproxy.com/subconv/internal/subscription"
)

const (
	// Placeholder 占位节点标记
	Placeholder = "nullnode"

	scriptPrefix        = "script:"
	tagPrefix           = "tag:"
	batchSeparator      = "|"
	installConfigPrefix = "surge:///install-config"

	// clashUserAgent 替换浏览器 User-Agent 使用的客户端标识
	clashUserAgent = "clash.meta"
)

// LinkKind 链接的处理方式
type LinkKind int

const (
	KindUnsupported   LinkKind = iota // 无法识别
	KindPlaceholder                   // 占位节点
	KindScript                        // 脚本改写的订阅
	KindBatch                         // '|' 分隔的批量链接
	KindSubscription                  // 订阅链接，交给下游 provider，不在此下载
	KindInstallConfig                 // surge 安装链接，解析 url 参数后下载
	KindNodeLink                      // 单个节点链接，直接交给解析级联
	KindSOCKS                         // Telegram SOCKS 代理链接
	KindHTTP                          // Telegram HTTP 代理链接
	KindNetch                         // Netch:// 链接
	KindLocal                         // 本地配置文件
	KindOther                         // 其它协议，交给旧式解析器逐条解析
)

var kindNames = map[LinkKind]string{
	KindUnsupported:   "unsupported",
	KindPlaceholder:   "placeholder",
	KindScript:        "script",
	KindBatch:         "batch",
	KindSubscription:  "subscription",
	KindInstallConfig: "install-config",
	KindNodeLink:      "node-link",
	KindSOCKS:         "socks",
	KindHTTP:          "http",
	KindNetch:         "netch",
	KindLocal:         "local",
	KindOther:         "other",
}

func (k LinkKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("LinkKind(%d)", int(k))
}

// nodeSchemes 结构化解析器可以直接解析的节点协议
var nodeSchemes = []string{
	"ss", "ssr", "vmess", "vless", "trojan",
	"hysteria", "hysteria2", "hy2", "tuic",
	"socks", "socks5", "socks5h", "anytls",
}

var browserTokens = []string{
	"Mozilla/", "AppleWebKit/", "Chrome/", "Safari/", "Firefox/", "Edg/", "Edge/",
	"OPR/", "Opera/", "Brave/", "Vivaldi/", "YaBrowser/", "SamsungBrowser/",
	"UCBrowser/", "Maxthon/", "QQBrowser/", "Sogou/", "360SE", "360EE", "Whale/", "MSIE ",
}

func isLink(link string) bool {
	return strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") || strings.HasPrefix(link, "data:")
}

func isNodeScheme(link string) bool {
	return lo.ContainsBy(nodeSchemes, func(scheme string) bool {
		return strings.HasPrefix(link, scheme+"://")
	})
}

func isBrowserUA(ua string) bool {
	return lo.ContainsBy(browserTokens, func(token string) bool {
		return strings.Contains(ua, token)
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// splitTag 拆分 "tag:<group>,<rest>"；没有逗号时原样返回
func splitTag(link string) (group, rest string, ok bool) {
	body, found := strings.CutPrefix(link, tagPrefix)
	if !found {
		return "", link, false
	}
	group, rest, ok = strings.Cut(body, ",")
	if !ok {
		return "", link, false
	}
	return group, rest, true
}

func isBatch(link string) bool {
	return strings.Contains(link, batchSeparator) && (isLink(link) || isNodeScheme(link))
}

// Classify 判断链接的处理方式，不做任何下载和解析。
func Classify(link string) LinkKind {
	link = strings.ReplaceAll(link, `"`, "")
	if strings.HasPrefix(link, scriptPrefix) {
		return KindScript
	}
	if _, rest, ok := splitTag(link); ok {
		link = rest
	}
	if link == Placeholder {
		return KindPlaceholder
	}
	if isBatch(link) {
		return KindBatch
	}
	return classifyBucket(link)
}

func classifyBucket(link string) LinkKind {
	switch {
	case strings.HasPrefix(link, "https://t.me/socks"), strings.HasPrefix(link, "tg://socks"):
		return KindSOCKS
	case strings.HasPrefix(link, "https://t.me/http"), strings.HasPrefix(link, "tg://http"):
		return KindHTTP
	case strings.HasPrefix(link, installConfigPrefix):
		return KindInstallConfig
	case isLink(link) || isNodeScheme(link):
		return classifySubscription(link)
	case strings.HasPrefix(link, "Netch://"):
		return KindNetch
	case fileExists(link):
		return KindLocal
	case !strings.Contains(link, "://"):
		// 省略了 http(s):// 的订阅地址
		return KindSubscription
	default:
		return KindOther
	}
}

// classifySubscription 区分订阅链接和节点链接
func classifySubscription(link string) LinkKind {
	if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
		if !strings.Contains(link, "://") {
			return KindSubscription
		}
		return KindNodeLink
	}

	rest := link[strings.Index(link, "://")+3:]
	if strings.Contains(rest, "?") {
		return KindSubscription
	}
	if idx := strings.Index(rest, "/"); idx >= 0 && len(rest[idx:]) > 1 {
		return KindSubscription
	}
	// 只有主机（和单个 '/'）：HTTP 代理节点
	return KindNodeLink
}

// AddNodes 处理一条原始链接，把得到的节点追加到 all。
// 返回 nil 表示成功（包括推迟给下游处理的订阅链接）。
func AddNodes(link string, all *[]model.Node, groupID int, set ParseSettings) error {
	log := sinkOrNop(set.Log)
	link = strings.ReplaceAll(link, `"`, "")

	if strings.HasPrefix(link, scriptPrefix) {
		if !set.Authorized {
			log.Errorf("未授权，拒绝执行脚本链接")
			return apperr.New(apperr.CodeUnauthorized, "脚本链接需要授权", nil)
		}
		link = runLinkScript(link, set)
		if strings.HasPrefix(link, scriptPrefix) {
			// 脚本未能改写链接
			log.Errorf("No valid link found.")
			return apperr.New(apperr.CodeUnsupportedLink, "No valid link found.", nil)
		}
	}

	var customGroup string
	if group, rest, ok := splitTag(link); ok {
		customGroup, link = group, rest
	}

	if link == Placeholder {
		log.Infof("Adding node placeholder...")
		*all = append(*all, model.NewPlaceholder())
		return nil
	}

	if isBatch(link) {
		addBatch(link, customGroup, all, groupID, set)
		return nil
	}

	log.Infof("Received Link.")
	kind := classifyBucket(link)
	switch kind {
	case KindSubscription:
		log.Infof("Subscription URL detected, skipping download (will be used as proxy-provider): %s", link)
		if set.Providers != nil {
			*set.Providers = append(*set.Providers, link)
		}
		return nil
	case KindNodeLink:
		log.Infof("Node link detected, parsing directly: %s", link)
		return addParsed(link, link, nil, customGroup, all, groupID, set)
	case KindInstallConfig:
		return addFetched(link, customGroup, all, groupID, set)
	case KindLocal:
		return addLocal(link, customGroup, all, groupID, set)
	default:
		return addSingle(link, customGroup, all, groupID, set)
	}
}

// addBatch 按顺序逐个处理批量链接，单个子链接失败不影响其它子链接
func addBatch(link, customGroup string, all *[]model.Node, groupID int, set ParseSettings) {
	log := sinkOrNop(set.Log)
	for _, sub := range strings.Split(link, batchSeparator) {
		if sub == "" {
			continue
		}
		if customGroup != "" {
			sub = tagPrefix + customGroup + "," + sub
		}
		err := AddNodes(sub, all, groupID, set)
		if set.Stats != nil {
			set.Stats.Links++
		}
		if err != nil {
			log.Warnf("批量链接中的子链接处理失败: %v", err)
			if set.Stats != nil {
				set.Stats.Failed++
			}
		}
	}
}

// runLinkScript 执行 "script:<file>,<arg>,..." 得到改写后的链接。脚本出错时链接保持不变。
func runLinkScript(link string, set ParseSettings) string {
	log := sinkOrNop(set.Log)
	args := strings.Split(strings.TrimPrefix(link, scriptPrefix), ",")
	if len(args) == 0 || args[0] == "" || set.Scripts == nil {
		return link
	}
	log.Infof("Found script link. Start running...")

	first, rest := "", []string{}
	switch params := args[1:]; len(params) {
	case 0:
	case 1:
		first = params[0]
	default:
		first, rest = params[0], params[1:]
	}

	result := link
	err := set.Scripts.Run(script.PathPrefix+args[0], func(h script.Handle) error {
		out, err := script.CallString(h, script.FuncParse, first, rest)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		log.Errorf("脚本链接执行失败: %v", err)
		return link
	}
	return result
}

// addSingle 单条链接交给旧式解析器
func addSingle(link, customGroup string, all *[]model.Node, groupID int, set ParseSettings) error {
	log := sinkOrNop(set.Log)
	if set.Legacy == nil {
		return apperr.New(apperr.CodeUnsupportedLink, "No valid link found.", nil)
	}
	node, err := set.Legacy.ExplodeLink(link)
	if err != nil || node.Type == model.ProxyTypeUnknown {
		log.Errorf("No valid link found.")
		return apperr.New(apperr.CodeUnsupportedLink, "No valid link found.", err)
	}
	node.GroupID = groupID
	if customGroup != "" {
		node.Group = customGroup
	}
	*all = append(*all, node)
	return nil
}

// addFetched 解析 install-config 中的 url 参数，下载后解析
func addFetched(link, customGroup string, all *[]model.Node, groupID int, set ParseSettings) error {
	log := sinkOrNop(set.Log)
	u, err := url.Parse(link)
	if err != nil || u.Query().Get("url") == "" {
		log.Errorf("无效的安装链接: %s", link)
		return apperr.New(apperr.CodeUnsupportedLink, "安装链接缺少 url 参数", err)
	}
	target := u.Query().Get("url")

	if set.Fetcher == nil {
		return apperr.New(apperr.CodeFetchFailed, "未配置订阅下载器", nil)
	}

	headers := make(map[string]string, len(set.RequestHeaders))
	for k, v := range set.RequestHeaders {
		if strings.EqualFold(k, "User-Agent") && isBrowserUA(v) {
			log.Infof("Browser UA detected, replacing with clash.meta UA to avoid blocking")
			v = clashUserAgent
		}
		headers[k] = v
	}

	log.Infof("Downloading subscription data...")
	content, respHeaders, err := set.Fetcher.Fetch(target, subscription.FetchOptions{
		Proxy:    set.Proxy,
		CacheTTL: set.CacheTTL,
		Headers:  headers,
	})
	if err != nil || strings.TrimSpace(content) == "" {
		log.Errorf("Cannot download subscription data: %s", target)
		return apperr.New(apperr.CodeFetchFailed, "Cannot download subscription data.", err)
	}
	return addParsed(content, target, respHeaders, customGroup, all, groupID, set)
}

// addLocal 解析本地配置文件，仅使用旧式解析器
func addLocal(path, customGroup string, all *[]model.Node, groupID int, set ParseSettings) error {
	log := sinkOrNop(set.Log)
	if !set.Authorized {
		log.Errorf("未授权，拒绝读取本地文件: %s", path)
		return apperr.New(apperr.CodeUnauthorized, "读取本地文件需要授权", nil)
	}

	log.Infof("Parsing configuration file data...")
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.New(apperr.CodeParseFailed, "Invalid configuration file!", err)
	}
	if set.Legacy == nil {
		return apperr.New(apperr.CodeParseFailed, "Invalid configuration file!", nil)
	}
	nodes, err := set.Legacy.ParseContent(string(data))
	nodes = lo.Filter(nodes, func(n model.Node, _ int) bool { return n.IsValid() })
	if err != nil || len(nodes) == 0 {
		log.Errorf("Invalid configuration file!")
		return apperr.New(apperr.CodeParseFailed, "Invalid configuration file!", err)
	}

	if set.SubInfo != nil {
		if info, ok := deriveSubInfo(string(data), nil, nodes, set); ok {
			*set.SubInfo = info
		}
	}
	appendFiltered(nodes, customGroup, all, groupID, set)
	return nil
}

// addParsed 运行解析级联，过滤后追加
func addParsed(content, link string, respHeaders map[string]string, customGroup string, all *[]model.Node, groupID int, set ParseSettings) error {
	nodes, err := ParseContent(content, link, respHeaders, set)
	if err != nil {
		return err
	}
	appendFiltered(nodes, customGroup, all, groupID, set)
	return nil
}

func appendFiltered(nodes []model.Node, customGroup string, all *[]model.Node, groupID int, set ParseSettings) {
	if customGroup != "" {
		for i := range nodes {
			nodes[i].Group = customGroup
		}
	}
	nodes = FilterNodes(nodes, set.ExcludeRemarks, set.IncludeRemarks, groupID, set.Log)
	*all = append(*all, nodes...)
}
