package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/script"
	"myproxy.com/subconv/internal/subscription"
)

// ---- fakes ----

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) add(level, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, level+" "+fmt.Sprintf(format, args...))
}

func (s *recordingSink) Debugf(format string, args ...interface{}) { s.add("DEBUG", format, args...) }
func (s *recordingSink) Infof(format string, args ...interface{})  { s.add("INFO", format, args...) }
func (s *recordingSink) Warnf(format string, args ...interface{})  { s.add("WARN", format, args...) }
func (s *recordingSink) Errorf(format string, args ...interface{}) { s.add("ERROR", format, args...) }

func (s *recordingSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// schemeParser 每行一个 "<scheme>://<name>" 链接，scheme 作为类型，name 作为备注
type schemeParser struct {
	calls int
	fail  bool
}

func (p *schemeParser) Parse(content string) ([]subscription.ProxyEntry, error) {
	p.calls++
	if p.fail {
		return nil, errors.New("structured parser failure")
	}
	var entries []subscription.ProxyEntry
	for _, line := range strings.Split(content, "\n") {
		scheme, name, ok := strings.Cut(strings.TrimSpace(line), "://")
		if !ok {
			continue
		}
		entries = append(entries, subscription.ProxyEntry{
			Name:   name,
			Type:   scheme,
			Server: name + ".example.com",
			Port:   443,
			Params: map[string]string{"password": "pw"},
		})
	}
	return entries, nil
}

type fakeFetcher struct {
	content string
	headers map[string]string
	err     error

	calls   int
	lastURL string
	lastOpt subscription.FetchOptions
}

func (f *fakeFetcher) Fetch(link string, opt subscription.FetchOptions) (string, map[string]string, error) {
	f.calls++
	f.lastURL = link
	f.lastOpt = opt
	return f.content, f.headers, f.err
}

// fakeSandbox 以源码为键注册 Go 函数
type fakeSandbox struct {
	funcs     map[string]map[string]func(args ...any) (any, error)
	evaluated int
	released  int
}

func (s *fakeSandbox) Evaluate(source string) (script.Handle, error) {
	fns, ok := s.funcs[source]
	if !ok {
		return nil, apperr.New(apperr.CodeScriptFault, "语法错误", nil)
	}
	s.evaluated++
	return &fakeHandle{sb: s, fns: fns}, nil
}

type fakeHandle struct {
	sb  *fakeSandbox
	fns map[string]func(args ...any) (any, error)
}

func (h *fakeHandle) Invoke(name string, args ...any) (any, error) {
	fn, ok := h.fns[name]
	if !ok {
		return nil, apperr.New(apperr.CodeScriptFault, "缺少函数 "+name, nil)
	}
	return fn(args...)
}

func (h *fakeHandle) Release() { h.sb.released++ }

func newSettings() (ParseSettings, *schemeParser, *recordingSink) {
	sp := &schemeParser{}
	sink := &recordingSink{}
	return ParseSettings{
		Structured: sp,
		Legacy:     subscription.NewLegacyParser(),
		Log:        sink,
	}, sp, sink
}

func remarks(nodes []model.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Remark
	}
	return out
}

// ---- LinkClassifier ----

func TestClassify(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nodes.txt")
	require.NoError(t, os.WriteFile(file, []byte("trojan://a@a.example.com:443"), 0644))

	tests := []struct {
		link string
		want LinkKind
	}{
		{"nullnode", KindPlaceholder},
		{`"nullnode"`, KindPlaceholder},
		{"tag:HK,nullnode", KindPlaceholder},
		{"script:/tmp/a.go,https://example.com", KindScript},
		{"ss://abc|trojan://def", KindBatch},
		{"https://a.example.com/sub|https://b.example.com/sub", KindBatch},
		{"tg://socks?server=1.1.1.1&port=1080", KindSOCKS},
		{"https://t.me/socks?server=1.1.1.1&port=1080", KindSOCKS},
		{"tg://http?server=1.1.1.1&port=80", KindHTTP},
		{"https://t.me/http?server=1.1.1.1&port=80", KindHTTP},
		{"surge:///install-config?url=https%3A%2F%2Fexample.com%2Fsub", KindInstallConfig},
		{"Netch://eyJ9", KindNetch},
		{file, KindLocal},
		{"newproto://abc", KindOther},
		{"data:text/plain,abc", KindSubscription},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.link), tt.link)
	}
}

func TestClassifyHostOnlyIsNodeLink(t *testing.T) {
	for _, link := range []string{
		"http://proxy.example.com:8080",
		"https://proxy.example.com:8443",
		"http://proxy.example.com:8080/",
		"trojan://host",
		"vmess://host",
		"hysteria2://host",
		"socks5://host:1080",
	} {
		assert.Equal(t, KindNodeLink, Classify(link), link)
	}
}

func TestClassifyPathOrQueryIsSubscription(t *testing.T) {
	for _, link := range []string{
		"https://host/path/more?x=y",
		"https://host/sub",
		"http://host:8080/?token=1",
		"https://host?token=1",
	} {
		assert.Equal(t, KindSubscription, Classify(link), link)
	}
}

func TestClassifyWithoutSchemeIsSubscription(t *testing.T) {
	for _, link := range []string{
		"example.com/sub",
		"sub.domain.com",
		"example.com/clash?token=xxx",
		"1.2.3.4:1080 user pass",
	} {
		assert.Equal(t, KindSubscription, Classify(link), link)
	}
}

func TestBrowserUA(t *testing.T) {
	assert.True(t, isBrowserUA("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"))
	assert.True(t, isBrowserUA("Mozilla/4.0 (compatible; MSIE 6.0)"))
	assert.False(t, isBrowserUA("clash.meta"))
	assert.False(t, isBrowserUA("ClashforWindows/0.20"))
}

// ---- AddNodes ----

func TestAddNodesDefersSubscription(t *testing.T) {
	set, sp, _ := newSettings()
	fetcher := &fakeFetcher{content: "trojan://x"}
	set.Fetcher = fetcher

	var providers []string
	set.Providers = &providers

	var all []model.Node
	require.NoError(t, AddNodes("https://host/path/more?x=y", &all, 1, set))
	require.NoError(t, AddNodes("example.com/sub", &all, 1, set))
	assert.Empty(t, all)
	assert.Zero(t, fetcher.calls)
	assert.Zero(t, sp.calls)
	assert.Equal(t, []string{"https://host/path/more?x=y", "example.com/sub"}, providers)
}

func TestAddNodesDefersSubscriptionsInBatch(t *testing.T) {
	set, _, _ := newSettings()
	var providers []string
	var stats BatchStats
	set.Providers = &providers
	set.Stats = &stats

	var all []model.Node
	require.NoError(t, AddNodes("tag:Mine,https://a.example.com/sub?t=1|trojan://B|https://b.example.com/sub?t=2", &all, 1, set))
	assert.Equal(t, []string{"https://a.example.com/sub?t=1", "https://b.example.com/sub?t=2"}, providers)
	require.Len(t, all, 1)
	assert.Equal(t, "Mine", all[0].Group)
	assert.Equal(t, BatchStats{Links: 3}, stats)
}

func TestAddNodesPlaceholder(t *testing.T) {
	settings := []ParseSettings{
		{},
		{Authorized: true, ExcludeRemarks: []string{".*"}},
		{IncludeRemarks: []string{"nothing"}},
	}
	for _, set := range settings {
		all := []model.Node{{Remark: "existing", Type: model.ProxyTypeTrojan, GroupID: 3}}
		require.NoError(t, AddNodes("nullnode", &all, 7, set))
		require.Len(t, all, 2)
		assert.Equal(t, model.ProxyTypeUnknown, all[1].Type)
		assert.Equal(t, 0, all[1].GroupID)
		assert.True(t, all[1].IsPlaceholder())
	}
}

func TestAddNodesBatchKeepsOrder(t *testing.T) {
	set, _, _ := newSettings()

	var all []model.Node
	require.NoError(t, AddNodes("vmess://c|ss://a|trojan://b|hysteria2://d", &all, 2, set))
	assert.Equal(t, []string{"c", "a", "b", "d"}, remarks(all))
	for _, n := range all {
		assert.Equal(t, 2, n.GroupID)
		assert.Equal(t, 0, n.ID)
	}
}

func TestAddNodesEndToEnd(t *testing.T) {
	set, _, _ := newSettings()

	var all []model.Node
	for _, link := range []string{"ss://abc|trojan://def", "nullnode"} {
		require.NoError(t, AddNodes(link, &all, 5, set))
	}
	require.Len(t, all, 3)
	assert.Equal(t, model.ProxyTypeShadowsocks, all[0].Type)
	assert.Equal(t, 5, all[0].GroupID)
	assert.Equal(t, model.ProxyTypeTrojan, all[1].Type)
	assert.Equal(t, 5, all[1].GroupID)
	assert.True(t, all[2].IsPlaceholder())
	assert.Equal(t, 0, all[2].GroupID)
}

func TestAddNodesBatchCountsFailures(t *testing.T) {
	set, sp, sink := newSettings()
	sp.fail = true
	stats := &BatchStats{}
	set.Stats = stats

	var all []model.Node
	err := AddNodes("trojan://pw@t.example.com:443#T|ss://broken|nullnode", &all, 1, set)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Links)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, all, 2)
	assert.Equal(t, "T", all[0].Remark)
	assert.True(t, all[1].IsPlaceholder())
	assert.True(t, sink.contains("Invalid subscription: 'ss://broken'!"))
}

func TestAddNodesTagOverridesGroup(t *testing.T) {
	set, _, _ := newSettings()

	var all []model.Node
	require.NoError(t, AddNodes("tag:Premium,trojan://a", &all, 1, set))
	require.NoError(t, AddNodes("tag:Batch,ss://b|vmess://c", &all, 2, set))
	require.Len(t, all, 3)
	assert.Equal(t, "Premium", all[0].Group)
	assert.Equal(t, "Batch", all[1].Group)
	assert.Equal(t, "Batch", all[2].Group)
}

func TestAddNodesSingleLinks(t *testing.T) {
	set, _, _ := newSettings()

	var all []model.Node
	require.NoError(t, AddNodes("tg://socks?server=1.1.1.1&port=1080&remarks=TG", &all, 4, set))
	require.Len(t, all, 1)
	assert.Equal(t, model.ProxyTypeSOCKS5, all[0].Type)
	assert.Equal(t, 4, all[0].GroupID)

	err := AddNodes("newproto://abc", &all, 4, set)
	assert.True(t, apperr.Is(err, apperr.CodeUnsupportedLink))
	assert.Len(t, all, 1)
}

func TestAddNodesFetchesInstallConfig(t *testing.T) {
	set, _, _ := newSettings()
	info := ""
	set.SubInfo = &info
	set.Proxy = "socks5://127.0.0.1:1080"
	set.RequestHeaders = map[string]string{"User-Agent": "Mozilla/5.0 Chrome/120.0", "X-Token": "t"}
	fetcher := &fakeFetcher{
		content: "ss://a\ntrojan://b",
		headers: map[string]string{"Subscription-Userinfo": "upload=0; download=1; total=2;"},
	}
	set.Fetcher = fetcher

	var all []model.Node
	err := AddNodes("surge:///install-config?url=https%3A%2F%2Fexample.com%2Fsub%3Ftoken%3D1", &all, 1, set)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/sub?token=1", fetcher.lastURL)
	assert.Equal(t, "clash.meta", fetcher.lastOpt.Headers["User-Agent"])
	assert.Equal(t, "t", fetcher.lastOpt.Headers["X-Token"])
	assert.Equal(t, "socks5://127.0.0.1:1080", fetcher.lastOpt.Proxy)
	assert.Equal(t, "Mozilla/5.0 Chrome/120.0", set.RequestHeaders["User-Agent"])
	assert.Equal(t, []string{"a", "b"}, remarks(all))
	assert.Equal(t, []int{0, 1}, []int{all[0].ID, all[1].ID})
	assert.Equal(t, "upload=0; download=1; total=2;", info)
}

func TestAddNodesFetchFailure(t *testing.T) {
	set, _, sink := newSettings()
	set.Fetcher = &fakeFetcher{err: errors.New("timeout")}

	var all []model.Node
	err := AddNodes("surge:///install-config?url=https%3A%2F%2Fexample.com%2Fsub", &all, 1, set)
	assert.True(t, apperr.Is(err, apperr.CodeFetchFailed))
	assert.Empty(t, all)
	assert.True(t, sink.contains("Cannot download subscription data"))

	set.Fetcher = &fakeFetcher{content: "  "}
	err = AddNodes("surge:///install-config?url=https%3A%2F%2Fexample.com%2Fsub", &all, 1, set)
	assert.True(t, apperr.Is(err, apperr.CodeFetchFailed))
}

func TestAddNodesLocalFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nodes.txt")
	require.NoError(t, os.WriteFile(file, []byte("trojan://a@a.example.com:443#A\nsocks5://b.example.com:1080#B\n"), 0644))

	set, sp, _ := newSettings()
	var all []model.Node
	err := AddNodes(file, &all, 1, set)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
	assert.Empty(t, all)

	set.Authorized = true
	set.ExcludeRemarks = []string{"^B$"}
	require.NoError(t, AddNodes("tag:Local,"+file, &all, 1, set))
	require.Len(t, all, 1)
	assert.Equal(t, "A", all[0].Remark)
	assert.Equal(t, "Local", all[0].Group)
	assert.Zero(t, sp.calls)
}

func TestAddNodesScriptLink(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub.go")
	source := "func Parse(url string, args []string) string { return url }"
	require.NoError(t, os.WriteFile(file, []byte(source), 0644))

	var gotArgs []any
	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		source: {script.FuncParse: func(args ...any) (any, error) {
			gotArgs = args
			return "trojan://" + args[0].(string), nil
		}},
	}}
	set, _, _ := newSettings()
	set.Scripts = script.NewRunner(sb, nil)

	var all []model.Node
	err := AddNodes("script:"+file+",fromscript,x,y", &all, 1, set)
	assert.True(t, apperr.Is(err, apperr.CodeUnauthorized))
	assert.Zero(t, sb.evaluated)

	set.Authorized = true
	require.NoError(t, AddNodes("script:"+file+",fromscript,x,y", &all, 1, set))
	require.Len(t, all, 1)
	assert.Equal(t, "fromscript", all[0].Remark)
	assert.Equal(t, []any{"fromscript", []string{"x", "y"}}, gotArgs)
	assert.Equal(t, sb.evaluated, sb.released)
}

func TestAddNodesScriptLinkToSubscription(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "provider.go")
	source := "func Parse(url string, args []string) string { return url }"
	require.NoError(t, os.WriteFile(file, []byte(source), 0644))

	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		source: {script.FuncParse: func(args ...any) (any, error) {
			return "https://sub.example.com/api?token=" + args[0].(string), nil
		}},
	}}
	set, sp, _ := newSettings()
	set.Authorized = true
	set.Scripts = script.NewRunner(sb, nil)
	var providers []string
	set.Providers = &providers

	var all []model.Node
	require.NoError(t, AddNodes("script:"+file+",abc", &all, 1, set))
	assert.Empty(t, all)
	assert.Zero(t, sp.calls)
	assert.Equal(t, []string{"https://sub.example.com/api?token=abc"}, providers)
}

func TestAddNodesScriptLinkFault(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "broken.go")
	require.NoError(t, os.WriteFile(file, []byte("func Parse("), 0644))

	set, _, _ := newSettings()
	set.Authorized = true
	set.Scripts = script.NewRunner(&fakeSandbox{}, nil)
	var providers []string
	set.Providers = &providers

	var all []model.Node
	err := AddNodes("script:"+file+",abc", &all, 1, set)
	assert.True(t, apperr.Is(err, apperr.CodeUnsupportedLink))
	assert.Empty(t, all)
	assert.Empty(t, providers)
}

// ---- ParserCascade ----

func TestParseContentFallsBackToLegacy(t *testing.T) {
	set, sp, _ := newSettings()
	sp.fail = true

	nodes, err := ParseContent("trojan://pw@t.example.com:443#T", "link", nil, set)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "T", nodes[0].Remark)
	assert.Equal(t, 1, sp.calls)
}

func TestParseContentBothFail(t *testing.T) {
	set, sp, sink := newSettings()
	sp.fail = true
	info := "untouched"
	set.SubInfo = &info

	nodes, err := ParseContent("garbage", "https://example.com/sub", nil, set)
	assert.Nil(t, nodes)
	assert.True(t, apperr.Is(err, apperr.CodeParseFailed))
	assert.Equal(t, "untouched", info)
	assert.True(t, sink.contains("https://example.com/sub"))
}

func TestParseContentKeepsUnmodeledType(t *testing.T) {
	set, _, _ := newSettings()
	set.Legacy = nil

	nodes, err := ParseContent("linksb://x", "link", nil, set)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, model.ProxyTypeUnknown, nodes[0].Type)
	assert.Equal(t, "linksb", nodes[0].TypeName())
	assert.Equal(t, "pw", nodes[0].Password)
	assert.False(t, nodes[0].IsPlaceholder())
}

func TestParseContentSubInfoFromNodes(t *testing.T) {
	set, _, _ := newSettings()
	info := ""
	set.SubInfo = &info
	set.StreamRules = model.MatchRules{{Match: `^T(\d+)G$`, Replace: "total=${1}GB&used=0"}}

	_, err := ParseContent("trojan://T100G", "link", nil, set)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("upload=0; download=0; total=%d;", uint64(100)<<30), info)
}

// ---- NodeFilter ----

func TestFilterExcludeEndToEnd(t *testing.T) {
	nodes := []model.Node{
		{Remark: "US-01", Type: model.ProxyTypeTrojan},
		{Remark: "Expire-Notice", Type: model.ProxyTypeTrojan},
	}
	out := FilterNodes(nodes, []string{"Expire"}, nil, 9, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "US-01", out[0].Remark)
	assert.Equal(t, 9, out[0].GroupID)
}

func TestFilterIsSubsequenceWithSequentialIDs(t *testing.T) {
	nodes := []model.Node{
		{Remark: "HK 01", Type: model.ProxyTypeShadowsocks, Group: "g"},
		{Remark: "HK 02", Type: model.ProxyTypeTrojan, Group: "g"},
		{Remark: "US 01", Type: model.ProxyTypeShadowsocks, Group: "g"},
		{Remark: "HK 03 Expire", Type: model.ProxyTypeVMess, Group: "g"},
		{Remark: "HK 04", Type: model.ProxyTypeVMess, Group: "g"},
	}
	exclude := []string{"Expire", "!!TYPE=TROJAN!!"}
	include := []string{"^HK"}
	sink := &recordingSink{}

	out := FilterNodes(cloneNodes(nodes), exclude, include, 3, sink)
	assert.Equal(t, []string{"HK 01", "HK 04"}, remarks(out))
	for i, n := range out {
		assert.Equal(t, i, n.ID)
		assert.Equal(t, 3, n.GroupID)
		assert.False(t, ShouldIgnore(&n, exclude, include))
	}
	assert.True(t, sink.contains("Node  g - HK 02  has been ignored and will not be added."))
	assert.True(t, sink.contains("Node  g - HK 01  has been added."))
}

func TestShouldIgnore(t *testing.T) {
	ss := &model.Node{Remark: "HK 01", Type: model.ProxyTypeShadowsocks, Port: 443}
	unknown := &model.Node{Remark: "HK 01"}

	assert.False(t, ShouldIgnore(ss, nil, nil))
	assert.True(t, ShouldIgnore(ss, []string{"!!TYPE=SS!!"}, nil))
	assert.False(t, ShouldIgnore(unknown, []string{"!!TYPE=SS!!"}, nil))
	assert.True(t, ShouldIgnore(ss, nil, []string{"US"}))
	assert.False(t, ShouldIgnore(ss, nil, []string{"US", "!!PORT=400-500!!HK"}))
	assert.True(t, ShouldIgnore(ss, []string{"!!PORT=443!!"}, []string{"HK"}))
	// 无效正则视为不匹配
	assert.False(t, ShouldIgnore(ss, []string{"(unclosed"}, nil))
}

func cloneNodes(nodes []model.Node) []model.Node {
	out := make([]model.Node, len(nodes))
	copy(out, nodes)
	return out
}

// ---- NodeTransformPipeline ----

func TestRemoveEmoji(t *testing.T) {
	assert.Equal(t, " HK 01", RemoveEmoji("🇭🇰 HK 01"))
	assert.Equal(t, "HK 01", RemoveEmoji("🚀HK 01"))
	assert.Equal(t, "🇭🇰", RemoveEmoji("🇭🇰"))
	assert.Equal(t, "HK", RemoveEmoji("HK"))
	assert.Equal(t, "", RemoveEmoji(""))
}

func TestNodeRename(t *testing.T) {
	rules := model.MatchRules{
		{Match: "香港", Replace: "HK"},
		{Match: `\s+`, Replace: "-"},
		{Match: "!!TYPE=VMESS!!-01", Replace: "-A"},
	}
	node := &model.Node{Remark: "香港 01", Type: model.ProxyTypeShadowsocks}
	NodeRename(node, rules, ExtraSettings{})
	assert.Equal(t, "HK-01", node.Remark)

	// 规则稳定后再次执行不改变备注
	NodeRename(node, rules, ExtraSettings{})
	assert.Equal(t, "HK-01", node.Remark)

	node = &model.Node{Remark: "drop me", Type: model.ProxyTypeShadowsocks}
	NodeRename(node, model.MatchRules{{Match: ".*", Replace: ""}}, ExtraSettings{})
	assert.Equal(t, "drop me", node.Remark)
}

func TestNodeRenameScript(t *testing.T) {
	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		"upper": {script.FuncRename: func(args ...any) (any, error) {
			return strings.ToUpper(args[0].(map[string]string)["Remark"]), nil
		}},
		"empty": {script.FuncRename: func(args ...any) (any, error) { return "", nil }},
		"boom": {script.FuncRename: func(args ...any) (any, error) {
			return nil, apperr.New(apperr.CodeScriptFault, "panic", nil)
		}},
	}}
	ext := ExtraSettings{Authorized: true, Scripts: script.NewRunner(sb, nil)}
	rules := model.MatchRules{
		{Script: "boom"},
		{Script: "upper"},
		{Script: "empty"},
		{Script: "missing"},
		{Match: "HK", Replace: "Hong Kong"},
	}

	node := &model.Node{Remark: "hk 01", Type: model.ProxyTypeTrojan}
	NodeRename(node, rules, ext)
	assert.Equal(t, "Hong Kong 01", node.Remark)
	assert.Equal(t, sb.evaluated, sb.released)

	ext.Authorized = false
	node = &model.Node{Remark: "hk 01", Type: model.ProxyTypeTrojan}
	NodeRename(node, rules, ext)
	assert.Equal(t, "hk 01", node.Remark)
}

func TestAddEmojiFirstMatchWins(t *testing.T) {
	rules := model.MatchRules{
		{Match: "NoReplace"},
		{Match: "(HK|Hong Kong)", Replace: "🇭🇰"},
		{Match: "01", Replace: "🔢"},
	}
	node := &model.Node{Remark: "HK 01", Type: model.ProxyTypeTrojan}
	assert.Equal(t, "🇭🇰 HK 01", AddEmoji(node, rules, ExtraSettings{}))

	node = &model.Node{Remark: "US 02", Type: model.ProxyTypeTrojan}
	assert.Equal(t, "US 02", AddEmoji(node, rules, ExtraSettings{}))
}

func TestAddEmojiScript(t *testing.T) {
	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		"flag": {script.FuncGetEmoji: func(args ...any) (any, error) {
			if strings.HasPrefix(args[0].(map[string]string)["Remark"], "JP") {
				return "🇯🇵", nil
			}
			return "", nil
		}},
	}}
	ext := ExtraSettings{Authorized: true, Scripts: script.NewRunner(sb, nil)}
	rules := model.MatchRules{{Script: "broken"}, {Script: "flag"}, {Match: ".", Replace: "🌐"}}

	assert.Equal(t, "🇯🇵 JP 01", AddEmoji(&model.Node{Remark: "JP 01"}, rules, ext))
	assert.Equal(t, "🌐 SG 01", AddEmoji(&model.Node{Remark: "SG 01"}, rules, ext))
}

func TestPreprocessNodesIsStable(t *testing.T) {
	ext := ExtraSettings{
		RemoveEmoji: true,
		AddEmoji:    true,
		RenameRules: model.MatchRules{{Match: "香港", Replace: "HK"}},
		EmojiRules:  model.MatchRules{{Match: "HK", Replace: "🇭🇰"}, {Match: "HK|US", Replace: "🌐"}},
	}
	nodes := []model.Node{
		{Remark: "🇭🇰 香港 01", Type: model.ProxyTypeTrojan},
		{Remark: "US 01", Type: model.ProxyTypeTrojan},
	}
	PreprocessNodes(nodes, ext)
	assert.Equal(t, []string{"🇭🇰 HK 01", "🌐 US 01"}, remarks(nodes))

	PreprocessNodes(nodes, ext)
	assert.Equal(t, []string{"🇭🇰 HK 01", "🌐 US 01"}, remarks(nodes))
}

func TestSortNodesLexicalIsStable(t *testing.T) {
	nodes := []model.Node{
		{Remark: "b", Hostname: "1"},
		{Remark: "a", Hostname: "2"},
		{Remark: "b", Hostname: "3"},
		{Remark: "a", Hostname: "4"},
	}
	SortNodes(nodes, ExtraSettings{Sort: true})
	got := make([]string, len(nodes))
	for i, n := range nodes {
		got[i] = n.Remark + n.Hostname
	}
	assert.Equal(t, []string{"a2", "a4", "b1", "b3"}, got)
}

func TestSortNodesScriptPutsUnknownLast(t *testing.T) {
	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		"desc": {script.FuncCompare: func(args ...any) (any, error) {
			a, b := args[0].(map[string]string), args[1].(map[string]string)
			return a["Remark"] > b["Remark"], nil
		}},
	}}
	ext := ExtraSettings{Sort: true, SortScript: "desc", Authorized: true, Scripts: script.NewRunner(sb, nil)}
	nodes := []model.Node{
		{Remark: "z-placeholder"},
		{Remark: "a", Type: model.ProxyTypeTrojan},
		{Remark: "c", Type: model.ProxyTypeTrojan},
		{Remark: "b", Type: model.ProxyTypeTrojan},
	}
	SortNodes(nodes, ext)
	assert.Equal(t, []string{"c", "b", "a", "z-placeholder"}, remarks(nodes))
	assert.Equal(t, 1, sb.released)
}

func TestSortNodesScriptFaultFallsBack(t *testing.T) {
	calls := 0
	sb := &fakeSandbox{funcs: map[string]map[string]func(args ...any) (any, error){
		"flaky": {script.FuncCompare: func(args ...any) (any, error) {
			calls++
			if calls > 1 {
				return nil, apperr.New(apperr.CodeScriptFault, "runtime error", nil)
			}
			return true, nil
		}},
	}}
	sink := &recordingSink{}
	ext := ExtraSettings{Sort: true, SortScript: "flaky", Authorized: true, Scripts: script.NewRunner(sb, nil), Log: sink}
	nodes := []model.Node{
		{Remark: "c", Type: model.ProxyTypeTrojan},
		{Remark: "a", Type: model.ProxyTypeTrojan},
		{Remark: "b", Type: model.ProxyTypeTrojan},
	}
	SortNodes(nodes, ext)
	assert.Equal(t, []string{"a", "b", "c"}, remarks(nodes))
	assert.True(t, sink.contains("排序脚本执行失败"))

	// 未授权时不执行脚本
	calls = 0
	ext.Authorized = false
	nodes = []model.Node{{Remark: "b"}, {Remark: "a"}}
	SortNodes(nodes, ext)
	assert.Equal(t, []string{"a", "b"}, remarks(nodes))
	assert.Zero(t, calls)
}
