package subscription

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultFetchTimeout 默认下载超时
	DefaultFetchTimeout = 30 * time.Second
	// MaxSubscriptionSize 订阅内容最大字节数（32MB）
	MaxSubscriptionSize int64 = 32 * 1024 * 1024
)

// FetchOptions 单次下载参数
type FetchOptions struct {
	Proxy    string            // 上游代理：""/"NONE" 直连，"SYSTEM" 使用环境变量，或 http(s):// / socks5:// 地址
	CacheTTL time.Duration     // >0 时缓存下载结果
	Headers  map[string]string // 请求头
}

// cacheEntry 缓存的下载结果
type cacheEntry struct {
	content string
	headers map[string]string
	expires time.Time
}

type fetchResult struct {
	content string
	headers map[string]string
}

// HTTPFetcher 订阅下载器。
// 相同参数的并发请求合并为一次下载，成功结果按 TTL 缓存。
type HTTPFetcher struct {
	timeout time.Duration
	maxSize int64

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

// NewHTTPFetcher 创建下载器
// 参数：
//   - timeout: 单次请求超时（<=0 时使用 DefaultFetchTimeout）
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{
		timeout: timeout,
		maxSize: MaxSubscriptionSize,
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Fetch 下载订阅内容。
// 返回：内容、响应头（只包含订阅元数据相关的头）和错误。内容为空视为失败。
func (f *HTTPFetcher) Fetch(link string, opt FetchOptions) (string, map[string]string, error) {
	key := cacheKey(link, opt)

	if opt.CacheTTL > 0 {
		f.mu.Lock()
		entry, ok := f.cache[key]
		f.mu.Unlock()
		if ok && f.now().Before(entry.expires) {
			return entry.content, copyHeaders(entry.headers), nil
		}
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		content, headers, err := f.download(link, opt)
		if err != nil {
			return nil, err
		}
		if opt.CacheTTL > 0 {
			f.mu.Lock()
			f.cache[key] = cacheEntry{content: content, headers: headers, expires: f.now().Add(opt.CacheTTL)}
			f.mu.Unlock()
		}
		return fetchResult{content: content, headers: headers}, nil
	})
	if err != nil {
		return "", nil, err
	}
	res := v.(fetchResult)
	return res.content, copyHeaders(res.headers), nil
}

func (f *HTTPFetcher) download(link string, opt FetchOptions) (string, map[string]string, error) {
	client, err := f.newClient(opt.Proxy)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequest(http.MethodGet, link, nil)
	if err != nil {
		return "", nil, fmt.Errorf("创建请求失败: %w", err)
	}
	for k, v := range opt.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("获取订阅失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("获取订阅失败: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return "", nil, fmt.Errorf("读取订阅内容失败: %w", err)
	}
	if int64(len(body)) > f.maxSize {
		return "", nil, fmt.Errorf("订阅内容超过 %d 字节", f.maxSize)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil, fmt.Errorf("订阅内容为空")
	}

	headers := make(map[string]string)
	for _, name := range []string{"Subscription-Userinfo", "Profile-Update-Interval", "Content-Disposition"} {
		if v := resp.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	return string(body), headers, nil
}

// newClient 按代理设置创建 HTTP 客户端
func (f *HTTPFetcher) newClient(proxyAddr string) (*http.Client, error) {
	transport := &http.Transport{
		Proxy:               nil,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
	}

	switch {
	case proxyAddr == "" || strings.EqualFold(proxyAddr, "NONE"):
	case strings.EqualFold(proxyAddr, "SYSTEM"):
		transport.Proxy = http.ProxyFromEnvironment
	default:
		u, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("无效的代理地址 %q: %w", proxyAddr, err)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h", "socks":
			var auth *proxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: f.timeout})
			if err != nil {
				return nil, fmt.Errorf("创建 SOCKS5 代理失败: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.(proxy.ContextDialer).DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("不支持的代理协议: %s", u.Scheme)
		}
	}

	return &http.Client{Transport: transport, Timeout: f.timeout}, nil
}

func cacheKey(link string, opt FetchOptions) string {
	var b strings.Builder
	b.WriteString(link)
	b.WriteString("\x00")
	b.WriteString(opt.Proxy)
	b.WriteString("\x00")
	b.WriteString(opt.Headers["User-Agent"])
	return b.String()
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
