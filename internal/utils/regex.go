package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

// RegexMatchTimeout 单次正则匹配的超时时间，防止用户规则造成灾难性回溯
const RegexMatchTimeout = 200 * time.Millisecond

var regexCache sync.Map // pattern -> *regexp2.Regexp

// CompileRegex 编译正则表达式（带缓存）。
// 使用 regexp2 以支持零宽断言等 PCRE 语法。
func CompileRegex(pattern string) (*regexp2.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp2.Regexp), nil
	}
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("无效的正则表达式 %q: %w", pattern, err)
	}
	re.MatchTimeout = RegexMatchTimeout
	actual, _ := regexCache.LoadOrStore(pattern, re)
	return actual.(*regexp2.Regexp), nil
}

// RegFind 判断 src 中是否存在 pattern 的匹配（部分匹配）。
func RegFind(src, pattern string) (bool, error) {
	re, err := CompileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(src)
}

// RegMatch 判断 src 是否完整匹配 pattern。
func RegMatch(src, pattern string) (bool, error) {
	return RegFind(src, `\A(?:`+pattern+`)\z`)
}

// RegReplace 将 src 中所有匹配 pattern 的部分替换为 repl（支持 $1 / ${name} 引用）。
func RegReplace(src, pattern, repl string) (string, error) {
	re, err := CompileRegex(pattern)
	if err != nil {
		return src, err
	}
	out, err := re.Replace(src, repl, -1, -1)
	if err != nil {
		return src, fmt.Errorf("正则替换失败: %w", err)
	}
	return out, nil
}
