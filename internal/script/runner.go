package script

import (
	"fmt"
	"os"
	"strings"

	apperr "myproxy.com/subconv/internal/error"
)

// PathPrefix 表示脚本引用的是文件，格式 "path:<file>"
const PathPrefix = "path:"

// Runner 以作用域方式使用沙箱：获取上下文、执行回调、在所有路径上释放。
type Runner struct {
	sandbox Sandbox
	loader  *Loader
}

// NewRunner 创建脚本执行器。
// 参数：
//   - sandbox: 脚本沙箱
//   - loader: 脚本文件加载器（可为 nil，此时直接读取文件）
func NewRunner(sandbox Sandbox, loader *Loader) *Runner {
	return &Runner{sandbox: sandbox, loader: loader}
}

// Run 加载 source 并在其上下文中执行 fn。
// source 可以是源码，也可以是 "path:<file>" 形式的文件引用。
func (r *Runner) Run(source string, fn func(h Handle) error) error {
	code, err := r.Source(source)
	if err != nil {
		return err
	}

	h, err := r.sandbox.Evaluate(code)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(h)
}

// Source 解析脚本引用，返回脚本源码
func (r *Runner) Source(ref string) (string, error) {
	if !strings.HasPrefix(ref, PathPrefix) {
		return ref, nil
	}
	if r.loader != nil {
		return r.loader.Resolve(ref)
	}
	data, err := os.ReadFile(strings.TrimPrefix(ref, PathPrefix))
	if err != nil {
		return "", apperr.New(apperr.CodeScriptFault, "读取脚本文件失败", err)
	}
	return string(data), nil
}

// CallString 调用返回 string 的脚本函数
func CallString(h Handle, name string, args ...any) (string, error) {
	out, err := h.Invoke(name, args...)
	if err != nil {
		return "", err
	}
	s, ok := out.(string)
	if !ok {
		return "", apperr.New(apperr.CodeScriptFault, fmt.Sprintf("脚本函数 %s 应返回 string，实际为 %T", name, out), nil)
	}
	return s, nil
}

// CallBool 调用返回 bool 的脚本函数
func CallBool(h Handle, name string, args ...any) (bool, error) {
	out, err := h.Invoke(name, args...)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, apperr.New(apperr.CodeScriptFault, fmt.Sprintf("脚本函数 %s 应返回 bool，实际为 %T", name, out), nil)
	}
	return b, nil
}
