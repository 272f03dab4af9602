package script

import (
	"crypto/sha256"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	apperr "myproxy.com/subconv/internal/error"
)

// defaultAllowedPackages 脚本允许导入的标准库包。
// os、os/exec、net、net/http、syscall、unsafe 等包不在白名单内。
var defaultAllowedPackages = []string{
	"bytes",
	"encoding/base64",
	"encoding/json",
	"fmt",
	"math",
	"net/url",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// YaegiSandbox 基于 yaegi 解释器的脚本沙箱
type YaegiSandbox struct {
	allowed      map[string]bool
	symbols      interp.Exports
	cleanContext bool

	mu    sync.Mutex
	cache map[[sha256.Size]byte]*yaegiContext
}

// yaegiContext 一个已求值的解释器。mu 在句柄持有期间保持锁定。
type yaegiContext struct {
	mu     sync.Mutex
	interp *interp.Interpreter
	funcs  map[string]reflect.Value
}

// NewYaegiSandbox 创建脚本沙箱。
// 参数：
//   - cleanContext: 为 true 时每次 Release 后丢弃解释器，否则按源码缓存复用
func NewYaegiSandbox(cleanContext bool) *YaegiSandbox {
	allowed := make(map[string]bool, len(defaultAllowedPackages))
	for _, pkg := range defaultAllowedPackages {
		allowed[pkg] = true
	}

	// 只向解释器暴露白名单内的符号
	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		idx := strings.LastIndex(key, "/")
		if idx < 0 {
			continue
		}
		if allowed[key[:idx]] {
			symbols[key] = syms
		}
	}

	return &YaegiSandbox{
		allowed:      allowed,
		symbols:      symbols,
		cleanContext: cleanContext,
		cache:        make(map[[sha256.Size]byte]*yaegiContext),
	}
}

// Evaluate 实现 Sandbox
func (s *YaegiSandbox) Evaluate(source string) (Handle, error) {
	code := wrapCode(source)
	if err := s.validateImports(code); err != nil {
		return nil, apperr.New(apperr.CodeScriptFault, "脚本导入了不允许的包", err)
	}

	if s.cleanContext {
		ctx, err := s.newContext(code)
		if err != nil {
			return nil, err
		}
		ctx.mu.Lock()
		return &yaegiHandle{ctx: ctx, drop: true}, nil
	}

	key := sha256.Sum256([]byte(code))
	s.mu.Lock()
	ctx, ok := s.cache[key]
	s.mu.Unlock()
	if !ok {
		created, err := s.newContext(code)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if existing, ok := s.cache[key]; ok {
			ctx = existing
		} else {
			s.cache[key] = created
			ctx = created
		}
		s.mu.Unlock()
	}

	ctx.mu.Lock()
	return &yaegiHandle{ctx: ctx}, nil
}

// newContext 创建解释器并求值脚本
func (s *YaegiSandbox) newContext(code string) (ctx *yaegiContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx = nil
			err = apperr.New(apperr.CodeScriptFault, "脚本求值时发生 panic", fmt.Errorf("%v", r))
		}
	}()

	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(s.symbols); err != nil {
		return nil, apperr.New(apperr.CodeScriptFault, "加载标准库符号失败", err)
	}
	if _, err := i.Eval(code); err != nil {
		return nil, apperr.New(apperr.CodeScriptFault, "脚本求值失败", err)
	}

	return &yaegiContext{interp: i, funcs: make(map[string]reflect.Value)}, nil
}

// validateImports 检查脚本只导入白名单内的包
func (s *YaegiSandbox) validateImports(code string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "script.go", code, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("解析脚本失败: %w", err)
	}

	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return err
		}
		if !s.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("禁止导入: %v", forbidden)
	}
	return nil
}

// wrapCode 没有 package 声明时补上 package main
func wrapCode(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") {
			return source
		}
		break
	}
	return "package main\n\n" + source
}

// yaegiHandle 实现 Handle
type yaegiHandle struct {
	ctx      *yaegiContext
	drop     bool
	released bool
}

// Invoke 实现 Handle
func (h *yaegiHandle) Invoke(name string, args ...any) (result any, err error) {
	if h.released {
		return nil, apperr.New(apperr.CodeScriptFault, "脚本上下文已释放", nil)
	}

	fn, err := h.lookup(name)
	if err != nil {
		return nil, err
	}

	in, err := buildArgs(name, fn.Type(), args)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = apperr.New(apperr.CodeScriptFault, fmt.Sprintf("脚本函数 %s 发生 panic", name), fmt.Errorf("%v", r))
		}
	}()

	out := fn.Call(in)
	if len(out) == 0 {
		return nil, nil
	}
	// 形如 func(...) (T, error) 的函数，返回的 error 视为脚本错误
	if last := out[len(out)-1]; len(out) > 1 && last.Type().Implements(errorType) && !last.IsNil() {
		return nil, apperr.New(apperr.CodeScriptFault, fmt.Sprintf("脚本函数 %s 返回错误", name), last.Interface().(error))
	}
	return out[0].Interface(), nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// lookup 查找脚本导出的函数（结果缓存在上下文中）
func (h *yaegiHandle) lookup(name string) (fn reflect.Value, err error) {
	if fn, ok := h.ctx.funcs[name]; ok {
		return fn, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.CodeScriptFault, fmt.Sprintf("查找脚本函数 %s 时发生 panic", name), fmt.Errorf("%v", r))
		}
	}()

	v, err := h.ctx.interp.Eval("main." + name)
	if err != nil {
		return reflect.Value{}, apperr.New(apperr.CodeScriptFault, fmt.Sprintf("脚本未定义函数 %s", name), err)
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return reflect.Value{}, apperr.New(apperr.CodeScriptFault, fmt.Sprintf("%s 不是函数", name), nil)
	}
	h.ctx.funcs[name] = v
	return v, nil
}

// buildArgs 按函数签名转换参数
func buildArgs(name string, ft reflect.Type, args []any) ([]reflect.Value, error) {
	if ft.IsVariadic() || ft.NumIn() != len(args) {
		return nil, apperr.New(apperr.CodeScriptFault,
			fmt.Sprintf("脚本函数 %s 签名不符: 需要 %d 个参数，实际 %d 个", name, ft.NumIn(), len(args)), nil)
	}

	in := make([]reflect.Value, len(args))
	for idx, arg := range args {
		want := ft.In(idx)
		v := reflect.ValueOf(arg)
		switch {
		case !v.IsValid():
			v = reflect.Zero(want)
		case v.Type().AssignableTo(want):
		case v.Type().ConvertibleTo(want):
			v = v.Convert(want)
		default:
			return nil, apperr.New(apperr.CodeScriptFault,
				fmt.Sprintf("脚本函数 %s 第 %d 个参数类型不符: 需要 %s，实际 %s", name, idx+1, want, v.Type()), nil)
		}
		in[idx] = v
	}
	return in, nil
}

// Release 实现 Handle
func (h *yaegiHandle) Release() {
	if h.released {
		return
	}
	h.released = true
	if h.drop {
		h.ctx.interp = nil
		h.ctx.funcs = nil
	}
	h.ctx.mu.Unlock()
}
