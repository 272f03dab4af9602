// Package script 在隔离的解释器中执行用户脚本。
//
// 脚本是一段 Go 源码（可省略 package main），按名称导出以下函数之一：
//
//	func Parse(url string, args []string) string
//	func Rename(node map[string]string) string
//	func GetEmoji(node map[string]string) string
//	func Compare(a, b map[string]string) bool
//
// 脚本中的任何错误（语法、运行时 panic、缺少函数、签名不符）都以 SCRIPT_FAULT 错误返回，不会向调用方传播 panic。
package script

// 脚本导出函数名
const (
	FuncParse    = "Parse"
	FuncRename   = "Rename"
	FuncGetEmoji = "GetEmoji"
	FuncCompare  = "Compare"
)

// Sandbox 脚本沙箱
type Sandbox interface {
	// Evaluate 加载脚本源码，返回已获取的上下文句柄。调用方必须 Release。
	Evaluate(source string) (Handle, error)
}

// Handle 已加载脚本的上下文
type Handle interface {
	// Invoke 按名称调用脚本导出的函数
	Invoke(name string, args ...any) (any, error)
	// Release 归还上下文；重复调用无副作用
	Release()
}
