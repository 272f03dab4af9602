package error

import (
	"errors"
	"fmt"
)

// 错误码
const (
	CodeFetchFailed     = "FETCH_FAILED"     // 订阅下载失败（内容为空）
	CodeParseFailed     = "PARSE_FAILED"     // 两级解析器均未得到节点
	CodeUnauthorized    = "UNAUTHORIZED"     // 未授权访问本地文件或脚本
	CodeScriptFault     = "SCRIPT_FAULT"     // 脚本语法 / 运行时错误
	CodeUnsupportedLink = "UNSUPPORTED_LINK" // 无法识别的链接
	CodeConfigInvalid   = "CONFIG_INVALID"   // 配置无效
	CodeDBError         = "DB_ERROR"         // 数据库错误
)

// AppError 定义结构化应用错误
type AppError struct {
	Code    string // 错误码
	Message string // 错误消息
	Err     error  // 原始错误（可选）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap 接口
func (e *AppError) Unwrap() error {
	return e.Err
}

// New 创建 AppError
func New(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is 判断错误链中是否存在指定错误码的 AppError
func Is(err error, code string) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}
