package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	// LevelDebug 调试级别
	LevelDebug LogLevel = iota
	// LevelInfo 信息级别
	LevelInfo
	// LevelWarn 警告级别
	LevelWarn
	// LevelError 错误级别
	LevelError
	// LevelFatal 致命级别
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

var zapLevels = map[LogLevel]zapcore.Level{
	LevelDebug: zapcore.DebugLevel,
	LevelInfo:  zapcore.InfoLevel,
	LevelWarn:  zapcore.WarnLevel,
	LevelError: zapcore.ErrorLevel,
	LevelFatal: zapcore.FatalLevel,
}

// LogType 日志类型
type LogType string

const (
	// LogTypeApp 应用程序日志
	LogTypeApp LogType = "app"
	// LogTypeScript 用户脚本日志
	LogTypeScript LogType = "script"
)

const timeLayout = "2006-01-02 15:04:05"

// LogPanelCallback 日志回调函数类型
// 当有新日志写入时调用，用于把日志转发给外部展示（如 CLI 的 --verbose 输出）
type LogPanelCallback func(level, logType, message, logLine string)

// Sink 流水线使用的最小日志接口。
type Sink interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Logger 日志记录器
// 基于 zap，统一管理日志文件写入和控制台输出
type Logger struct {
	level         zap.AtomicLevel
	zl            *zap.Logger
	file          *rotatingFile
	mutex         sync.Mutex
	logFilePath   string
	panelCallback LogPanelCallback
}

const (
	// MaxLogFileSize 单个日志文件最大大小（10MB）
	MaxLogFileSize int64 = 10 * 1024 * 1024
)

// NewLogger 创建新的日志记录器
// 参数：
//   - logFilePath: 日志文件路径（为空则只输出到控制台）
//   - console: 是否输出到控制台
//   - level: 日志级别
//   - panelCallback: 日志回调函数（可选）
func NewLogger(logFilePath string, console bool, level string, panelCallback ...LogPanelCallback) (*Logger, error) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}

	logger := &Logger{
		level: zap.NewAtomicLevelAt(zapLevels[logLevel]),
	}
	if len(panelCallback) > 0 && panelCallback[0] != nil {
		logger.panelCallback = panelCallback[0]
	}

	var sinks []zapcore.WriteSyncer
	if console {
		sinks = append(sinks, zapcore.Lock(os.Stdout))
	}

	if logFilePath != "" {
		// 如果路径没有扩展名，添加 .log
		unifiedLogPath := logFilePath
		if filepath.Ext(unifiedLogPath) == "" {
			unifiedLogPath = unifiedLogPath + ".log"
		}
		logger.logFilePath = unifiedLogPath

		if err := os.MkdirAll(filepath.Dir(unifiedLogPath), 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}

		// 启动时如果日志文件存在则归档
		if err := archiveIfExists(unifiedLogPath); err != nil {
			return nil, fmt.Errorf("归档日志文件失败: %w", err)
		}

		rf, err := openRotatingFile(unifiedLogPath)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		logger.file = rf
		sinks = append(sinks, rf)
	}

	core := zapcore.NewCore(newLineEncoder(), zapcore.NewMultiWriteSyncer(sinks...), logger.level)
	logger.zl = zap.New(core, zap.Hooks(logger.notifyPanel))
	return logger, nil
}

// newLineEncoder 生成 "时间 [级别] [类型] 消息" 格式的编码器
func newLineEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "T",
		LevelKey:         "L",
		NameKey:          "N",
		MessageKey:       "M",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
		EncodeLevel:      func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString("[" + l.CapitalString() + "]") },
		EncodeName:       func(name string, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString("[" + name + "]") },
		ConsoleSeparator: " ",
	})
}

// notifyPanel 通知外部回调（确保文件写入和回调内容一致）
func (l *Logger) notifyPanel(entry zapcore.Entry) error {
	l.mutex.Lock()
	callback := l.panelCallback
	l.mutex.Unlock()
	if callback == nil {
		return nil
	}
	levelName := entry.Level.CapitalString()
	logLine := fmt.Sprintf("%s [%s] [%s] %s", entry.Time.Format(timeLayout), levelName, entry.LoggerName, entry.Message)
	callback(levelName, entry.LoggerName, entry.Message, logLine)
	return nil
}

// archiveIfExists 如果日志文件存在则归档（启动时使用）
func archiveIfExists(logPath string) error {
	fileInfo, err := os.Stat(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if fileInfo.Size() > 0 {
		timestamp := time.Now().Format("20060102_150405")
		backupPath := fmt.Sprintf("%s.%s", logPath, timestamp)
		if err := os.Rename(logPath, backupPath); err != nil {
			return fmt.Errorf("归档日志文件失败: %w", err)
		}
	}

	return nil
}

// parseLogLevel 解析日志级别字符串
func parseLogLevel(level string) (LogLevel, error) {
	level = strings.ToLower(level)
	if level == "" {
		return LevelInfo, nil
	}
	switch level {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("无效的日志级别: %s", level)
	}
}

// log 记录日志
func (l *Logger) log(level LogLevel, logType LogType, format string, args ...interface{}) {
	name := strings.ToLower(string(logType))
	if name != string(LogTypeScript) {
		name = string(LogTypeApp)
	}
	zl := l.zl.Named(name)
	message := fmt.Sprintf(format, args...)

	switch level {
	case LevelDebug:
		zl.Debug(message)
	case LevelInfo:
		zl.Info(message)
	case LevelWarn:
		zl.Warn(message)
	case LevelError:
		zl.Error(message)
	case LevelFatal:
		zl.Fatal(message)
	}
}

// SetPanelCallback 设置日志回调函数
func (l *Logger) SetPanelCallback(callback LogPanelCallback) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.panelCallback = callback
}

// Debugf 记录调试日志
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, LogTypeApp, format, args...)
}

// Infof 记录信息日志
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, LogTypeApp, format, args...)
}

// Warnf 记录警告日志
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, LogTypeApp, format, args...)
}

// Errorf 记录错误日志
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, LogTypeApp, format, args...)
}

// InfoWithType 记录指定类型的信息日志
func (l *Logger) InfoWithType(logType LogType, format string, args ...interface{}) {
	l.log(LevelInfo, logType, format, args...)
}

// GetLogLevel 获取当前日志级别
func (l *Logger) GetLogLevel() string {
	for lvl, zlvl := range zapLevels {
		if zlvl == l.level.Level() {
			return strings.ToLower(levelNames[lvl])
		}
	}
	return "info"
}

// SetLogLevel 设置日志级别
func (l *Logger) SetLogLevel(level string) {
	if logLevel, err := parseLogLevel(level); err == nil {
		l.level.SetLevel(zapLevels[logLevel])
	}
}

// Close 关闭日志记录器
func (l *Logger) Close() {
	_ = l.zl.Sync()
	if l.file != nil {
		l.file.Close()
	}
}

// GetLogFilePath 获取日志文件路径
func (l *Logger) GetLogFilePath() string {
	return l.logFilePath
}

// Log 记录日志（通用方法，支持外部调用）
func (l *Logger) Log(level, logType, message string) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		logLevel = LevelInfo
	}

	var lt LogType = LogTypeApp
	if strings.ToLower(logType) == string(LogTypeScript) {
		lt = LogTypeScript
	}

	l.log(logLevel, lt, "%s", message)
}

// SafeLogger 安全日志包装器，处理 Logger 为 nil 的情况
type SafeLogger struct {
	logger *Logger
}

// NewSafeLogger 创建安全日志包装器
func NewSafeLogger(logger *Logger) *SafeLogger {
	return &SafeLogger{
		logger: logger,
	}
}

// Log 记录日志（安全方法，处理 logger 为 nil 的情况）
func (sl *SafeLogger) Log(level, logType, message string) {
	if sl.logger != nil {
		sl.logger.Log(level, logType, message)
	}
}

// Debugf 记录调试日志
func (sl *SafeLogger) Debugf(format string, args ...interface{}) {
	sl.Log("DEBUG", "app", fmt.Sprintf(format, args...))
}

// Infof 记录信息日志
func (sl *SafeLogger) Infof(format string, args ...interface{}) {
	sl.Log("INFO", "app", fmt.Sprintf(format, args...))
}

// Warnf 记录警告日志
func (sl *SafeLogger) Warnf(format string, args ...interface{}) {
	sl.Log("WARN", "app", fmt.Sprintf(format, args...))
}

// Errorf 记录错误日志
func (sl *SafeLogger) Errorf(format string, args ...interface{}) {
	sl.Log("ERROR", "app", fmt.Sprintf(format, args...))
}

// IsReady 检查 Logger 是否已初始化
func (sl *SafeLogger) IsReady() bool {
	return sl.logger != nil
}

// SetLogger 设置底层 Logger
func (sl *SafeLogger) SetLogger(logger *Logger) {
	sl.logger = logger
}

// Nop 返回丢弃所有日志的 Sink
func Nop() Sink {
	return NewSafeLogger(nil)
}
