package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"myproxy.com/subconv/internal/pipeline"
)

// Config 存储应用的配置信息：日志、数据库、订阅下载和节点处理规则。
type Config struct {
	LogLevel     string `json:"logLevel" yaml:"logLevel"`                             // 日志级别
	LogFile      string `json:"logFile" yaml:"logFile"`                               // 日志文件路径
	DatabasePath string `json:"databasePath,omitempty" yaml:"databasePath,omitempty"` // SQLite 数据库路径，为空时不持久化

	Authorized         bool `json:"authorized" yaml:"authorized"`                 // 允许执行脚本和读取本地文件
	ScriptCleanContext bool `json:"scriptCleanContext" yaml:"scriptCleanContext"` // 每次脚本调用后丢弃解释器
	SkipFailedLinks    bool `json:"skipFailedLinks" yaml:"skipFailedLinks"`       // 跳过无法解析的链接而不是整体失败

	CacheTTL       Duration          `json:"cacheTTL" yaml:"cacheTTL"`                                 // 订阅缓存时间，如 "10m"
	FetchTimeout   Duration          `json:"fetchTimeout" yaml:"fetchTimeout"`                         // 订阅下载超时
	Proxy          string            `json:"proxy" yaml:"proxy"`                                       // 下载订阅使用的上游代理
	RequestHeaders map[string]string `json:"requestHeaders,omitempty" yaml:"requestHeaders,omitempty"` // 下载订阅的请求头

	ExcludeRemarks []string `json:"excludeRemarks,omitempty" yaml:"excludeRemarks,omitempty"` // 排除规则
	IncludeRemarks []string `json:"includeRemarks,omitempty" yaml:"includeRemarks,omitempty"` // 包含规则

	RenameRules RuleList `json:"renameRules,omitempty" yaml:"renameRules,omitempty"` // 重命名规则
	EmojiRules  RuleList `json:"emojiRules,omitempty" yaml:"emojiRules,omitempty"`   // emoji 规则
	StreamRules RuleList `json:"streamRules,omitempty" yaml:"streamRules,omitempty"` // 流量信息规则
	TimeRules   RuleList `json:"timeRules,omitempty" yaml:"timeRules,omitempty"`     // 到期时间规则

	AddEmoji    bool   `json:"addEmoji" yaml:"addEmoji"`
	RemoveEmoji bool   `json:"removeEmoji" yaml:"removeEmoji"`
	Sort        bool   `json:"sort" yaml:"sort"`
	SortScript  string `json:"sortScript,omitempty" yaml:"sortScript,omitempty"`
}

// DefaultConfig 返回默认的应用配置。
// 返回：包含默认值的配置实例
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		LogFile:      "subconv.log",
		DatabasePath: "",
		CacheTTL:     Duration(0),
		FetchTimeout: Duration(30 * time.Second),
		Proxy:        "NONE",
		RequestHeaders: map[string]string{
			"User-Agent": "clash.meta",
		},
		RemoveEmoji: true,
		AddEmoji:    false,
	}
}

// LoadConfig 从指定的文件加载配置，根据扩展名选择 YAML 或 JSON。
// 如果文件不存在，会创建包含默认配置的新文件。
// 参数：
//   - filePath: 配置文件路径
//
// 返回：配置实例和错误（如果有）
func LoadConfig(filePath string) (*Config, error) {
	// 如果文件不存在，返回默认配置
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		defaultConfig := DefaultConfig()
		if err := SaveConfig(defaultConfig, filePath); err != nil {
			return nil, fmt.Errorf("保存默认配置失败: %w", err)
		}
		return defaultConfig, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 未出现的字段保留默认值
	config := DefaultConfig()
	if isJSON(filePath) {
		err = json.Unmarshal(data, config)
	} else {
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return config, nil
}

// SaveConfig 将配置保存到指定的文件。
// 如果目录不存在，会自动创建。
// 参数：
//   - config: 要保存的配置实例
//   - filePath: 配置文件路径
//
// 返回：错误（如果有）
func SaveConfig(config *Config, filePath string) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("配置验证失败: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isJSON(filePath) {
		data, err = json.MarshalIndent(config, "", "  ")
	} else {
		data, err = yaml.Marshal(config)
	}
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("写入配置文件失败: %w", err)
	}

	return nil
}

func isJSON(filePath string) bool {
	return strings.EqualFold(filepath.Ext(filePath), ".json")
}

// Validate 验证配置的有效性。
// 该方法会检查日志级别、缓存时间和规则的合法性。
// 返回：如果配置无效则返回错误，否则返回 nil
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if c.LogLevel != "" && !validLogLevels[c.LogLevel] {
		return fmt.Errorf("无效的日志级别: %s", c.LogLevel)
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("订阅缓存时间不能为负数: %s", time.Duration(c.CacheTTL))
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("下载超时不能为负数: %s", time.Duration(c.FetchTimeout))
	}

	for name, rules := range map[string]RuleList{
		"renameRules": c.RenameRules,
		"emojiRules":  c.EmojiRules,
		"streamRules": c.StreamRules,
		"timeRules":   c.TimeRules,
	} {
		for i, rule := range rules {
			if rule.Match == "" && rule.Script == "" {
				return fmt.Errorf("%s[%d]: 规则必须包含 match 或 script", name, i)
			}
		}
	}

	return nil
}

// ParseSettings 生成解析阶段的设置快照，运行期依赖（下载器、解析器、脚本、日志）由调用方填充
func (c *Config) ParseSettings() pipeline.ParseSettings {
	headers := make(map[string]string, len(c.RequestHeaders))
	for k, v := range c.RequestHeaders {
		headers[k] = v
	}
	return pipeline.ParseSettings{
		Proxy:          c.Proxy,
		CacheTTL:       time.Duration(c.CacheTTL),
		RequestHeaders: headers,
		ExcludeRemarks: append([]string(nil), c.ExcludeRemarks...),
		IncludeRemarks: append([]string(nil), c.IncludeRemarks...),
		StreamRules:    c.StreamRules.Rules(),
		TimeRules:      c.TimeRules.Rules(),
		Authorized:     c.Authorized,
	}
}

// ExtraSettings 生成后处理阶段的设置快照
func (c *Config) ExtraSettings() pipeline.ExtraSettings {
	return pipeline.ExtraSettings{
		RemoveEmoji: c.RemoveEmoji,
		AddEmoji:    c.AddEmoji,
		RenameRules: c.RenameRules.Rules(),
		EmojiRules:  c.EmojiRules.Rules(),
		Sort:        c.Sort,
		SortScript:  c.SortScript,
		Authorized:  c.Authorized,
	}
}
