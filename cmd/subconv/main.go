package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"myproxy.com/subconv/internal/config"
	"myproxy.com/subconv/internal/database"
	"myproxy.com/subconv/internal/logging"
)

var (
	configPath string
	verbose    bool

	// 由 PersistentPreRunE 初始化
	appConfig *config.Config
	appLogger *logging.Logger
	appStore  *database.Store
)

var rootCmd = &cobra.Command{
	Use:   "subconv",
	Short: "Convert proxy subscriptions and node links",
	Long: `subconv 把订阅链接、分享链接和本地配置转换为统一的节点列表。

链接可以是：
  - 单个节点分享链接（ss://、vmess://、trojan:// ...）
  - 以 '|' 分隔的批量链接，可带 "tag:<分组>," 前缀
  - surge:///install-config?url=<订阅地址>
  - 本地配置文件（需要 authorized: true）
  - script:<脚本>,<参数>（需要 authorized: true）`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appStore != nil {
			_ = appStore.Close()
		}
		if appLogger != nil {
			appLogger.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "subconv.yaml", "配置文件路径（.yaml 或 .json）")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "同时在控制台输出日志")

	rootCmd.AddCommand(convertCmd, classifyCmd, pingCmd, subsCmd)
}

// setup 加载配置，初始化日志和数据库
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	appConfig = cfg

	logger, err := logging.NewLogger(cfg.LogFile, verbose, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	appLogger = logger

	if cfg.DatabasePath != "" {
		store, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		appStore = store
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
