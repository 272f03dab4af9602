package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"myproxy.com/subconv/internal/service"
	"myproxy.com/subconv/internal/xray"
)

var (
	convertUseLast  bool
	convertXrayOut  string
	convertXrayPort int
	convertDirect   []string
)

// convertCmd 转换链接并输出节点
var convertCmd = &cobra.Command{
	Use:   "convert [link...]",
	Short: "Convert links into a node list",
	Long: `按顺序处理给定的链接，输出过滤、重命名、排序后的节点（JSON）。

第 i 条链接的节点属于分组 i。配置了 databasePath 时结果会保存到数据库。
使用 --xray 可以同时导出 xray 配置文件。`,
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().BoolVar(&convertUseLast, "last", false, "使用上一次转换的链接（需要数据库）")
	convertCmd.Flags().StringVar(&convertXrayOut, "xray", "", "导出 xray 配置到指定文件")
	convertCmd.Flags().IntVar(&convertXrayPort, "port", 0, "xray 本地 SOCKS5 端口（默认使用上次的端口或 10808）")
	convertCmd.Flags().StringSliceVar(&convertDirect, "direct", nil, "xray 直连列表（domain:xxx 或 ip/cidr）")
}

func runConvert(cmd *cobra.Command, args []string) error {
	configService := service.NewConfigService(appStore)

	links := args
	if convertUseLast {
		links = configService.GetLastLinks()
	}
	if len(links) == 0 {
		return fmt.Errorf("没有需要转换的链接")
	}

	cs, err := service.NewConvertService(appConfig, appStore, appLogger)
	if err != nil {
		return err
	}
	defer cs.Close()

	result, err := cs.Convert(cmd.Context(), links)
	if err != nil {
		return err
	}
	if appStore != nil {
		if err := configService.SetLastLinks(links); err != nil {
			appLogger.Warnf("保存最近链接失败: %v", err)
		}
	}

	out := struct {
		Nodes     interface{}       `json:"nodes"`
		SubInfo   map[string]string `json:"sub_info,omitempty"`
		Providers []string          `json:"providers,omitempty"`
		Failed    []string          `json:"failed,omitempty"`
	}{result.Nodes, result.SubInfo, result.Providers, result.Failed}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}

	if convertXrayOut == "" {
		return nil
	}
	port := convertXrayPort
	if port == 0 {
		port, _ = strconv.Atoi(configService.GetExportPort(strconv.Itoa(xray.DefaultLocalPort)))
	}
	exported, err := cs.Export(result.Nodes, xray.ExportOptions{
		LocalPort: port,
		Routing:   &xray.RoutingOptions{DirectRoutes: convertDirect},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(convertXrayOut, exported.Config, 0644); err != nil {
		return fmt.Errorf("写入 xray 配置失败: %w", err)
	}
	if appStore != nil {
		_ = configService.SetExportPort(strconv.Itoa(port))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "xray: 导出 %d 个节点，跳过 %d 个（%s）\n",
		exported.Exported, len(exported.Skipped), strings.Join(exported.Skipped, ", "))
	return nil
}
