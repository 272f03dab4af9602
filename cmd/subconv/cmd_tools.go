package main

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"myproxy.com/subconv/internal/pipeline"
	"myproxy.com/subconv/internal/service"
	"myproxy.com/subconv/internal/utils"
)

// classifyCmd 只分类链接，不做任何下载或解析
var classifyCmd = &cobra.Command{
	Use:   "classify <link...>",
	Short: "Show how each link would be handled",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, link := range args {
			fmt.Fprintf(w, "%s\t%s\n", pipeline.Classify(link), link)
		}
		return w.Flush()
	},
}

var (
	pingTimeout     time.Duration
	pingConcurrency int
)

// pingCmd 转换链接后测试每个节点的 TCP 延迟
var pingCmd = &cobra.Command{
	Use:   "ping <link...>",
	Short: "Convert links and measure TCP latency of every node",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cs, err := service.NewConvertService(appConfig, appStore, appLogger)
		if err != nil {
			return err
		}
		defer cs.Close()

		result, err := cs.Convert(cmd.Context(), args)
		if err != nil {
			return err
		}
		delays := cs.PingNodes(result.Nodes, pingTimeout, pingConcurrency)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for i := range result.Nodes {
			n := &result.Nodes[i]
			if n.IsPlaceholder() {
				continue
			}
			delay, ok := delays[utils.GenerateNodeKey(n)]
			text := "-"
			switch {
			case !ok:
			case delay < 0:
				text = "timeout"
			default:
				text = strconv.Itoa(delay) + "ms"
			}
			fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n", n.Remark, n.TypeName(), n.Hostname, n.Port, text)
		}
		return w.Flush()
	},
}

// subsCmd 列出数据库中保存的订阅
var subsCmd = &cobra.Command{
	Use:   "subs",
	Short: "List saved subscriptions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if appStore == nil {
			return fmt.Errorf("未配置 databasePath")
		}
		subs, err := appStore.GetAllSubscriptions()
		if err != nil {
			return err
		}
		sort.SliceStable(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, sub := range subs {
			nodes, err := appStore.GetNodesBySubscriptionID(sub.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%d nodes\t%s\t%s\n", sub.ID, len(nodes), sub.URL, sub.SubInfo)
		}
		return w.Flush()
	},
}

func init() {
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "单个节点的连接超时")
	pingCmd.Flags().IntVar(&pingConcurrency, "concurrency", 16, "最大并发数")
}
