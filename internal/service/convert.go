package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"myproxy.com/subconv/internal/config"
	"myproxy.com/subconv/internal/database"
	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/logging"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/pipeline"
	"myproxy.com/subconv/internal/script"
	"myproxy.com/subconv/internal/subscription"
	"myproxy.com/subconv/internal/utils"
	"myproxy.com/subconv/internal/xray"
)

// ConvertService 转换服务层：把一组链接转换为节点列表，并负责持久化、测速和导出。
type ConvertService struct {
	cfg   *config.Config
	store *database.Store // 可为 nil，此时不持久化

	fetcher    pipeline.Fetcher
	structured pipeline.StructuredParser
	legacy     pipeline.LegacyParser
	loader     *script.Loader
	scripts    *script.Runner
	log        logging.Sink
}

// ConvertResult 一次转换的结果
type ConvertResult struct {
	Nodes     []model.Node        // 处理后的节点（已过滤、重命名、排序）
	SubInfo   map[string]string   // 链接 -> 订阅信息
	Providers []string            // 推迟给下游处理的订阅链接
	Failed    []string            // 被跳过的失败链接（SkipFailedLinks 时）
	Stats     pipeline.BatchStats // 批量链接统计
	Saved     map[string]int64    // 链接 -> 订阅 ID（启用数据库时）
}

// NewConvertService 创建转换服务实例。
// 参数：
//   - cfg: 应用配置
//   - store: 数据库存储（可为 nil）
//   - log: 日志（可为 nil）
//
// 返回：初始化后的 ConvertService 实例和错误（如果有）
func NewConvertService(cfg *config.Config, store *database.Store, log logging.Sink) (*ConvertService, error) {
	if cfg == nil {
		return nil, apperr.New(apperr.CodeConfigInvalid, "配置为空", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperr.New(apperr.CodeConfigInvalid, "配置无效", err)
	}
	if log == nil {
		log = logging.Nop()
	}

	loader, err := script.NewLoader(log)
	if err != nil {
		return nil, fmt.Errorf("创建脚本加载器失败: %w", err)
	}

	return &ConvertService{
		cfg:        cfg,
		store:      store,
		fetcher:    subscription.NewHTTPFetcher(time.Duration(cfg.FetchTimeout)),
		structured: subscription.NewMihomoParser(),
		legacy:     subscription.NewLegacyParser(),
		loader:     loader,
		scripts:    script.NewRunner(script.NewYaegiSandbox(cfg.ScriptCleanContext), loader),
		log:        log,
	}, nil
}

// SetFetcher 替换订阅下载器
func (cs *ConvertService) SetFetcher(f pipeline.Fetcher) {
	cs.fetcher = f
}

// Close 停止脚本文件监听
func (cs *ConvertService) Close() error {
	if cs.loader == nil {
		return nil
	}
	return cs.loader.Close()
}

func (cs *ConvertService) parseSettings() pipeline.ParseSettings {
	set := cs.cfg.ParseSettings()
	set.Fetcher = cs.fetcher
	set.Structured = cs.structured
	set.Legacy = cs.legacy
	set.Scripts = cs.scripts
	set.Log = cs.log
	return set
}

func (cs *ConvertService) extraSettings() pipeline.ExtraSettings {
	ext := cs.cfg.ExtraSettings()
	ext.Scripts = cs.scripts
	ext.Log = cs.log
	return ext
}

// Convert 按顺序处理链接，第 i 条链接的节点分组 ID 为 i+1，全部处理完成后统一做后处理。
// 参数：
//   - ctx: 上下文，取消后不再处理剩余链接
//   - links: 原始链接列表
//
// 返回：转换结果和错误（如果有）
func (cs *ConvertService) Convert(ctx context.Context, links []string) (*ConvertResult, error) {
	result := &ConvertResult{
		SubInfo: make(map[string]string),
		Saved:   make(map[string]int64),
	}
	base := cs.parseSettings()
	base.Stats = &result.Stats
	base.Providers = &result.Providers

	var nodes []model.Node
	var processed []string
	for i, link := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		link = strings.TrimSpace(link)
		if link == "" {
			continue
		}

		var subInfo string
		set := base
		set.SubInfo = &subInfo
		if err := pipeline.AddNodes(link, &nodes, i+1, set); err != nil {
			if !cs.cfg.SkipFailedLinks {
				cs.log.Errorf("The following link doesn't contain any valid node info: %s", link)
				return nil, err
			}
			cs.log.Warnf("跳过无法处理的链接 %s: %v", link, err)
			result.Failed = append(result.Failed, link)
			continue
		}
		if subInfo != "" {
			result.SubInfo[link] = subInfo
		}
		processed = append(processed, link)
	}

	if len(nodes) == 0 && len(result.Providers) == 0 {
		cs.log.Errorf("No nodes were found!")
		return nil, apperr.New(apperr.CodeParseFailed, "No nodes were found!", nil)
	}

	pipeline.PreprocessNodes(nodes, cs.extraSettings())
	result.Nodes = nodes

	if cs.store != nil {
		if err := cs.save(links, processed, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// save 每条链接保存为一个订阅，节点按分组 ID 归属到对应订阅
func (cs *ConvertService) save(links, processed []string, result *ConvertResult) error {
	groups := make(map[int][]model.Node)
	for _, n := range result.Nodes {
		groups[n.GroupID] = append(groups[n.GroupID], n)
	}

	for i, link := range links {
		link = strings.TrimSpace(link)
		if !lo.Contains(processed, link) {
			continue
		}
		sub, err := cs.store.AddOrUpdateSubscription(link, "")
		if err != nil {
			return apperr.New(apperr.CodeDBError, "保存订阅失败", err)
		}
		if err := cs.store.ReplaceNodes(sub.ID, groups[i+1]); err != nil {
			return apperr.New(apperr.CodeDBError, "保存节点失败", err)
		}
		if info, ok := result.SubInfo[link]; ok {
			if err := cs.store.SetSubInfo(sub.ID, info); err != nil {
				return apperr.New(apperr.CodeDBError, "保存订阅信息失败", err)
			}
		}
		result.Saved[link] = sub.ID
	}
	return nil
}

// UpdateByID 根据订阅 ID 重新转换订阅。
// 参数：
//   - ctx: 上下文
//   - id: 订阅 ID
//
// 返回：转换结果和错误（如果有）
func (cs *ConvertService) UpdateByID(ctx context.Context, id int64) (*ConvertResult, error) {
	if cs.store == nil {
		return nil, apperr.New(apperr.CodeDBError, "未启用数据库", nil)
	}
	sub, err := cs.store.GetSubscriptionByID(id)
	if err != nil {
		return nil, apperr.New(apperr.CodeDBError, "获取订阅信息失败", err)
	}
	if sub == nil {
		return nil, apperr.New(apperr.CodeDBError, fmt.Sprintf("订阅不存在: %d", id), nil)
	}
	return cs.Convert(ctx, []string{sub.URL})
}

// Export 将节点导出为 xray 配置
func (cs *ConvertService) Export(nodes []model.Node, opts xray.ExportOptions) (*xray.ExportResult, error) {
	return xray.CreateXrayConfig(nodes, opts, cs.log)
}

// PingNodes 测试节点 TCP 延迟，启用数据库时写回测速结果。
// 返回：节点键到延迟的映射（-1 表示不可达）
func (cs *ConvertService) PingNodes(nodes []model.Node, timeout time.Duration, concurrency int) map[string]int {
	results := utils.NewPing(timeout, concurrency).TestAllNodesDelay(nodes)
	if cs.store != nil {
		for key, delay := range results {
			if err := cs.store.UpdateNodeDelay(key, delay); err != nil {
				cs.log.Warnf("保存节点延迟失败: %v", err)
			}
		}
	}
	return results
}
