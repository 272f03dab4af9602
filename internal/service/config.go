package service

import (
	"fmt"
	"strings"

	"myproxy.com/subconv/internal/database"
)

// 应用配置键
const (
	keyLastLinks = "lastLinks"
	keyLastPort  = "lastExportPort"
)

// ConfigService 应用配置服务层，保存最近一次使用的链接和导出端口。
type ConfigService struct {
	store *database.Store
}

// NewConfigService 创建新的配置服务实例。
// 参数：
//   - store: 数据库存储
//
// 返回：初始化后的 ConfigService 实例
func NewConfigService(store *database.Store) *ConfigService {
	return &ConfigService{store: store}
}

// GetLastLinks 获取最近一次转换的链接列表
func (cs *ConfigService) GetLastLinks() []string {
	if cs.store == nil {
		return nil
	}
	value, err := cs.store.GetAppConfig(keyLastLinks)
	if err != nil || value == "" {
		return nil
	}
	return strings.Split(value, "\n")
}

// SetLastLinks 保存最近一次转换的链接列表。
// 参数：
//   - links: 链接列表
//
// 返回：错误（如果有）
func (cs *ConfigService) SetLastLinks(links []string) error {
	if cs.store == nil {
		return fmt.Errorf("Store 未初始化")
	}
	return cs.store.SetAppConfig(keyLastLinks, strings.Join(links, "\n"))
}

// GetExportPort 获取导出 xray 配置时使用的本地端口
func (cs *ConfigService) GetExportPort(defaultPort string) string {
	if cs.store == nil {
		return defaultPort
	}
	port, err := cs.store.GetAppConfigWithDefault(keyLastPort, defaultPort)
	if err != nil {
		return defaultPort
	}
	return port
}

// SetExportPort 保存导出端口
func (cs *ConfigService) SetExportPort(port string) error {
	if cs.store == nil {
		return fmt.Errorf("Store 未初始化")
	}
	return cs.store.SetAppConfig(keyLastPort, port)
}
