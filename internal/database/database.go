package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/utils"
)

// Store SQLite 存储：订阅、转换后的节点、订阅信息和应用配置
type Store struct {
	db *sql.DB
}

// Open 打开（必要时创建）SQLite 数据库，创建必要的表结构。
// 如果表已存在，不会重复创建。
// 参数：
//   - dbPath: 数据库文件路径，":memory:" 表示内存数据库
//
// 返回：存储实例和错误（如果有）
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("创建数据库目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 内存数据库每个连接都是独立的库
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建表失败: %w", err)
	}
	return s, nil
}

// createTables 创建数据库表
func (s *Store) createTables() error {
	createSubscriptionsTable := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		label TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`

	// 节点表：保存一次转换的结果，position 为节点在结果中的顺序
	createNodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subscription_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		node_key TEXT NOT NULL,
		remark TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		hostname TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		encrypt_method TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		alter_id INTEGER NOT NULL DEFAULT 0,
		udp INTEGER NOT NULL DEFAULT 0,
		tls TEXT NOT NULL DEFAULT '',
		server_name TEXT NOT NULL DEFAULT '',
		transfer_protocol TEXT NOT NULL DEFAULT '',
		raw_params TEXT NOT NULL DEFAULT '{}',
		group_id INTEGER NOT NULL DEFAULT 0,
		group_name TEXT NOT NULL DEFAULT '',
		seq_id INTEGER NOT NULL DEFAULT 0,
		delay INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE
	);`

	createSubInfoTable := `
	CREATE TABLE IF NOT EXISTS sub_info (
		subscription_id INTEGER PRIMARY KEY,
		info TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE CASCADE
	);`

	// 应用配置表（键值形式，保存最近一次使用的设置等）
	createAppConfigTable := `
	CREATE TABLE IF NOT EXISTS app_config (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`

	createIndexes := `
	CREATE INDEX IF NOT EXISTS idx_nodes_subscription_id ON nodes(subscription_id);
	CREATE INDEX IF NOT EXISTS idx_nodes_node_key ON nodes(node_key);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_url ON subscriptions(url);
	CREATE INDEX IF NOT EXISTS idx_app_config_key ON app_config(key);
	`

	if _, err := s.db.Exec(createSubscriptionsTable); err != nil {
		return fmt.Errorf("创建订阅表失败: %w", err)
	}
	if _, err := s.db.Exec(createNodesTable); err != nil {
		return fmt.Errorf("创建节点表失败: %w", err)
	}
	if _, err := s.db.Exec(createSubInfoTable); err != nil {
		return fmt.Errorf("创建订阅信息表失败: %w", err)
	}
	if _, err := s.db.Exec(createAppConfigTable); err != nil {
		return fmt.Errorf("创建应用配置表失败: %w", err)
	}

	// 迁移已有数据库表结构（如果字段不存在则添加），索引依赖迁移后的字段
	if err := s.migrateTables(); err != nil {
		return fmt.Errorf("迁移数据库表失败: %w", err)
	}

	if _, err := s.db.Exec(createIndexes); err != nil {
		return fmt.Errorf("创建索引失败: %w", err)
	}
	return nil
}

// migrateTables 为旧版本创建的 nodes 表补齐字段
func (s *Store) migrateTables() error {
	migrations := []struct {
		column  string
		colType string
	}{
		{"node_key", "TEXT NOT NULL DEFAULT ''"},
		{"plugin", "TEXT NOT NULL DEFAULT ''"},
		{"plugin_opts", "TEXT NOT NULL DEFAULT ''"},
		{"group_name", "TEXT NOT NULL DEFAULT ''"},
		{"delay", "INTEGER NOT NULL DEFAULT 0"},
	}

	rows, err := s.db.Query("PRAGMA table_info(nodes)")
	if err != nil {
		return fmt.Errorf("读取节点表结构失败: %w", err)
	}
	existingColumns := make(map[string]bool)
	for rows.Next() {
		var cid, notnull, pk int
		var name, colType string
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		existingColumns[name] = true
	}
	rows.Close()

	for _, m := range migrations {
		if existingColumns[m.column] {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE nodes ADD COLUMN %s %s", m.column, m.colType)); err != nil {
			return fmt.Errorf("添加字段 %s 失败: %w", m.column, err)
		}
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddOrUpdateSubscription 添加新订阅或更新现有订阅。
// 如果订阅 URL 已存在，则更新其标签；否则创建新订阅。
// 参数：
//   - url: 订阅 URL（或原始链接）
//   - label: 订阅标签
//
// 返回：订阅实例和错误（如果有）
func (s *Store) AddOrUpdateSubscription(url, label string) (*model.Subscription, error) {
	now := time.Now()

	sub, err := s.GetSubscriptionByURL(url)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		result, err := s.db.Exec(
			"INSERT INTO subscriptions (url, label, created_at, updated_at) VALUES (?, ?, ?, ?)",
			url, label, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("插入订阅失败: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("获取插入ID失败: %w", err)
		}
		return &model.Subscription{ID: id, URL: url, Label: label, CreatedAt: now, UpdatedAt: now}, nil
	}

	if label != sub.Label {
		if _, err := s.db.Exec("UPDATE subscriptions SET label = ?, updated_at = ? WHERE id = ?", label, now, sub.ID); err != nil {
			return nil, fmt.Errorf("更新订阅失败: %w", err)
		}
		sub.Label = label
		sub.UpdatedAt = now
	}
	return sub, nil
}

const selectSubscription = `
	SELECT s.id, s.url, s.label, COALESCE(i.info, ''), s.created_at, s.updated_at
	FROM subscriptions s LEFT JOIN sub_info i ON i.subscription_id = s.id`

func scanSubscription(row interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Label, &sub.SubInfo, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionByURL 根据 URL 查找订阅，未找到时返回 nil, nil
func (s *Store) GetSubscriptionByURL(url string) (*model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(selectSubscription+" WHERE s.url = ?", url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询订阅失败: %w", err)
	}
	return sub, nil
}

// GetSubscriptionByID 根据 ID 获取订阅，未找到时返回 nil, nil
func (s *Store) GetSubscriptionByID(id int64) (*model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(selectSubscription+" WHERE s.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询订阅失败: %w", err)
	}
	return sub, nil
}

// GetAllSubscriptions 获取所有订阅列表。
func (s *Store) GetAllSubscriptions() ([]*model.Subscription, error) {
	rows, err := s.db.Query(selectSubscription + " ORDER BY s.created_at DESC, s.id DESC")
	if err != nil {
		return nil, fmt.Errorf("查询订阅列表失败: %w", err)
	}
	defer rows.Close()

	var subscriptions []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("扫描订阅数据失败: %w", err)
		}
		subscriptions = append(subscriptions, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历订阅数据失败: %w", err)
	}
	return subscriptions, nil
}

// DeleteSubscription 删除订阅，关联的节点和订阅信息随外键级联删除。
func (s *Store) DeleteSubscription(subscriptionID int64) error {
	if _, err := s.db.Exec("DELETE FROM subscriptions WHERE id = ?", subscriptionID); err != nil {
		return fmt.Errorf("删除订阅失败: %w", err)
	}
	return nil
}

// SetSubInfo 保存订阅的流量 / 到期信息
func (s *Store) SetSubInfo(subscriptionID int64, info string) error {
	_, err := s.db.Exec(
		`INSERT INTO sub_info (subscription_id, info, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(subscription_id) DO UPDATE SET info = excluded.info, updated_at = excluded.updated_at`,
		subscriptionID, info, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("保存订阅信息失败: %w", err)
	}
	return nil
}

// ReplaceNodes 在一个事务中用新的转换结果替换订阅下的全部节点，保持节点顺序。
// 参数：
//   - subscriptionID: 订阅 ID
//   - nodes: 转换后的节点（顺序即输出顺序）
//
// 返回：错误（如果有）
func (s *Store) ReplaceNodes(subscriptionID int64, nodes []model.Node) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM nodes WHERE subscription_id = ?", subscriptionID); err != nil {
		return fmt.Errorf("删除旧节点失败: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO nodes (subscription_id, position, node_key, remark, type, hostname, port,
		username, password, encrypt_method, user_id, alter_id, udp, tls, server_name, transfer_protocol,
		plugin, plugin_opts, raw_params, group_id, group_name, seq_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备插入语句失败: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for i := range nodes {
		n := &nodes[i]
		rawParams, err := json.Marshal(n.RawParams)
		if err != nil {
			return fmt.Errorf("序列化节点参数失败: %w", err)
		}
		if _, err = stmt.Exec(subscriptionID, i, utils.GenerateNodeKey(n), n.Remark, n.Type.String(), n.Hostname, n.Port,
			n.Username, n.Password, n.EncryptMethod, n.UserID, n.AlterID, boolToInt(n.UDP), n.TLS, n.ServerName,
			n.TransferProtocol, n.Plugin, n.PluginOpts, string(rawParams), n.GroupID, n.Group, n.ID, now); err != nil {
			return fmt.Errorf("插入节点失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交事务失败: %w", err)
	}
	return nil
}

// GetNodesBySubscriptionID 按保存时的顺序获取订阅下的节点
func (s *Store) GetNodesBySubscriptionID(subscriptionID int64) ([]model.Node, error) {
	rows, err := s.db.Query(`SELECT remark, type, hostname, port, username, password, encrypt_method, user_id,
		alter_id, udp, tls, server_name, transfer_protocol, plugin, plugin_opts, raw_params, group_id, group_name, seq_id
		FROM nodes WHERE subscription_id = ? ORDER BY position`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("查询节点失败: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		var n model.Node
		var typ, rawParams string
		var udp int
		if err := rows.Scan(&n.Remark, &typ, &n.Hostname, &n.Port, &n.Username, &n.Password, &n.EncryptMethod,
			&n.UserID, &n.AlterID, &udp, &n.TLS, &n.ServerName, &n.TransferProtocol, &n.Plugin, &n.PluginOpts,
			&rawParams, &n.GroupID, &n.Group, &n.ID); err != nil {
			return nil, fmt.Errorf("扫描节点数据失败: %w", err)
		}
		n.Type = model.ParseProxyType(typ)
		n.UDP = intToBool(udp)
		if rawParams != "" && rawParams != "null" {
			if err := json.Unmarshal([]byte(rawParams), &n.RawParams); err != nil {
				return nil, fmt.Errorf("解析节点参数失败: %w", err)
			}
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历节点数据失败: %w", err)
	}
	return nodes, nil
}

// UpdateNodeDelay 按节点键更新测得的延迟（毫秒，-1 表示不可达）
func (s *Store) UpdateNodeDelay(nodeKey string, delay int) error {
	if _, err := s.db.Exec("UPDATE nodes SET delay = ? WHERE node_key = ?", delay, nodeKey); err != nil {
		return fmt.Errorf("更新节点延迟失败: %w", err)
	}
	return nil
}

// GetNodeDelay 获取节点最近一次测得的延迟，未测试时返回 0
func (s *Store) GetNodeDelay(nodeKey string) (int, error) {
	var delay int
	err := s.db.QueryRow("SELECT delay FROM nodes WHERE node_key = ? ORDER BY id DESC LIMIT 1", nodeKey).Scan(&delay)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询节点延迟失败: %w", err)
	}
	return delay, nil
}

// SetAppConfig 保存应用配置到数据库的 app_config 表。
// 参数：
//   - key: 配置键名
//   - value: 配置值（字符串格式）
//
// 返回：错误（如果有）
func (s *Store) SetAppConfig(key, value string) error {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO app_config (key, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?, updated_at = ?`,
		key, value, now, now, value, now,
	)
	if err != nil {
		return fmt.Errorf("设置应用配置失败: %w", err)
	}
	return nil
}

// GetAppConfig 从数据库的 app_config 表获取应用配置，不存在时返回空字符串
func (s *Store) GetAppConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("获取应用配置失败: %w", err)
	}
	return value, nil
}

// GetAppConfigWithDefault 获取应用配置，如果不存在则写入并返回默认值。
func (s *Store) GetAppConfigWithDefault(key, defaultValue string) (string, error) {
	value, err := s.GetAppConfig(key)
	if err != nil {
		return "", err
	}
	if value == "" {
		if err := s.SetAppConfig(key, defaultValue); err != nil {
			return "", err
		}
		return defaultValue, nil
	}
	return value, nil
}

// boolToInt 将布尔值转换为整数
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// intToBool 将整数转换为布尔值
func intToBool(i int) bool {
	return i != 0
}
