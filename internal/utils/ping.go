package utils

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"myproxy.com/subconv/internal/model"
)

// Ping 延迟测试工具。
// 负责测试节点的 TCP 连接延迟，不涉及数据更新操作。
type Ping struct {
	timeout     time.Duration
	concurrency int
}

// NewPing 创建新的延迟测试工具实例。
// 参数：
//   - timeout: 单个节点的连接超时（<=0 时使用 5 秒）
//   - concurrency: 最大并发数（<=0 时使用 16）
//
// 返回：初始化后的 Ping 实例
func NewPing(timeout time.Duration, concurrency int) *Ping {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Ping{timeout: timeout, concurrency: concurrency}
}

// TestNodeDelay 测试单个节点延迟。
// 返回：延迟值（毫秒）和错误（如果有）
func (p *Ping) TestNodeDelay(node model.Node) (int, error) {
	if node.IsPlaceholder() || node.Hostname == "" || node.Port <= 0 {
		return -1, fmt.Errorf("节点没有可测试的地址: %s", node.Remark)
	}
	addr := net.JoinHostPort(node.Hostname, strconv.Itoa(node.Port))
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, p.timeout)
	if err != nil {
		return -1, fmt.Errorf("连接服务器失败: %w", err)
	}
	defer conn.Close()

	return int(time.Since(start).Milliseconds()), nil
}

// TestAllNodesDelay 测试多个节点延迟。
// 返回：节点键（GenerateNodeKey）到延迟值的映射（-1 表示测试失败），占位节点被跳过
func (p *Ping) TestAllNodesDelay(nodes []model.Node) map[string]int {
	results := make(map[string]int)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range nodes {
		node := nodes[i]
		if node.IsPlaceholder() {
			continue
		}
		g.Go(func() error {
			delay, err := p.TestNodeDelay(node)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				results[GenerateNodeKey(&node)] = -1
			} else {
				results[GenerateNodeKey(&node)] = delay
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}
