package utils

import (
	"fmt"

	"github.com/google/uuid"

	"myproxy.com/subconv/internal/model"
)

// nodeKeyNamespace 节点键的 UUID 命名空间
var nodeKeyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("myproxy.com/subconv/node"))

// GenerateNodeKey 生成节点稳定键。
// 相同的协议、地址、端口和凭据总是得到相同的键，备注变化不影响结果。
// 参数：
//   - n: 节点
//
// 返回：UUIDv5 字符串
func GenerateNodeKey(n *model.Node) string {
	credential := n.Password
	if n.UserID != "" {
		credential = n.UserID
	}
	data := fmt.Sprintf("%s|%s|%d|%s|%s", n.TypeName(), n.Hostname, n.Port, n.Username, credential)
	return uuid.NewSHA1(nodeKeyNamespace, []byte(data)).String()
}
