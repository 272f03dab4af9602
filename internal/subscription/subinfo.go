package subscription

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/utils"
)

// SubInfoFromSSD 从 ssd:// 订阅内容中提取流量和到期信息
func SubInfoFromSSD(content string) (string, bool) {
	sub, err := decodeSSD(content)
	if err != nil {
		return "", false
	}
	used, err1 := strconv.ParseFloat(string(sub.TrafficUsed), 64)
	total, err2 := strconv.ParseFloat(string(sub.TrafficTotal), 64)
	if err1 != nil || err2 != nil {
		return "", false
	}

	// SSD 中的流量单位为 GB
	const gb = 1 << 30
	result := formatSubInfo(uint64(used*gb), uint64(total*gb))
	if sub.Expiry != "" {
		// "2024-01-31 23:59" -> "2024:01:31:23:59"
		expiry := strings.NewReplacer("-", ":", " ", ":").Replace(sub.Expiry)
		if ts := DateStringToTimestamp(expiry); ts > 0 {
			result += fmt.Sprintf(" expire=%d;", ts)
		}
	}
	return result, true
}

// SubInfoFromHeader 从响应头中读取 Subscription-Userinfo
func SubInfoFromHeader(headers map[string]string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, "Subscription-Userinfo") && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// SubInfoFromNodes 用流量 / 时间规则扫描节点备注，推导订阅信息。
// 规则的 Match 命中备注后，以 Replace 模板改写备注得到信息串：
// 流量信息形如 "total=100GB&left=30GB"、"total=100GB&used=70GB" 或 "total=30%&left=30GB"；
// 时间信息形如 "left=30d" 或 "2024:12:31[:23:59:59]"。
func SubInfoFromNodes(nodes []model.Node, streamRules, timeRules model.MatchRules) (string, bool) {
	var streamInfo, timeInfo string
	for i := range nodes {
		remark := nodes[i].Remark
		if streamInfo == "" {
			streamInfo = applyInfoRules(remark, streamRules)
		}
		if timeInfo == "" {
			timeInfo = applyInfoRules(remark, timeRules)
		}
		if streamInfo != "" && timeInfo != "" {
			break
		}
	}

	var result string
	if streamInfo != "" {
		used, total := parseStreamInfo(streamInfo)
		result = formatSubInfo(used, total)
	}
	if timeInfo != "" {
		if expire := DateStringToTimestamp(timeInfo); expire > 0 {
			if result != "" {
				result += " "
			}
			result += fmt.Sprintf("expire=%d;", expire)
		}
	}
	return result, result != ""
}

// applyInfoRules 返回第一个改写了备注的规则结果
func applyInfoRules(remark string, rules model.MatchRules) string {
	for _, rule := range rules {
		if rule.Match == "" {
			continue
		}
		ok, err := utils.RegMatch(remark, rule.Match)
		if err != nil || !ok {
			continue
		}
		out, err := utils.RegReplace(remark, rule.Match, rule.Replace)
		if err == nil && out != remark {
			return out
		}
	}
	return ""
}

func parseStreamInfo(info string) (used, total uint64) {
	totalStr, leftStr, usedStr := urlArg(info, "total"), urlArg(info, "left"), urlArg(info, "used")

	if strings.Contains(totalStr, "%") {
		percent := percentToFloat(totalStr)
		switch {
		case usedStr != "" && percent < 1:
			used = StreamToInt(usedStr)
			total = uint64(float64(used) / (1 - percent))
		case leftStr != "" && percent > 0:
			left := StreamToInt(leftStr)
			total = uint64(float64(left) / percent)
			if left <= total {
				used = total - left
			}
		}
		return used, total
	}

	total = StreamToInt(totalStr)
	switch {
	case usedStr != "":
		used = StreamToInt(usedStr)
	case leftStr != "":
		if left := StreamToInt(leftStr); left <= total {
			used = total - left
		}
	}
	return used, total
}

// urlArg 读取 "k1=v1&k2=v2" 形式中的参数，不做 URL 解码（值中可能含 '%'）
func urlArg(s, key string) string {
	for _, pair := range strings.Split(s, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func formatSubInfo(used, total uint64) string {
	return fmt.Sprintf("upload=0; download=%d; total=%d;", used, total)
}

// StreamToInt 将 "1.5GB"、"300 MB"、"1024" 等流量字符串转换为字节数（1024 进制）
func StreamToInt(s string) uint64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	units := []struct {
		suffix string
		exp    float64
	}{
		{"EB", 6}, {"PB", 5}, {"TB", 4}, {"GB", 3}, {"MB", 2}, {"KB", 1},
		{"E", 6}, {"P", 5}, {"T", 4}, {"G", 3}, {"M", 2}, {"K", 1}, {"B", 0},
	}
	upper := strings.ToUpper(s)
	for _, u := range units {
		if num, ok := strings.CutSuffix(upper, u.suffix); ok {
			v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil || v < 0 {
				return 0
			}
			return uint64(v * math.Pow(1024, u.exp))
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return uint64(v)
}

func percentToFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%")), 64)
	if err != nil {
		return 0
	}
	return v / 100
}

// DateStringToTimestamp 解析到期时间。
// 支持 "left=<n>d"（从现在起 n 天）和 "YYYY:MM:DD[:HH[:mm[:ss]]]" / "YYYY-MM-DD"（本地时区）。
// 无法解析时返回 0。
func DateStringToTimestamp(s string) int64 {
	s = strings.TrimSpace(s)
	if left, ok := strings.CutPrefix(s, "left="); ok {
		days, err := strconv.ParseFloat(strings.TrimSuffix(left, "d"), 64)
		if err != nil {
			return 0
		}
		return time.Now().Add(time.Duration(days * float64(24*time.Hour))).Unix()
	}

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' || r == ' ' })
	if len(parts) < 3 {
		return 0
	}
	fields := make([]int, 6)
	for i := 0; i < len(parts) && i < 6; i++ {
		v, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0
		}
		fields[i] = v
	}
	if fields[0] < 1970 || fields[1] < 1 || fields[1] > 12 || fields[2] < 1 || fields[2] > 31 {
		return 0
	}
	t := time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, time.Local)
	return t.Unix()
}
