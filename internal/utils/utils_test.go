package utils

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myproxy.com/subconv/internal/model"
)

func TestRegFind(t *testing.T) {
	ok, err := RegFind("香港 01 | IPLC", "(?i)iplc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RegFind("US-01", "^(?!.*US).*$")
	require.NoError(t, err)
	assert.False(t, ok, "negative lookahead should reject")

	_, err = RegFind("x", "([")
	assert.Error(t, err)
}

func TestRegMatch(t *testing.T) {
	ok, err := RegMatch("VMESS", "VMESS|SS")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = RegMatch("VMESS", "SS")
	require.NoError(t, err)
	assert.False(t, ok, "partial match is not a full match")
}

func TestRegReplace(t *testing.T) {
	out, err := RegReplace("HK-01 [old]", `\s*\[old\]`, "")
	require.NoError(t, err)
	assert.Equal(t, "HK-01", out)

	out, err = RegReplace("US 01", `(\w+) (\d+)`, "$2-$1")
	require.NoError(t, err)
	assert.Equal(t, "01-US", out)

	out, err = RegReplace("keep", "([", "x")
	assert.Error(t, err)
	assert.Equal(t, "keep", out)
}

func TestGenerateNodeKeyStable(t *testing.T) {
	a := model.Node{Type: model.ProxyTypeTrojan, Hostname: "a.example.com", Port: 443, Password: "p", Remark: "one"}
	b := a
	b.Remark = "renamed"
	assert.Equal(t, GenerateNodeKey(&a), GenerateNodeKey(&b))

	c := a
	c.Port = 8443
	assert.NotEqual(t, GenerateNodeKey(&a), GenerateNodeKey(&c))
}

func TestPingLocalListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	up := model.Node{Type: model.ProxyTypeSOCKS5, Hostname: "127.0.0.1", Port: port}
	placeholder := model.NewPlaceholder()

	p := NewPing(time.Second, 2)
	results := p.TestAllNodesDelay([]model.Node{up, placeholder})
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[GenerateNodeKey(&up)], 0)
}
