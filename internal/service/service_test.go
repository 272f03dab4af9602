package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"myproxy.com/subconv/internal/config"
	"myproxy.com/subconv/internal/database"
	apperr "myproxy.com/subconv/internal/error"
	"myproxy.com/subconv/internal/model"
	"myproxy.com/subconv/internal/xray"
)

const subscriptionBody = "trojan://pw@us.example.com:443#US-1\n" +
	"trojan://pw@hk.example.com:443#HK-1\n" +
	"trojan://pw@info.example.com:443#Expire-2099\n"

func newSubscriptionServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Subscription-Userinfo", "upload=1; download=2; total=3;")
		_, _ = w.Write([]byte(subscriptionBody))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func installLink(target string) string {
	return "surge:///install-config?url=" + url.QueryEscape(target)
}

func newTestService(t *testing.T, cfg *config.Config, withStore bool) (*ConvertService, *database.Store) {
	t.Helper()
	var store *database.Store
	if withStore {
		var err error
		store, err = database.Open(filepath.Join(t.TempDir(), "subconv.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
	}
	cs, err := NewConvertService(cfg, store, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs, store
}

func remarks(nodes []model.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Remark)
	}
	return out
}

func TestConvertInstallConfigPersists(t *testing.T) {
	srv := newSubscriptionServer(t)
	cfg := config.DefaultConfig()
	cfg.ExcludeRemarks = []string{"Expire"}
	cfg.Sort = true
	cs, store := newTestService(t, cfg, true)

	link := installLink(srv.URL + "/sub")
	result, err := cs.Convert(context.Background(), []string{link})
	require.NoError(t, err)

	assert.Equal(t, []string{"HK-1", "US-1"}, remarks(result.Nodes))
	for _, n := range result.Nodes {
		assert.Equal(t, model.ProxyTypeTrojan, n.Type)
		assert.Equal(t, 1, n.GroupID)
	}
	assert.Equal(t, "upload=1; download=2; total=3;", result.SubInfo[link])
	assert.Empty(t, result.Providers)

	id, ok := result.Saved[link]
	require.True(t, ok)
	stored, err := store.GetNodesBySubscriptionID(id)
	require.NoError(t, err)
	assert.Equal(t, result.Nodes, stored)

	sub, err := store.GetSubscriptionByID(id)
	require.NoError(t, err)
	assert.Equal(t, "upload=1; download=2; total=3;", sub.SubInfo)

	again, err := cs.UpdateByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, remarks(result.Nodes), remarks(again.Nodes))

	_, err = cs.UpdateByID(context.Background(), id+100)
	assert.True(t, apperr.Is(err, apperr.CodeDBError))
}

func TestConvertExportsXray(t *testing.T) {
	srv := newSubscriptionServer(t)
	cs, _ := newTestService(t, config.DefaultConfig(), false)

	result, err := cs.Convert(context.Background(), []string{installLink(srv.URL + "/sub")})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)

	exported, err := cs.Export(result.Nodes, xray.ExportOptions{LocalPort: 1089})
	require.NoError(t, err)
	assert.Equal(t, 3, exported.Exported)
}

func TestConvertDefersSubscription(t *testing.T) {
	cs, _ := newTestService(t, config.DefaultConfig(), false)

	result, err := cs.Convert(context.Background(), []string{"https://example.com/sub?token=1"})
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.Equal(t, []string{"https://example.com/sub?token=1"}, result.Providers)
}

func TestConvertDefersSubscriptionsInBatch(t *testing.T) {
	cs, _ := newTestService(t, config.DefaultConfig(), false)

	result, err := cs.Convert(context.Background(), []string{
		"https://a.example.com/sub?t=1|https://b.example.com/sub?t=2",
		"trojan://pw@c.example.com:443#C",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com/sub?t=1", "https://b.example.com/sub?t=2"}, result.Providers)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, 2, result.Nodes[0].GroupID)

	// 只有批量订阅链接时不算失败
	result, err = cs.Convert(context.Background(), []string{"https://a.example.com/sub?t=1|https://b.example.com/sub?t=2"})
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.Len(t, result.Providers, 2)
}

func TestConvertFailedLink(t *testing.T) {
	cs, _ := newTestService(t, config.DefaultConfig(), false)
	_, err := cs.Convert(context.Background(), []string{"bogus://nothing-here"})
	assert.True(t, apperr.Is(err, apperr.CodeUnsupportedLink))

	cfg := config.DefaultConfig()
	cfg.SkipFailedLinks = true
	cs, _ = newTestService(t, cfg, false)
	result, err := cs.Convert(context.Background(), []string{
		"bogus://nothing-here",
		"trojan://pw@c.example.com:443#C",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus://nothing-here"}, result.Failed)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, 2, result.Nodes[0].GroupID)

	_, err = cs.Convert(context.Background(), []string{"bogus://nothing-here"})
	assert.True(t, apperr.Is(err, apperr.CodeParseFailed))
}

func TestConvertHonoursContext(t *testing.T) {
	cs, _ := newTestService(t, config.DefaultConfig(), false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := cs.Convert(ctx, []string{"trojan://pw@c.example.com:443#C"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewConvertServiceRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LogLevel = "loud"
	_, err := NewConvertService(cfg, nil, nil)
	assert.True(t, apperr.Is(err, apperr.CodeConfigInvalid))
}

func TestConfigService(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "subconv.db"))
	require.NoError(t, err)
	defer store.Close()

	cs := NewConfigService(store)
	assert.Nil(t, cs.GetLastLinks())
	require.NoError(t, cs.SetLastLinks([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, cs.GetLastLinks())

	assert.Equal(t, "10808", cs.GetExportPort("10808"))
	require.NoError(t, cs.SetExportPort("1090"))
	assert.Equal(t, "1090", cs.GetExportPort("10808"))

	assert.Nil(t, NewConfigService(nil).GetLastLinks())
}
