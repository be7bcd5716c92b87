package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	assert.Equal(t, "orchestrator", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("env-file"))

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["crawl"])
}

func TestCrawlCmd_RequiresTargets(t *testing.T) {
	t.Parallel()

	cmd := newRootCmd()
	cmd.SetArgs([]string{"crawl", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "targets")
}

func TestCrawlCmd_PrintsTaskView(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		items := []crawler.Item{{ID: "x"}}
		if r.URL.Path == "/grandchildren" {
			items = nil
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	}))
	t.Cleanup(api.Close)

	prev := loadConfig
	t.Cleanup(func() { loadConfig = prev })
	loadConfig = func(path string) (config.Config, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg.API.BaseURL = api.URL
		cfg.Logging.Level = "error"
		return cfg, nil
	}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{
		"crawl",
		"--env-file", filepath.Join(t.TempDir(), "missing.env"),
		"--targets", "a,b",
		"--max-children", "3",
		"--max-grandchildren", "0",
	})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var view crawler.TaskView
	require.NoError(t, json.Unmarshal(out.Bytes(), &view))
	assert.Equal(t, crawler.TaskStatusCompleted, view.Status)
	assert.Equal(t, []string{"a", "b"}, view.Targets)
	assert.Equal(t, 2, view.ChildrenFound)
}
