package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/config"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/registry"
	"github.com/JakeFAU/goalclip/internal/registry/file"
)

// Build swaps process-wide logger and tracer globals, so these tests run serially.

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Level = "error"
	cfg.Registry.Backend = "file"
	cfg.Registry.Path = filepath.Join(t.TempDir(), "targets.toml")
	cfg.Capture.WorkDir = t.TempDir()
	cfg.Telegram.Token = ""
	cfg.PubSub.ProjectID = ""
	cfg.Redis.Addr = ""
	cfg.Upload.Backend = ""
	return cfg
}

func seedRegistry(t *testing.T, path string, targets ...live.Target) {
	t.Helper()
	store, err := file.New(path)
	require.NoError(t, err)
	reg, err := registry.Open(context.Background(), store, nil, nil)
	require.NoError(t, err)
	for _, tg := range targets {
		_, err := reg.Add(context.Background(), tg.ChannelID, tg.Name, tg.Subscribers)
		require.NoError(t, err)
	}
}

func TestBuildWiresFileRegistry(t *testing.T) {
	cfg := testConfig(t)
	seedRegistry(t, cfg.Registry.Path, live.Target{Name: "alice", ChannelID: "42", Subscribers: []string{"u1"}})
	ctx := context.Background()

	app, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	require.Nil(t, app.pgStore)
	require.Nil(t, app.storage)
	require.Nil(t, app.pubsubClient)
	require.Nil(t, app.mirror)
	require.NotNil(t, app.Logger())

	require.Len(t, app.registry.Targets(), 1)
	_, ok := app.monitor.State("alice")
	require.True(t, ok, "stored targets are registered with the monitor")
	require.NoError(t, app.ready(ctx))

	h := app.apiServer.Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/targets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Targets []live.Target `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Targets, 1)
	require.Equal(t, "alice", list.Targets[0].Name)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clips/a.mp4", nil))
	require.Equal(t, http.StatusNotFound, rec.Code, "clips are only served by the local upload backend")

	app.Close(ctx)
	require.Error(t, app.ready(ctx))
}

func TestBuildServesLocalClips(t *testing.T) {
	cfg := testConfig(t)
	clips := t.TempDir()
	cfg.Upload.Backend = "local"
	cfg.Upload.LocalDir = clips
	cfg.Upload.PublicBaseURL = "http://localhost:8080"
	require.NoError(t, os.WriteFile(filepath.Join(clips, "a.mp4"), []byte("clip"), 0o600))
	ctx := context.Background()

	app, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clips/a.mp4", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "clip", rec.Body.String())
}

func TestBuildFailsOnUnreadableRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Path = t.TempDir()

	app, err := Build(context.Background(), cfg, "test")
	require.ErrorContains(t, err, "registry open failed")
	require.Nil(t, app)
}

func TestCloseToleratesPartialApp(t *testing.T) {
	app := &App{logger: zap.NewNop()}
	require.NotPanics(t, func() { app.Close(context.Background()) })
}
