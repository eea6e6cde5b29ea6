package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Conversly/livekit-check/runtime/statestore"
	"github.com/Conversly/livekit-check/runtime/version"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--json"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		versionJSON = false
	})

	require.NoError(t, rootCmd.Execute())
	var info version.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, version.Get().Version, info.Version)
}

func writeConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livekit-check.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
}

func TestNewAppDefaultsToMemoryStore(t *testing.T) {
	writeConfig(t, "metrics:\n  addr: \"\"\n")

	a, err := newApp(context.Background(), "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	assert.IsType(t, &statestore.MemoryStore{}, a.store)
	assert.Nil(t, a.exporter)
	assert.NotNil(t, a.sessionFactory())
}

func TestNewAppUsesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	writeConfig(t, "store:\n  redis_addr: "+mr.Addr()+"\n")

	a, err := newApp(context.Background(), "test", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })

	assert.IsType(t, &statestore.RedisStore{}, a.store)
	assert.NotNil(t, a.exporter)
}

func TestNewAppRequiresLiveKitForServe(t *testing.T) {
	writeConfig(t, "")
	t.Setenv("LIVEKIT_URL", "")
	t.Setenv("LIVEKIT_API_KEY", "")
	t.Setenv("LIVEKIT_API_SECRET", "")

	_, err := newApp(context.Background(), "test", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "livekit url")
}
