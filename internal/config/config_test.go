package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: "8081"
storageconfig:
  type: minio
upload:
  merge_timeout: 90s
  session_ttl: 2h
notify:
  transport: rabbitmq
  queue_size: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, "minio", cfg.Storage.Type)
	assert.Equal(t, 90*time.Second, cfg.Upload.MergeTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Upload.SessionTTL)
	assert.Equal(t, "rabbitmq", cfg.Notify.Transport)
	assert.Equal(t, 8, cfg.Notify.QueueSize)

	// 未配置的字段保持默认值
	assert.Equal(t, "./uploads", cfg.Storage.LocalBasePath)
	assert.Equal(t, "/uploads", cfg.Storage.PublicBaseURL)
	assert.Equal(t, int64(16<<20), cfg.Upload.MaxChunkSize)
	assert.Equal(t, "chat_file_message_queue", cfg.Notify.QueueName)
	assert.Same(t, cfg, AppConfig)
}

func TestLoadConfigFile_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"8081\"\n"), 0o644))

	t.Setenv("GO_CHATROOM_SERVER_PORT", "9090")

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoadConfigFile_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o644))

	_, err := LoadConfigFile(path)
	assert.Error(t, err)
}
