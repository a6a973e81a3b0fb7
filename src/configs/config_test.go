package configs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	file := "../../config.yml"
	c, err := NewConfigWithFile(file)
	require.NoError(t, err)
	assert.Equal(t, file, c.File)
	assert.NoError(t, c.Verify())
	assert.Contains(t, c.Connectors, "stripe")
}

func TestRPC_Verify(t *testing.T) {
	var rpc *RPC
	assert.NoError(t, rpc.verify())
	rpc = new(RPC)
	rpc.Bind = "foo@bar"
	assert.NoError(t, rpc.verify())
	rpc.Enable = true
	assert.Error(t, rpc.verify())
}

func TestConfig_Verify(t *testing.T) {
	var cfg *Config
	assert.Error(t, cfg.Verify())

	cfg = NewConfig()
	assert.NoError(t, cfg.Verify())

	cfg.Migration.BatchSize = 0
	assert.Error(t, cfg.Verify())
	cfg.Migration.BatchSize = MaxBatchSize + 1
	assert.Error(t, cfg.Verify())
	cfg.Migration.BatchSize = 10

	cfg.Migration.RetryMaxDelay = time.Millisecond
	assert.Error(t, cfg.Verify())
	cfg.Migration.RetryMaxDelay = time.Second

	cfg.Store.Driver = "postgres"
	assert.Error(t, cfg.Verify())
	cfg.Store.Driver = StoreMemory

	cfg.Connectors["crm"] = Connector{Type: ConnectorHTTP}
	assert.Error(t, cfg.Verify())
	cfg.Connectors["crm"] = Connector{Type: ConnectorHTTP, BaseURL: "https://crm.example.com"}
	assert.NoError(t, cfg.Verify())
	cfg.Connectors["sheet"] = Connector{Type: ConnectorXLSX}
	assert.Error(t, cfg.Verify())
	cfg.Connectors["sheet"] = Connector{Type: ConnectorXLSX, File: "export.xlsx"}
	assert.NoError(t, cfg.Verify())
	cfg.Connectors["ftp"] = Connector{Type: "ftp"}
	assert.Error(t, cfg.Verify())
	delete(cfg.Connectors, "ftp")

	cfg.Notify.Email.Enable = true
	assert.Error(t, cfg.Verify())
}

func TestNewConfigWithBytes(t *testing.T) {
	b := []byte(`
debug: true
app_data_path: /tmp/rb
migration:
  batch_size: 25
  retry_base_delay: 50ms
  retry_max_delay: 2s
progress:
  keepalive_interval: 10s
connectors:
  legacy:
    type: memory
    fixtures:
      Customer:
        - id: c1
          email: a@b.c
`)
	c, err := NewConfigWithBytes(b)
	require.NoError(t, err)
	assert.True(t, c.Debug)
	assert.Equal(t, 25, c.Migration.BatchSize)
	assert.Equal(t, 50*time.Millisecond, c.Migration.RetryBaseDelay)
	assert.Equal(t, 2*time.Second, c.Migration.RetryMaxDelay)
	// 未填写的字段保留默认值
	assert.Equal(t, defaultMigration.LoadWorkers, c.Migration.LoadWorkers)
	assert.Equal(t, 10*time.Second, c.Progress.KeepaliveInterval)
	assert.Equal(t, filepath.Join("/tmp/rb", "db", "migrations.db"), c.Store.Path)
	require.Contains(t, c.Connectors, "legacy")
	assert.Equal(t, "c1", c.Connectors["legacy"].Fixtures["Customer"][0]["id"])
	assert.NoError(t, c.Verify())

	_, err = NewConfigWithBytes([]byte("migration: [oops"))
	assert.Error(t, err)
}

func TestCurrentConfig(t *testing.T) {
	defer SetCurrentConfig(nil)
	c := NewConfig()
	c.Debug = true
	SetCurrentConfig(c)
	assert.Same(t, c, GetCurrentConfig())
	assert.True(t, IsDebug())
	SetCurrentConfig(nil)
	assert.Nil(t, GetCurrentConfig())
	assert.False(t, IsDebug())
}
