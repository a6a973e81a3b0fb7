package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCommented(t *testing.T) {
	cfg := NewConfig()
	cfg.Connectors["crm"] = Connector{Type: ConnectorMemory}

	b, err := cfg.MarshalCommented()
	require.NoError(t, err)
	out := string(b)
	assert.Contains(t, out, "# 这个配置文件内的注释是自动生成的")
	assert.Contains(t, out, "# 单条记录加载失败后的重试次数")
	assert.Contains(t, out, "retry_base_delay: 200ms")

	again, err := NewConfigWithBytes(b)
	require.NoError(t, err)
	assert.NoError(t, again.Verify())
	assert.Equal(t, cfg.Migration, again.Migration)
	assert.Equal(t, 30*time.Second, again.Progress.KeepaliveInterval)
	assert.Equal(t, ConnectorMemory, again.Connectors["crm"].Type)
}
