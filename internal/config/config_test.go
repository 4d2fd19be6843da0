package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1", c.Server.Host)
	assert.Equal(t, 19988, c.Server.Port)
	assert.Equal(t, 30*time.Second, c.Extensions.RequestTimeout.Std())
	assert.Equal(t, "info", c.Log.Level)
	assert.False(t, c.Relay.AutoTab)
}

func TestLoadFromBytes(t *testing.T) {
	c, err := LoadFromBytes([]byte(`
server:
  port: 20000
  token: abc
extensions:
  allowedIds: [ext1, ext2]
  requestTimeout: 5s
relay:
  autoTab: true
  traceCdp: true
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, 20000, c.Server.Port)
	assert.Equal(t, "abc", c.Server.Token)
	assert.Equal(t, []string{"ext1", "ext2"}, c.Extensions.AllowedIDs)
	assert.Equal(t, 5*time.Second, c.Extensions.RequestTimeout.Std())
	assert.True(t, c.Relay.AutoTab)
	assert.True(t, c.Relay.TraceCDP)
	assert.Equal(t, "debug", c.Log.Level)
	// Unset fields still get defaults.
	assert.Equal(t, "127.0.0.1", c.Server.Host)
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("PLAYWRITER_TEST_TOKEN", "from-env")
	c, err := LoadFromBytes([]byte("server:\n  token: ${PLAYWRITER_TEST_TOKEN}\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Server.Token)
}

func TestInvalidDuration(t *testing.T) {
	_, err := LoadFromBytes([]byte("extensions:\n  requestTimeout: banana\n"))
	require.Error(t, err)
}

func TestInvalidYAML(t *testing.T) {
	_, err := LoadFromBytes([]byte("server: ["))
	require.Error(t, err)
}
