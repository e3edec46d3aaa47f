package nats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectValidatesConfig(t *testing.T) {
	_, err := Connect(context.Background(), nil, zap.NewNop())
	assert.Error(t, err)

	_, err = Connect(context.Background(), &ConnectionConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestConnectFailsWithoutServer(t *testing.T) {
	config := DefaultConnectionConfig("nats://127.0.0.1:1")
	config.Timeout = 200 * time.Millisecond

	_, err := Connect(context.Background(), config, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
}

func TestOptionsAuthentication(t *testing.T) {
	base := DefaultConnectionConfig("nats://localhost:4222")
	plain := len(Options(base, nil))

	withToken := *base
	withToken.Token = "secret"
	assert.Equal(t, plain+1, len(Options(&withToken, nil)))

	withUser := *base
	withUser.Username = "conduit"
	withUser.Password = "pw"
	assert.Equal(t, plain+1, len(Options(&withUser, nil)))

	userOnly := *base
	userOnly.Username = "conduit"
	assert.Equal(t, plain, len(Options(&userOnly, nil)))
}

func TestCloseNil(t *testing.T) {
	assert.NoError(t, Close(nil))
	assert.False(t, IsConnected(nil))
}
