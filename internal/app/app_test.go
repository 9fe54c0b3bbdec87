package app

import (
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestNewServerValidatesConfig(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Server.DatabasePath = ""

	_, err := NewServer(cfg, &logger)
	assert.ErrorContains(t, err, "database_path")
}

func TestNewClientValidatesConfig(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Client.UserID = ""

	_, err := NewClient(cfg, nil, &logger)
	assert.ErrorContains(t, err, "user_id")
}

func TestClientAgainstServer(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Server.DatabasePath = filepath.Join(t.TempDir(), "wirechat.db")

	srv, err := NewServer(cfg, &logger)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg.Client.ServerURL = ts.URL
	cfg.Client.ReconnectDelay = 10 * time.Millisecond

	changes := make(chan core.ChannelKey, 64)
	onChange := func(key core.ChannelKey) {
		select {
		case changes <- key:
		default:
		}
	}

	cfg.Client.UserID = "alice"
	alice, err := NewClient(cfg, onChange, &logger)
	require.NoError(t, err)
	t.Cleanup(alice.Close)

	cfg.Client.UserID = "bob"
	bob, err := NewClient(cfg, nil, &logger)
	require.NoError(t, err)
	t.Cleanup(bob.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := core.ResolveDirect("bob", "alice").Key

	require.NoError(t, alice.Engine.OpenChannel(ctx, key))
	require.NoError(t, bob.Engine.OpenChannel(ctx, key))
	assert.Equal(t, key, <-changes)

	status, err := bob.Engine.SendMessage(ctx, key, core.Draft{Content: "ping"})
	require.NoError(t, err)
	assert.Equal(t, core.StatusConfirmed, status)

	require.Eventually(t, func() bool {
		snap, ok := alice.Engine.ChannelState(key)
		return ok && len(snap.Messages) == 1 && snap.Messages[0].SenderID == "bob"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerRunShutsDown(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Server.DatabasePath = filepath.Join(t.TempDir(), "wirechat.db")
	cfg.Server.Addr = freeAddr(t)

	srv, err := NewServer(cfg, &logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", cfg.Server.Addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(cfg.Server.ShutdownTimeout + time.Second):
		t.Fatal("server did not stop")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}
