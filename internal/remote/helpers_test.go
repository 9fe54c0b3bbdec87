package remote

import (
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/bus"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-sync/internal/transport/http"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	community core.ChannelKey = "community:general"
	direct    core.ChannelKey = "dm:alice:bob"
)

type testServer struct {
	*httptest.Server
	bus *bus.Bus
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	b := bus.New(&logger)
	t.Cleanup(b.Close)

	router := transporthttp.NewRouter(bus.NewPublishingStore(st, b), b, nil, config.Default().Server, &logger)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, bus: b}
}

func (ts *testServer) persistence(user string) *Persistence {
	return NewPersistence(ts.URL, user, 0, nil)
}

func (ts *testServer) feed(t *testing.T, user string) *Bus {
	t.Helper()
	b, err := NewBus(ts.URL, user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func channel(t *testing.T, key core.ChannelKey) core.Channel {
	t.Helper()
	ch, err := core.ParseChannelKey(key)
	require.NoError(t, err)
	return ch
}

// recorder is an EventSink that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []core.Event
	drops  []error
}

func (r *recorder) HandleEvent(ev core.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) HandleDrop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops = append(r.drops, err)
}

func (r *recorder) received() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

func (r *recorder) dropped() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.drops...)
}
