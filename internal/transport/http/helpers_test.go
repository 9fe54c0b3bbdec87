package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/bus"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/store/sqlite"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	*httptest.Server
	bus *bus.Bus
}

// startTestServer serves the full router over an in-memory database.
func startTestServer(t *testing.T, mutate ...func(*config.ServerConfig)) *testServer {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := zerolog.Nop()
	m := metrics.New()
	b := bus.New(&logger, bus.WithMetrics(m))
	t.Cleanup(b.Close)

	cfg := config.Default().Server
	for _, fn := range mutate {
		fn(&cfg)
	}

	router := NewRouter(bus.NewPublishingStore(st, b), b, m, cfg, &logger)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, bus: b}
}

// do sends a JSON request as user and returns the status and body.
func (ts *testServer) do(t *testing.T, method, path, user string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := stdhttp.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(proto.HeaderUser, user)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (ts *testServer) post(t *testing.T, key, user, content string) proto.Message {
	t.Helper()
	code, body := ts.do(t, stdhttp.MethodPost, "/api/channels/"+key+"/messages", user, proto.SendRequest{Content: content})
	require.Equal(t, stdhttp.StatusCreated, code, string(body))

	var msg proto.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	return msg
}

func (ts *testServer) list(t *testing.T, key, user, query string) []proto.Message {
	t.Helper()
	path := "/api/channels/" + key + "/messages"
	if query != "" {
		path += "?" + query
	}
	code, body := ts.do(t, stdhttp.MethodGet, path, user, nil)
	require.Equal(t, stdhttp.StatusOK, code, string(body))

	var page proto.MessagePage
	require.NoError(t, json.Unmarshal(body, &page))
	return page.Messages
}

// dial opens a feed connection as user.
func (ts *testServer) dial(t *testing.T, user string) (*websocket.Conn, context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: stdhttp.Header{proto.HeaderUser: []string{user}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn, ctx
}

func writeFrame(t *testing.T, ctx context.Context, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}))
}

func readFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) proto.Outbound {
	t.Helper()
	var out proto.Outbound
	require.NoError(t, wsjson.Read(ctx, conn, &out))
	return out
}

func subscribe(t *testing.T, ctx context.Context, conn *websocket.Conn, ref, channel string) string {
	t.Helper()
	writeFrame(t, ctx, conn, proto.InboundTypeSubscribe, proto.SubscribeData{Ref: ref, Channel: channel})
	out := readFrame(t, ctx, conn)
	require.Equal(t, proto.OutboundTypeSubscribed, out.Type, "%+v", out.Error)
	require.Equal(t, ref, out.Ref)
	require.NotEmpty(t, out.Sub)
	return out.Sub
}
