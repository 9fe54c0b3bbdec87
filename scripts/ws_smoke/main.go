// Command ws_smoke checks a running server end to end: it subscribes to a
// channel on the live feed, posts one message over the REST API and waits
// for the matching insert event.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	user := flag.String("user", "tester", "user id sent in "+proto.HeaderUser)
	channel := flag.String("channel", "community:general", "channel key")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(*server, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{proto.HeaderUser: []string{*user}},
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	payload, err := json.Marshal(proto.SubscribeData{Ref: "smoke", Channel: *channel})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeSubscribe, Data: payload}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	var reply proto.Outbound
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if reply.Type != proto.OutboundTypeSubscribed {
		return fmt.Errorf("subscribe rejected: %+v", reply.Error)
	}
	fmt.Printf("subscribed: channel=%s sub=%s\n", *channel, reply.Sub)

	clientID := "tmp-" + uuid.NewString()
	var row proto.Message
	resp, err := resty.New().SetBaseURL(*server).R().
		SetContext(ctx).
		SetHeader(proto.HeaderUser, *user).
		SetPathParam("key", *channel).
		SetBody(proto.SendRequest{ClientID: clientID, Content: *text}).
		SetResult(&row).
		Post("/api/channels/{key}/messages")
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post: %s: %s", resp.Status(), resp.String())
	}
	fmt.Printf("stored: id=%d client_id=%s\n", row.ID, row.ClientID)

	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch out.Type {
		case proto.OutboundTypeEvent:
			if out.Message != nil && out.Message.ClientID == clientID {
				fmt.Printf("event: op=%s id=%d sender=%s text=%q sent_at=%s\n",
					out.Op, out.Message.ID, out.Message.SenderID, out.Message.Content, out.Message.SentAt.Format(time.RFC3339Nano))
				return nil
			}
		case proto.OutboundTypeDropped:
			return fmt.Errorf("subscription %s dropped", out.Sub)
		case proto.OutboundTypeError:
			return fmt.Errorf("feed error: %+v", out.Error)
		}
	}
}
