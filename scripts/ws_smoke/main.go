package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meetline/callbridge/internal/proto"
)

// Manual smoke test for the event stream: authenticates over /ws and
// prints everything the server pushes until the timeout expires.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	token := flag.String("token", "", "JWT from /api/login")
	timeout := flag.Duration("timeout", 30*time.Second, "total timeout for the run")
	flag.Parse()

	if *token == "" {
		return fmt.Errorf("missing -token (obtain one via POST /api/login)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	helloPayload, err := json.Marshal(proto.HelloData{Token: *token, Protocol: proto.ProtocolVersion})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: helloPayload}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch outbound.Type {
		case proto.OutboundTypeWelcome:
			raw, _ := json.Marshal(outbound.Data)
			fmt.Printf("welcome: %s\n", raw)
		case proto.OutboundTypeError:
			if outbound.Error != nil {
				fmt.Printf("error: %s %s\n", outbound.Error.Code, outbound.Error.Msg)
			}
		case proto.OutboundTypeEvent:
			raw, err := json.Marshal(outbound.Data)
			if err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
			var evt proto.CallEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				fmt.Printf("%s: %s\n", outbound.Event, raw)
				continue
			}
			fmt.Printf("%s: session=%s caller=%d callee=%d", outbound.Event, evt.SessionID, evt.CallerID, evt.CalleeID)
			if evt.Reason != "" {
				fmt.Printf(" reason=%s", evt.Reason)
			}
			if evt.BilledAmount != 0 {
				fmt.Printf(" billed=%d (%ds)", evt.BilledAmount, evt.BilledSeconds)
			}
			if evt.JoinInfo != nil {
				fmt.Printf(" room=%s", evt.JoinInfo.RoomName)
			}
			fmt.Println()
		default:
			fmt.Printf("unknown outbound type %q\n", outbound.Type)
		}
	}
}
