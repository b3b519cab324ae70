package http

import (
	"encoding/json"
	"fmt"

	"github.com/meetline/callbridge/internal/event"
	"github.com/meetline/callbridge/internal/proto"
)

func decodeHello(inbound proto.Inbound) (*proto.HelloData, error) {
	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	if hello.Token == "" {
		return nil, fmt.Errorf("hello without token")
	}
	return &hello, nil
}

func outboundFromEvent(ev event.Event) proto.Outbound {
	payload := proto.CallEvent{
		SessionID:     ev.SessionID,
		CallerID:      ev.CallerID,
		CalleeID:      ev.CalleeID,
		Kind:          ev.CallKind,
		Reason:        ev.Reason,
		BilledSeconds: ev.BilledSeconds,
		BilledAmount:  ev.BilledAmount,
		TS:            ev.CreatedAt.Unix(),
	}
	if ev.JoinInfo != nil {
		payload.JoinInfo = &proto.JoinInfo{
			URL:      ev.JoinInfo.URL,
			Token:    ev.JoinInfo.Token,
			RoomName: ev.JoinInfo.RoomName,
			Identity: ev.JoinInfo.Identity,
		}
	}
	return proto.Outbound{
		Type:  proto.OutboundTypeEvent,
		Event: string(ev.Kind),
		Data:  payload,
	}
}
