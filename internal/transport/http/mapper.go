package http

import (
	"encoding/json"
	"strings"

	"github.com/vovakirdan/wirechat-rooms/internal/core"
	"github.com/vovakirdan/wirechat-rooms/internal/proto"
)

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoin, proto.InboundTypeLeave, proto.InboundTypeTyping:
		var data proto.RoomData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, badRequest("invalid " + inbound.Type + " payload")
		}
		if strings.TrimSpace(data.Room) == "" {
			return nil, badRequest("room is required")
		}
		kind := core.CommandJoinRoom
		switch inbound.Type {
		case proto.InboundTypeLeave:
			kind = core.CommandLeaveRoom
		case proto.InboundTypeTyping:
			kind = core.CommandTyping
		}
		return &core.Command{Kind: kind, Room: data.Room}, nil
	case proto.InboundTypeRename:
		var data proto.RenameData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, badRequest("invalid rename payload")
		}
		if strings.TrimSpace(data.Room) == "" {
			return nil, badRequest("room is required")
		}
		return &core.Command{Kind: core.CommandRename, Room: data.Room, Name: data.Name}, nil
	case proto.InboundTypeMsg:
		var data proto.MsgData
		if err := json.Unmarshal(inbound.Data, &data); err != nil {
			return nil, badRequest("invalid msg payload")
		}
		if strings.TrimSpace(data.Room) == "" {
			return nil, badRequest("room is required")
		}
		return &core.Command{Kind: core.CommandSendRoomMessage, Room: data.Room, Text: data.Text}, nil
	case proto.InboundTypeHello:
		return nil, &proto.Error{Code: proto.ErrCodeInvalidMessage, Msg: "hello already received"}
	default:
		return nil, &proto.Error{Code: proto.ErrCodeInvalidMessage, Msg: "unknown message type"}
	}
}

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Msg: msg}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventPresence:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventPresence,
			Data:  presenceData(event.Room, event.Participants),
		}
	case core.EventTyping:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTyping,
			Data:  typingData(event.Room, event.Typing),
		}
	case core.EventMessages:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventMessages,
			Data:  messagesData(event.Room, event.Messages),
		}
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

func presenceData(room string, participants []core.Participant) proto.EventPresenceData {
	out := make([]proto.Participant, 0, len(participants))
	for _, p := range participants {
		out = append(out, proto.Participant{User: p.UserID, Name: p.DisplayName, LastSeen: p.LastSeen})
	}
	return proto.EventPresenceData{Room: room, Participants: out}
}

func typingData(room string, signals []core.TypingSignal) proto.EventTypingData {
	out := make([]proto.Typist, 0, len(signals))
	for _, s := range signals {
		out = append(out, proto.Typist{User: s.UserID, Name: s.DisplayName})
	}
	return proto.EventTypingData{Room: room, Users: out}
}

func messagesData(room string, messages []core.Message) proto.EventMessagesData {
	out := make([]proto.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, proto.Message{
			ID:      m.ID,
			User:    m.UserID,
			Name:    m.DisplayName,
			Text:    m.Body,
			TS:      m.CreatedAt.UnixMilli(),
			Pending: m.Pending,
		})
	}
	return proto.EventMessagesData{Room: room, Messages: out}
}
