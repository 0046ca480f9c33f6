package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-rooms/internal/log"
	"github.com/vovakirdan/wirechat-rooms/internal/proto"
)

type options struct {
	addr     string
	user     string
	name     string
	room     string
	logLevel string
}

func main() {
	var opts options

	cmd := &cobra.Command{
		Use:          "ws_chat",
		Short:        "Interactive room client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "ws://localhost:8080/ws", "WebSocket address")
	cmd.Flags().StringVar(&opts.user, "user", "cli-user", "user id")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to user id)")
	cmd.Flags().StringVar(&opts.room, "room", "general", "room to join")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(parent context.Context, opts options) error {
	logger := log.New(opts.logLevel)

	baseCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, opts.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	if err := send(ctx, conn, proto.InboundTypeHello, proto.HelloData{
		User:     opts.user,
		Name:     opts.name,
		Protocol: proto.ProtocolVersion,
	}); err != nil {
		return err
	}
	if err := send(ctx, conn, proto.InboundTypeJoin, proto.RoomData{Room: opts.room}); err != nil {
		return err
	}

	fmt.Printf("Connected to %s as %s in room %s\n", opts.addr, opts.user, opts.room)
	fmt.Println("Type messages and press Enter to send. /name NEW renames, /typing signals typing, /quit leaves.")

	go func() {
		defer cancel()
		newPrinter(opts.user).readLoop(ctx, conn, logger)
	}()

	writeLoop(ctx, conn, opts.room, logger)

	_ = send(context.Background(), conn, proto.InboundTypeLeave, proto.RoomData{Room: opts.room})
	return nil
}

func send(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// printer turns full-state events into incremental terminal output.
type printer struct {
	self     string
	seen     map[string]bool
	present  map[string]string
	typing   []string
	joined bool
}

func newPrinter(self string) *printer {
	return &printer{self: self, seen: make(map[string]bool), present: make(map[string]string)}
}

func (p *printer) readLoop(ctx context.Context, conn *websocket.Conn, logger *zerolog.Logger) {
	for {
		var frame struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
			Error *proto.Error    `json:"error"`
		}
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			logger.Error().Err(err).Msg("read error")
			return
		}

		if frame.Type == proto.OutboundTypeError && frame.Error != nil {
			fmt.Printf("! %s: %s\n", frame.Error.Code, frame.Error.Msg)
			continue
		}

		var err error
		switch frame.Event {
		case proto.EventMessages:
			var evt proto.EventMessagesData
			if err = json.Unmarshal(frame.Data, &evt); err == nil {
				p.messages(evt)
			}
		case proto.EventPresence:
			var evt proto.EventPresenceData
			if err = json.Unmarshal(frame.Data, &evt); err == nil {
				p.presence(evt)
			}
		case proto.EventTyping:
			var evt proto.EventTypingData
			if err = json.Unmarshal(frame.Data, &evt); err == nil {
				p.typingUsers(evt)
			}
		default:
			logger.Debug().Str("event", frame.Event).Msg("unhandled event")
		}
		if err != nil {
			logger.Warn().Err(err).Str("event", frame.Event).Msg("bad event payload")
		}
	}
}

func (p *printer) messages(evt proto.EventMessagesData) {
	for _, m := range evt.Messages {
		if m.Pending || p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		ts := time.UnixMilli(m.TS).Format(time.TimeOnly)
		fmt.Printf("[%s %s] %s: %s\n", evt.Room, ts, m.Name, m.Text)
	}
}

func (p *printer) presence(evt proto.EventPresenceData) {
	next := make(map[string]string, len(evt.Participants))
	for _, part := range evt.Participants {
		next[part.User] = part.Name
	}
	if p.joined {
		for user, name := range next {
			if prev, ok := p.present[user]; !ok {
				fmt.Printf("[room %s] %s joined\n", evt.Room, name)
			} else if prev != name {
				fmt.Printf("[room %s] %s is now %s\n", evt.Room, prev, name)
			}
		}
		for user, name := range p.present {
			if _, ok := next[user]; !ok {
				fmt.Printf("[room %s] %s left\n", evt.Room, name)
			}
		}
	} else {
		names := make([]string, 0, len(next))
		for _, name := range next {
			names = append(names, name)
		}
		slices.Sort(names)
		fmt.Printf("[room %s] here: %s\n", evt.Room, strings.Join(names, ", "))
		p.joined = true
	}
	p.present = next
}

func (p *printer) typingUsers(evt proto.EventTypingData) {
	names := make([]string, 0, len(evt.Users))
	for _, u := range evt.Users {
		names = append(names, u.Name)
	}
	if slices.Equal(names, p.typing) {
		return
	}
	p.typing = names
	if len(names) > 0 {
		fmt.Printf("[room %s] %s typing...\n", evt.Room, strings.Join(names, ", "))
	}
}

func writeLoop(ctx context.Context, conn *websocket.Conn, room string, logger *zerolog.Logger) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			var err error
			switch {
			case text == "":
				continue
			case text == "/quit":
				return
			case text == "/typing":
				err = send(ctx, conn, proto.InboundTypeTyping, proto.RoomData{Room: room})
			case strings.HasPrefix(text, "/name "):
				err = send(ctx, conn, proto.InboundTypeRename, proto.RenameData{Room: room, Name: strings.TrimSpace(text[len("/name "):])})
			default:
				err = send(ctx, conn, proto.InboundTypeMsg, proto.MsgData{Room: room, Text: text})
			}
			if err != nil {
				logger.Error().Err(err).Msg("send error")
				return
			}
		}
	}
}
