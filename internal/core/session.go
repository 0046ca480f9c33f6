package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-rooms/internal/config"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// State is a Session lifecycle state.
type State int

const (
	StateNotJoined State = iota
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateNotJoined:
		return "not_joined"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscription is a handle returned by the Subscribe* methods.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel stops delivery. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Session is one participant's membership in one room. It wires the presence
// registry, typing tracker and message stream to the substrate and owns their
// subscriptions and timers.
type Session struct {
	room  string
	store store.Store
	clock clock.Clock
	cfg   config.Room
	log   *zerolog.Logger
	sched *Scheduler

	Presence *PresenceRegistry
	Typing   *TypingTracker
	Messages *MessageStream

	mu          sync.Mutex
	state       State
	userID      string
	displayName string
	unsubs      []store.Unsubscribe
	subs        map[*Subscription]struct{}
}

// NewSession creates a session for room in the NotJoined state.
func NewSession(room string, st store.Store, clk clock.Clock, cfg config.Room, logger *zerolog.Logger) *Session {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	sched := NewScheduler(clk)
	return &Session{
		room:     room,
		store:    st,
		clock:    clk,
		cfg:      cfg,
		log:      logger,
		sched:    sched,
		Presence: NewPresenceRegistry(room, st, clk, logger),
		Typing:   NewTypingTracker(room, st, clk, sched, cfg.TypingTTL, cfg.TypingRefresh, logger),
		Messages: NewMessageStream(room, st, clk, cfg.DedupWindow, cfg.MaxMessages, logger),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Room returns the room name.
func (s *Session) Room() string { return s.room }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the joined user, empty when not joined.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// DisplayName returns the joined user's current display name.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Join moves NotJoined -> Joining -> Active. Subscriptions open before the
// presence write and initial load so no change in between is lost. Any
// failure unwinds back to NotJoined.
func (s *Session) Join(ctx context.Context, userID, displayName string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: empty user id", ErrBadRequest)
	}
	if displayName == "" {
		displayName = userID
	}

	s.mu.Lock()
	if s.state != StateNotJoined {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = StateJoining
	s.userID = userID
	s.displayName = displayName
	s.mu.Unlock()

	s.Typing.SetSelf(userID)

	unsubs, err := s.subscribe(ctx)
	if err != nil {
		s.abortJoin(false)
		return err
	}
	s.mu.Lock()
	s.unsubs = unsubs
	s.mu.Unlock()

	if err := s.Presence.Join(ctx, userID, displayName); err != nil {
		s.abortJoin(false)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Presence.Refresh(gctx) })
	g.Go(func() error { return s.Messages.LoadHistory(gctx, s.cfg.HistoryLimit) })
	if err := g.Wait(); err != nil {
		s.abortJoin(true)
		return fmt.Errorf("initial load: %w", err)
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	s.sched.Every(s.cfg.HeartbeatInterval, s.heartbeat)
	s.sched.Every(s.cfg.TypingSweep, s.Typing.Sweep)

	s.log.Info().Str("room", s.room).Str("user_id", userID).Msg("joined room")
	return nil
}

func (s *Session) subscribe(ctx context.Context) ([]store.Unsubscribe, error) {
	tables := []store.Table{store.Presence(s.room), store.Typing(s.room), store.Messages(s.room)}
	unsubs := make([]store.Unsubscribe, 0, len(tables))
	for _, table := range tables {
		unsub, err := s.store.Subscribe(ctx, table, s.dispatch)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			return nil, fmt.Errorf("subscribe %s: %w", table, err)
		}
		unsubs = append(unsubs, unsub)
	}
	return unsubs, nil
}

func (s *Session) abortJoin(removePresence bool) {
	s.mu.Lock()
	user := s.userID
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.sched.Stop()
	for _, u := range unsubs {
		u()
	}
	if removePresence {
		ctx, cancel := context.WithTimeout(context.Background(), s.leaveTimeout())
		if err := s.Presence.Leave(ctx, user); err != nil {
			s.log.Warn().Err(err).Str("room", s.room).Str("user_id", user).Msg("join rollback failed")
		}
		cancel()
	}
	s.reset()
}

// dispatch routes a substrate change to the owning component.
func (s *Session) dispatch(raw store.Change) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	if st != StateJoining && st != StateActive {
		return
	}

	c, err := DecodeChange(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("room", s.room).Msg("dropping undecodable change")
		return
	}

	switch c.Kind {
	case store.TableKindPresence:
		s.Presence.Apply(c)
	case store.TableKindTyping:
		s.Typing.Apply(c)
	case store.TableKindMessages:
		switch c.Op {
		case ChangeInserted, ChangeUpdated:
			s.Messages.OnInserted(*c.Message)
		case ChangeDeleted:
			s.Messages.OnDeleted(c.Key)
		}
	}
}

// Leave moves Active -> Leaving -> NotJoined. Timers and subscriptions are
// torn down before the caller's own typing, presence and (by policy) message
// records are deleted.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.state = StateLeaving
	user := s.userID
	unsubs := s.unsubs
	s.unsubs = nil
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	s.sched.Stop()
	s.Typing.Close()
	for _, u := range unsubs {
		u()
	}
	for sub := range subs {
		sub.Cancel()
	}

	var errs []error
	if err := s.store.Delete(ctx, store.Typing(s.room), user); err != nil {
		errs = append(errs, writeError("typing.leave", err))
	}
	if err := s.Presence.Leave(ctx, user); err != nil {
		errs = append(errs, err)
	}
	if s.cfg.WipeMessagesOnLeave {
		if err := s.Messages.WipeUser(ctx, user); err != nil {
			errs = append(errs, err)
		}
	}

	s.reset()
	s.log.Info().Str("room", s.room).Str("user_id", user).Msg("left room")
	return errors.Join(errs...)
}

// Terminate is the abrupt-termination hook. It runs the same teardown as
// Leave bounded by the leave timeout and only logs failures. Delivery is not
// guaranteed; the presence reaper cleans up what this misses.
func (s *Session) Terminate() {
	ctx, cancel := context.WithTimeout(context.Background(), s.leaveTimeout())
	defer cancel()

	if err := s.Leave(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
		s.log.Warn().Err(err).Str("room", s.room).Msg("terminate cleanup incomplete")
	}
}

func (s *Session) reset() {
	s.Typing.Close()
	s.Presence.Reset()
	s.Messages.Reset()

	s.mu.Lock()
	s.state = StateNotJoined
	s.userID = ""
	s.displayName = ""
	s.mu.Unlock()
}

func (s *Session) leaveTimeout() time.Duration {
	if s.cfg.LeaveTimeout > 0 {
		return s.cfg.LeaveTimeout
	}
	return config.DefaultRoom().LeaveTimeout
}

func (s *Session) requireActive(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive || s.userID != userID {
		return ErrNotJoined
	}
	return nil
}

// Rename changes the participant's display name.
func (s *Session) Rename(ctx context.Context, userID, displayName string) error {
	if err := s.requireActive(userID); err != nil {
		return err
	}
	if strings.TrimSpace(displayName) == "" {
		return fmt.Errorf("%w: empty display name", ErrBadRequest)
	}
	if err := s.Presence.Rename(ctx, userID, displayName); err != nil {
		return err
	}
	s.mu.Lock()
	s.displayName = displayName
	s.mu.Unlock()
	return nil
}

// Send withdraws the sender's typing signal and posts body.
func (s *Session) Send(ctx context.Context, userID, displayName, body string) (Message, error) {
	if err := s.requireActive(userID); err != nil {
		return Message{}, err
	}
	if displayName == "" {
		displayName = s.DisplayName()
	}
	if err := s.Typing.StopExplicit(ctx, userID); err != nil {
		s.log.Warn().Err(err).Str("room", s.room).Str("user_id", userID).Msg("typing stop failed")
	}
	return s.Messages.Send(ctx, userID, displayName, body)
}

// NotifyTyping records input activity for the participant.
func (s *Session) NotifyTyping(ctx context.Context, userID, displayName string) error {
	if err := s.requireActive(userID); err != nil {
		return err
	}
	if displayName == "" {
		displayName = s.DisplayName()
	}
	return s.Typing.NotifyActivity(ctx, userID, displayName)
}

// StopTyping withdraws the participant's typing signal.
func (s *Session) StopTyping(ctx context.Context, userID string) error {
	if err := s.requireActive(userID); err != nil {
		return err
	}
	return s.Typing.StopExplicit(ctx, userID)
}

func (s *Session) heartbeat() {
	user := s.UserID()
	if s.requireActive(user) != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	err := s.Presence.Heartbeat(ctx, user)
	if errors.Is(err, ErrNotJoined) {
		// The record was removed from outside (reaper, another tab leaving).
		err = s.Presence.Join(ctx, user, s.DisplayName())
	}
	if err != nil {
		s.log.Warn().Err(err).Str("room", s.room).Str("user_id", user).Msg("heartbeat failed")
	}
}

// SubscribePresence pushes the current participant list and every change.
func (s *Session) SubscribePresence(cb func([]Participant)) *Subscription {
	return s.track(s.Presence.OnChange(cb))
}

// SubscribeTyping pushes the current typing set and every change.
func (s *Session) SubscribeTyping(cb func([]TypingSignal)) *Subscription {
	return s.track(s.Typing.OnChange(cb))
}

// SubscribeMessages pushes the current message list and every change.
func (s *Session) SubscribeMessages(cb func([]Message)) *Subscription {
	return s.track(s.Messages.OnChange(cb))
}

func (s *Session) track(cancel func()) *Subscription {
	sub := &Subscription{}
	sub.cancel = func() {
		cancel()
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}
