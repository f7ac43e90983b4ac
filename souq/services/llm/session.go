package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"souq/souq/utils/logging"
	"souq/souq/utils/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultReadSize = 4 << 10

// Streamer opens a streamed chat completion for the whole history.
// On success the returned body is non-nil and owned by the caller.
type Streamer interface {
	Stream(ctx context.Context, messages []types.ChatMessage, mode types.Mode) (io.ReadCloser, error)
}

// SessionObserver receives every mutation of a session, in order.
type SessionObserver interface {
	// OnMessage fires when a message is appended at index.
	OnMessage(index int, msg types.ChatMessage)
	// OnDelta fires when fragment is appended to the open assistant message.
	OnDelta(index int, fragment string)
	// OnSettled fires exactly once per non-trivial send.
	OnSettled(err error)
}

type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Session is one open chat widget: an append-only history plus at most one
// in-flight exchange.
type Session struct {
	ID        string
	CreatedAt time.Time

	streamer Streamer
	observer SessionObserver
	readSize int

	mu      sync.Mutex
	history []types.ChatMessage
	mode    types.Mode
	state   State
	// open is the index of the assistant message receiving deltas, or -1.
	open int
}

type SessionOption func(*Session)

func WithObserver(o SessionObserver) SessionOption {
	return func(s *Session) { s.observer = o }
}

// WithReadSize sets how many bytes each body read asks for.
func WithReadSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.readSize = n
		}
	}
}

func NewSession(streamer Streamer, opts ...SessionOption) *Session {
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		streamer:  streamer,
		readSize:  defaultReadSize,
		mode:      types.ModeGeneral,
		open:      -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns a copy of the conversation so far.
func (s *Session) History() []types.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ChatMessage(nil), s.history...)
}

func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() types.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Snapshot captures the session for archiving.
func (s *Session) Snapshot() types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Transcript{
		SessionID: s.ID,
		Mode:      s.mode,
		Messages:  append([]types.ChatMessage(nil), s.history...),
		CreatedAt: s.CreatedAt,
		ClosedAt:  time.Now(),
	}
}

// Exchange describes one send once it has settled.
type Exchange struct {
	// Sent is the number of messages posted upstream, the new user turn included.
	Sent int
	// Bytes is how much of the response body was read.
	Bytes int64
}

// SendMessage appends the user turn, streams the assistant reply into the
// history and returns once the exchange has settled. Whitespace-only input is
// a no-op. A send that overlaps a pending one returns ErrBusy untouched.
// Cancelling ctx aborts the request; content received so far is kept.
func (s *Session) SendMessage(ctx context.Context, userText string, mode types.Mode) error {
	_, err := s.Send(ctx, userText, mode)
	return err
}

// Send is SendMessage that also reports what the exchange moved.
func (s *Session) Send(ctx context.Context, userText string, mode types.Mode) (ex Exchange, err error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return ex, nil
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ex, ErrBusy
	}
	s.state = StateSending
	s.mode = mode
	msg := types.ChatMessage{Role: types.RoleUser, Content: text}
	s.history = append(s.history, msg)
	index := len(s.history) - 1
	outbound := append([]types.ChatMessage(nil), s.history...)
	s.mu.Unlock()
	ex.Sent = len(outbound)

	s.notifyMessage(index, msg)
	defer func() { s.settle(err) }()
	defer logging.LogDuration(ctx, "chat_session_send")()

	body, err := s.streamer.Stream(ctx, outbound, mode)
	if err != nil {
		return ex, classifyOpenError(err)
	}
	if body == nil {
		return ex, fmt.Errorf("%w: empty response body", ErrConnectionFailed)
	}
	defer body.Close()

	s.setState(StateStreaming)
	ex.Bytes, err = s.consume(ctx, body)
	return ex, err
}

func (s *Session) consume(ctx context.Context, body io.Reader) (int64, error) {
	parser := NewEventParser()
	buf := make([]byte, s.readSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, fmt.Errorf("%w: %w", ErrStreamRead, err)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			res := parser.Feed(buf[:n])
			s.apply(res.Deltas)
			if res.Done {
				return total, nil
			}
		}
		if rerr == io.EOF {
			s.apply(parser.Finish().Deltas)
			return total, nil
		}
		if rerr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return total, fmt.Errorf("%w: %w", ErrStreamRead, ctxErr)
			}
			return total, fmt.Errorf("%w: %w", ErrStreamRead, rerr)
		}
	}
}

// apply appends fragments to the open assistant message, opening it first
// if this exchange has none yet.
func (s *Session) apply(deltas []string) {
	for _, fragment := range deltas {
		s.mu.Lock()
		if s.open < 0 {
			msg := types.ChatMessage{Role: types.RoleAssistant, Content: fragment}
			s.history = append(s.history, msg)
			s.open = len(s.history) - 1
			index := s.open
			s.mu.Unlock()
			s.notifyMessage(index, msg)
			continue
		}
		s.history[s.open].Content += fragment
		index := s.open
		s.mu.Unlock()
		s.notifyDelta(index, fragment)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// settle seals the open assistant message and returns to idle.
func (s *Session) settle(err error) {
	s.mu.Lock()
	s.state = StateIdle
	s.open = -1
	s.mu.Unlock()

	if err != nil {
		logging.AppLogger.Info("chat exchange failed",
			zap.String("session_id", s.ID),
			zap.String("code", ErrorCode(err)),
			zap.Error(err),
		)
	}
	if s.observer != nil {
		s.observer.OnSettled(err)
	}
}

func (s *Session) notifyMessage(index int, msg types.ChatMessage) {
	if s.observer != nil {
		s.observer.OnMessage(index, msg)
	}
}

func (s *Session) notifyDelta(index int, fragment string) {
	if s.observer != nil {
		s.observer.OnDelta(index, fragment)
	}
}

// classifyOpenError makes sure a failure to open the stream carries one of
// the request-phase sentinels.
func classifyOpenError(err error) error {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrPaymentRequired) || errors.Is(err, ErrConnectionFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}
