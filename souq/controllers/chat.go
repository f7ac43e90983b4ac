// souq/controllers/chat.go
package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"souq/souq/services/llm"
	"souq/souq/sources/psql/models"
	"souq/souq/sources/storage"
	"souq/souq/utils/logging"
	"souq/souq/utils/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRequest marks a chat request the proxy refuses to forward.
	ErrInvalidRequest = errors.New("invalid chat request")
	// ErrUnavailable means the store behind a read endpoint is not configured.
	ErrUnavailable = errors.New("not configured")
)

const (
	maxMessages   = 100
	maxStatsRange = 31 * 24 * time.Hour
)

// RequestRecorder stores one row per proxied exchange and reads them back.
type RequestRecorder interface {
	Save(ctx context.Context, entry *models.ChatRequestLog) error
	Recent(ctx context.Context, limit int) ([]models.ChatRequestLog, error)
	CountByErrorCode(ctx context.Context, since time.Time) (map[string]int64, error)
}

type ChatController struct {
	gateway  llm.Streamer
	recorder RequestRecorder
	archive  storage.TranscriptArchive
}

// NewChatController wires the gateway; recorder and archive may be nil.
func NewChatController(gateway llm.Streamer, recorder RequestRecorder, archive storage.TranscriptArchive) *ChatController {
	return &ChatController{gateway: gateway, recorder: recorder, archive: archive}
}

// Validate checks the widget payload and normalises the mode.
func (c *ChatController) Validate(req *types.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", ErrInvalidRequest)
	}
	if len(req.Messages) > maxMessages {
		return fmt.Errorf("%w: at most %d messages", ErrInvalidRequest, maxMessages)
	}
	for i, m := range req.Messages {
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			return fmt.Errorf("%w: message %d has role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	req.Type = req.Type.OrDefault()
	return nil
}

// Proxy opens the upstream stream for a widget request. The caller closes it.
func (c *ChatController) Proxy(ctx context.Context, req types.ChatRequest) (io.ReadCloser, error) {
	if err := c.Validate(&req); err != nil {
		return nil, err
	}
	return c.gateway.Stream(ctx, req.Messages, req.Type)
}

// NewSession starts a server-side session for a widget connection.
func (c *ChatController) NewSession(observer llm.SessionObserver) *llm.Session {
	return llm.NewSession(c.gateway, llm.WithObserver(observer))
}

// Record saves a request log entry; failures are logged, never returned.
func (c *ChatController) Record(ctx context.Context, entry *models.ChatRequestLog) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.Save(ctx, entry); err != nil {
		logging.ErrorLogger.Error("failed to save request log", zap.Error(err), zap.String("request_id", entry.RequestID))
	}
}

// Archive stores the transcript of a closed session that has any messages.
func (c *ChatController) Archive(ctx context.Context, session *llm.Session) {
	if c.archive == nil {
		return
	}
	t := session.Snapshot()
	if len(t.Messages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	key, err := c.archive.Put(ctx, t)
	if err != nil {
		logging.ErrorLogger.Error("failed to archive transcript", zap.Error(err), zap.String("session_id", t.SessionID))
		return
	}
	logging.AppLogger.Info("transcript archived", zap.String("session_id", t.SessionID), zap.String("key", key))
}

// RecentLogs lists the newest request log entries.
func (c *ChatController) RecentLogs(ctx context.Context, limit int) ([]models.ChatRequestLog, error) {
	if c.recorder == nil {
		return nil, ErrUnavailable
	}
	return c.recorder.Recent(ctx, limit)
}

// LogStats counts requests per error code over the trailing window. The
// empty code counts successes.
func (c *ChatController) LogStats(ctx context.Context, window time.Duration) (map[string]int64, error) {
	if c.recorder == nil {
		return nil, ErrUnavailable
	}
	if window <= 0 || window > maxStatsRange {
		return nil, fmt.Errorf("%w: window must be within %s", ErrInvalidRequest, maxStatsRange)
	}
	return c.recorder.CountByErrorCode(ctx, time.Now().Add(-window))
}

// Transcript loads the archived session opened on day.
func (c *ChatController) Transcript(ctx context.Context, sessionID string, day time.Time) (types.Transcript, error) {
	if c.archive == nil {
		return types.Transcript{}, ErrUnavailable
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return types.Transcript{}, fmt.Errorf("%w: bad session id", ErrInvalidRequest)
	}
	key := storage.TranscriptKey(types.Transcript{SessionID: sessionID, CreatedAt: day})
	return c.archive.Get(ctx, key)
}
