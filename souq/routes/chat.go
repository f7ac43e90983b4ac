package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"souq/souq/config"
	"souq/souq/controllers"
	"souq/souq/middlewares"
	"souq/souq/services/llm"
	"souq/souq/sources/psql/models"
	"souq/souq/sources/storage"
	httputils "souq/souq/utils/http"
	"souq/souq/utils/logging"
	"souq/souq/utils/types"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const (
	msgRateLimited     = "Rate limits exceeded, please try again later."
	msgPaymentRequired = "Payment required, please add funds."
	msgGatewayError    = "AI gateway error"
)

func ChatRoutes(ctrl *controllers.ChatController, cfg config.Config) chi.Router {
	r := chi.NewRouter()
	r.Group(func(gr chi.Router) {
		gr.Use(middlewares.AuthMiddleware(cfg))
		// POST /chat/ : proxy one exchange to the gateway and stream it back
		gr.Post("/", func(w http.ResponseWriter, r *http.Request) {
			proxyChat(ctrl, w, r)
		})
	})
	r.Group(func(gr chi.Router) {
		gr.Use(middlewares.AuthMiddleware(cfg))
		gr.Use(middlewares.RequireAdmin(cfg))
		gr.Get("/logs", func(w http.ResponseWriter, r *http.Request) {
			listLogs(ctrl, w, r)
		})
		gr.Get("/logs/stats", func(w http.ResponseWriter, r *http.Request) {
			logStats(ctrl, w, r)
		})
		gr.Get("/transcripts/{date}/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			getTranscript(ctrl, w, r)
		})
	})
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveChatSocket(ctrl, cfg, w, r)
	})
	return r
}

// GET /chat/logs?limit=N
func listLogs(ctrl *controllers.ChatController, w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputils.WriteError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	logs, err := ctrl.RecentLogs(r.Context(), limit)
	if err != nil {
		writeReadError(w, "request log", err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

// GET /chat/logs/stats?window=24h
func logStats(ctrl *controllers.ChatController, w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			httputils.WriteError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	counts, err := ctrl.LogStats(r.Context(), window)
	if err != nil {
		writeReadError(w, "request log", err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"window": window.String(),
		"counts": counts,
	})
}

// GET /chat/transcripts/{date}/{sessionID}, date as YYYY-MM-DD (UTC)
func getTranscript(ctrl *controllers.ChatController, w http.ResponseWriter, r *http.Request) {
	day, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		httputils.WriteError(w, http.StatusBadRequest, "invalid date")
		return
	}
	t, err := ctrl.Transcript(r.Context(), chi.URLParam(r, "sessionID"), day)
	if err != nil {
		writeReadError(w, "transcript", err)
		return
	}
	httputils.WriteJSON(w, http.StatusOK, t)
}

func writeReadError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, controllers.ErrInvalidRequest):
		httputils.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, controllers.ErrUnavailable):
		httputils.WriteError(w, http.StatusServiceUnavailable, what+" is not configured")
	case errors.Is(err, storage.ErrTranscriptNotFound):
		httputils.WriteError(w, http.StatusNotFound, what+" not found")
	default:
		logging.ErrorLogger.Error("admin read failed", zap.String("resource", what), zap.Error(err))
		httputils.WriteError(w, http.StatusInternalServerError, "failed to read "+what)
	}
}

func proxyChat(ctrl *controllers.ChatController, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	entry := &models.ChatRequestLog{
		RequestID: middleware.GetReqID(r.Context()),
		UserID:    middlewares.UserID(r.Context()),
		Channel:   "http",
	}
	defer func() {
		entry.DurationMS = time.Since(start).Milliseconds()
		ctrl.Record(r.Context(), entry)
	}()

	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		entry.Status = http.StatusBadRequest
		httputils.WriteError(w, http.StatusBadRequest, "invalid json")
		return
	}
	entry.Mode = string(req.Type.OrDefault())
	entry.MessageCount = len(req.Messages)

	body, err := ctrl.Proxy(r.Context(), req)
	if err != nil {
		status, msg := proxyErrorStatus(err)
		entry.Status = status
		entry.ErrorCode = llm.ErrorCode(err)
		if status == http.StatusBadRequest {
			entry.ErrorCode = "invalid_request"
		}
		logging.AppLogger.Info("chat proxy refused", zap.Int("status", status), zap.Error(err))
		httputils.WriteError(w, status, msg)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	entry.Status = http.StatusOK

	n, err := copyFlush(w, body)
	entry.Bytes = n
	if err != nil {
		entry.ErrorCode = llm.CodeStreamFailed
		logging.ErrorLogger.Error("chat proxy stream broke", zap.Error(err), zap.Int64("bytes", n))
	}
}

func proxyErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, controllers.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, llm.ErrRateLimited):
		return http.StatusTooManyRequests, msgRateLimited
	case errors.Is(err, llm.ErrPaymentRequired):
		return http.StatusPaymentRequired, msgPaymentRequired
	default:
		return http.StatusInternalServerError, msgGatewayError
	}
}

// copyFlush relays the upstream event stream, flushing after every read so
// deltas reach the widget as they arrive.
func copyFlush(w http.ResponseWriter, body io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4<<10)
	var total int64
	for {
		n, err := body.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				return total, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// socketObserver turns session events into websocket frames.
type socketObserver struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *socketObserver) send(f types.WSFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.conn.Write(o.ctx, websocket.MessageText, data); err != nil {
		logging.AppLogger.Info("chat socket write failed", zap.Error(err))
	}
}

func (o *socketObserver) OnMessage(index int, msg types.ChatMessage) {
	o.send(types.WSFrame{Type: "message", Index: index, Message: &msg})
}

func (o *socketObserver) OnDelta(index int, fragment string) {
	o.send(types.WSFrame{Type: "delta", Index: index, Content: fragment})
}

func (o *socketObserver) OnSettled(err error) {
	if err != nil {
		o.send(types.WSFrame{Type: "error", Code: llm.ErrorCode(err), Error: llm.UserMessage(err)})
		return
	}
	o.send(types.WSFrame{Type: "done"})
}

// serveChatSocket runs one widget session over a websocket. The first frame
// authenticates; each later frame is a user turn. Closing the socket cancels
// the exchange in flight.
func serveChatSocket(ctrl *controllers.ChatController, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.WSOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusUnsupportedData, "unsupported data")
		return
	}
	var hello types.WSInit
	if err := json.Unmarshal(data, &hello); err != nil {
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","error":"invalid json"}`))
		conn.Close(websocket.StatusPolicyViolation, "invalid json")
		return
	}
	userID, err := middlewares.ParseToken(cfg.JWTSecret, hello.Token)
	if err != nil {
		conn.Write(ctx, websocket.MessageText, []byte(`{"type":"error","error":"invalid token"}`))
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	observer := &socketObserver{ctx: ctx, conn: conn}
	session := ctrl.NewSession(observer)
	observer.send(types.WSFrame{Type: "ready", Content: session.ID})
	logging.AppLogger.Info("chat socket opened", zap.String("session_id", session.ID), zap.String("user_id", userID))

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		ctrl.Archive(r.Context(), session)
		logging.AppLogger.Info("chat socket closed", zap.String("session_id", session.ID))
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var in types.WSSend
		if err := json.Unmarshal(data, &in); err != nil {
			observer.send(types.WSFrame{Type: "error", Error: "invalid json"})
			continue
		}
		if strings.TrimSpace(in.Content) == "" {
			continue
		}
		mode := in.Mode
		if mode == "" {
			mode = hello.Mode
		}
		mode = mode.OrDefault()

		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			ex, err := session.Send(ctx, in.Content, mode)
			if errors.Is(err, llm.ErrBusy) {
				observer.send(types.WSFrame{Type: "error", Code: llm.CodeBusy, Error: llm.UserMessage(err)})
				return
			}
			ctrl.Record(ctx, &models.ChatRequestLog{
				RequestID:    session.ID,
				UserID:       userID,
				Channel:      "ws",
				Mode:         string(mode),
				MessageCount: ex.Sent,
				Status:       exchangeStatus(err),
				ErrorCode:    llm.ErrorCode(err),
				Bytes:        ex.Bytes,
				DurationMS:   time.Since(start).Milliseconds(),
			})
		}()
	}
}

// exchangeStatus is the status POST /chat would have answered with. A stream
// that breaks after the first byte is still a 200 carrying an error code.
func exchangeStatus(err error) int {
	if err == nil || errors.Is(err, llm.ErrStreamRead) {
		return http.StatusOK
	}
	status, _ := proxyErrorStatus(err)
	return status
}
