package llm

import (
	"errors"
)

var (
	// ErrRateLimited means the endpoint answered 429. The user should wait.
	ErrRateLimited = errors.New("rate limited")
	// ErrPaymentRequired means the endpoint answered 402. Billing needs attention.
	ErrPaymentRequired = errors.New("payment required")
	// ErrConnectionFailed covers transport failures, other non-2xx statuses and empty bodies.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrStreamRead means the body broke off mid-stream. Partial content is kept.
	ErrStreamRead = errors.New("stream read failed")
	// ErrBusy is returned when a send overlaps one that is still pending.
	ErrBusy = errors.New("session busy")
)

// Wire codes used by the websocket relay and the CLI.
const (
	CodeRateLimited      = "rate_limited"
	CodePaymentRequired  = "payment_required"
	CodeConnectionFailed = "connection_failed"
	CodeStreamFailed     = "stream_failed"
	CodeBusy             = "busy"
)

// ErrorCode maps err to a stable wire code. Unknown errors are connection failures.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrPaymentRequired):
		return CodePaymentRequired
	case errors.Is(err, ErrBusy):
		return CodeBusy
	case errors.Is(err, ErrStreamRead):
		return CodeStreamFailed
	default:
		return CodeConnectionFailed
	}
}

// UserMessage is the text shown to the shopper for a failed exchange.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case "":
		return ""
	case CodeRateLimited:
		return "تم تجاوز حد الطلبات، يرجى المحاولة لاحقاً."
	case CodePaymentRequired:
		return "يرجى إضافة رصيد لمتابعة استخدام المساعد."
	case CodeBusy:
		return "يرجى انتظار اكتمال الرد الحالي."
	case CodeStreamFailed:
		return "انقطع الاتصال أثناء استلام الرد."
	default:
		return "فشل الاتصال بالمساعد الذكي."
	}
}
