package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	httputils "souq/souq/utils/http"
	"souq/souq/utils/logging"
	"souq/souq/utils/types"

	"go.uber.org/zap"
)

// ProxyClient talks to the storefront chat endpoint: it posts the history and
// mode and gets back the gateway's event stream.
type ProxyClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func NewProxyClient(endpoint, token string) *ProxyClient {
	return &ProxyClient{endpoint: endpoint, token: token, httpClient: &http.Client{}}
}

func (c *ProxyClient) Stream(ctx context.Context, messages []types.ChatMessage, mode types.Mode) (io.ReadCloser, error) {
	defer logging.LogDuration(ctx, "proxy_client_stream_open")()

	resp, err := httputils.PostStreamWithAuth(ctx, c.httpClient, c.endpoint, c.token, types.ChatRequest{
		Messages: messages,
		Type:     mode,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return checkStreamResponse(resp)
}

type GatewayRequest struct {
	Model    string              `json:"model"`
	Messages []types.ChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

// GatewayClient calls an OpenAI-compatible chat completions endpoint
// directly, prefixing the history with the system prompt for the mode.
type GatewayClient struct {
	url        string
	apiKey     string
	model      string
	prompts    *Prompts
	httpClient *http.Client
}

func NewGatewayClient(url, apiKey, model string, prompts *Prompts) *GatewayClient {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return &GatewayClient{url: url, apiKey: apiKey, model: model, prompts: prompts, httpClient: &http.Client{}}
}

// Payload builds the upstream request body for a history and mode.
func (c *GatewayClient) Payload(messages []types.ChatMessage, mode types.Mode) GatewayRequest {
	all := make([]types.ChatMessage, 0, len(messages)+1)
	all = append(all, types.ChatMessage{Role: types.RoleSystem, Content: c.prompts.For(mode)})
	all = append(all, messages...)
	return GatewayRequest{Model: c.model, Messages: all, Stream: true}
}

func (c *GatewayClient) Stream(ctx context.Context, messages []types.ChatMessage, mode types.Mode) (io.ReadCloser, error) {
	defer logging.LogDuration(ctx, "gateway_client_stream_open")()

	resp, err := httputils.PostStreamWithAuth(ctx, c.httpClient, c.url, c.apiKey, c.Payload(messages, mode.OrDefault()))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return checkStreamResponse(resp)
}

// checkStreamResponse hands back the body of a usable streamed response and
// turns everything else into one of the request-phase errors.
func checkStreamResponse(resp *http.Response) (io.ReadCloser, error) {
	status := httputils.StatusText(resp)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		body := httputils.ReadErrorBody(resp)
		logging.ErrorLogger.Error("chat stream rate limited", zap.String("status", status), zap.String("body", body))
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, strings.TrimSpace(body))
	case resp.StatusCode == http.StatusPaymentRequired:
		body := httputils.ReadErrorBody(resp)
		logging.ErrorLogger.Error("chat stream payment required", zap.String("status", status), zap.String("body", body))
		return nil, fmt.Errorf("%w: %s", ErrPaymentRequired, strings.TrimSpace(body))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := httputils.ReadErrorBody(resp)
		logging.ErrorLogger.Error("chat stream request failed", zap.String("status", status), zap.String("body", body))
		return nil, fmt.Errorf("%w: %s - %s", ErrConnectionFailed, status, strings.TrimSpace(body))
	case resp.Body == nil || resp.Body == http.NoBody:
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s with empty body", ErrConnectionFailed, status)
	}
	return resp.Body, nil
}
