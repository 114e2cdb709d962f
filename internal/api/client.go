package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"khubot/internal/backend"
	"khubot/internal/credential"
)

// TokenSource supplies the bearer token for outgoing requests.
// *credential.Jar implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, credential.Claims, bool)
	Clear(ctx context.Context)
}

// LoginResult is a freshly issued credential
type LoginResult struct {
	Token         string
	ExpiresInDays int
}

// Profile is the user information returned alongside the history
type Profile struct {
	FirstName    string
	LastName     string
	UsagePercent float64
}

// HistoryEntry is one message of the server-side history
type HistoryEntry struct {
	Content string
	FromBot bool
}

// ChatList is the full history of the single conversation plus the profile
type ChatList struct {
	Messages []HistoryEntry
	Profile  Profile
}

// Reply is the assistant's answer to a sent message
type Reply struct {
	Content    string
	ReceivedAt time.Time
}

// Options configures a Client
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     TokenSource
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Meter      metric.Meter
	HTTPClient *http.Client // optional, overrides Timeout
}

// Client wraps the khubot HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	tracer     trace.Tracer
	duration   metric.Float64Histogram

	mu             sync.RWMutex
	onUnauthorized func()
}

// NewClient creates a new API client
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if opts.Tracer == nil || opts.Meter == nil {
		return nil, fmt.Errorf("tracer and meter are required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	duration, err := opts.Meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: httpClient,
		tokens:     opts.Tokens,
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		duration:   duration,
	}, nil
}

// OnUnauthorized registers fn to run whenever any call is answered with 401.
// The stored credential has already been cleared when fn runs.
func (c *Client) OnUnauthorized(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUnauthorized = fn
}

// Authenticate exchanges a username and password for a credential
func (c *Client) Authenticate(ctx context.Context, username, password string) (LoginResult, error) {
	// a refused login may come back as 200 with isSuccess=false
	data, err := call[backend.LoginResponse](ctx, c, "auth_login", http.MethodPost, backend.PathLogin,
		backend.LoginRequest{Username: username, Password: password}, KindAuthentication)
	if err != nil {
		return LoginResult{}, err
	}
	if data.Token == "" {
		return LoginResult{}, NewError(KindAuthentication, "", fmt.Errorf("login response carried no token"))
	}
	return LoginResult{Token: data.Token, ExpiresInDays: data.LoginExpireInDays}, nil
}

// FetchConversation returns the complete history and the user's profile
func (c *Client) FetchConversation(ctx context.Context) (ChatList, error) {
	data, err := call[backend.ChatListResponse](ctx, c, "chat_get_list", http.MethodGet, backend.PathGetChatList, nil, KindUnknown)
	if err != nil {
		return ChatList{}, err
	}

	entries := make([]HistoryEntry, len(data.Messages))
	for i, m := range data.Messages {
		entries[i] = HistoryEntry{Content: m.Content, FromBot: m.IsFromBot}
	}
	return ChatList{
		Messages: entries,
		Profile: Profile{
			FirstName:    data.FirstName,
			LastName:     data.LastName,
			UsagePercent: data.UsagePercent,
		},
	}, nil
}

// SendMessage posts text and returns the assistant's reply
func (c *Client) SendMessage(ctx context.Context, text string) (Reply, error) {
	data, err := call[string](ctx, c, "chat_send_message", http.MethodPost, backend.PathSendMessage,
		backend.SendMessageRequest{Message: text}, KindUnknown)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Content: data, ReceivedAt: time.Now()}, nil
}

// call performs one request and unwraps the {data, isSuccess} envelope.
// An envelope with isSuccess=false becomes an *Error of unsuccessful kind.
// Every returned error is an *Error.
func call[T any](ctx context.Context, c *Client, spanName, method, path string, body any, unsuccessful ErrorKind) (T, error) {
	var zero T

	ctx, span := c.tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer span.End()

	start := time.Now()
	raw, status, apiErr := c.roundTrip(ctx, method, path, body)
	c.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(
			attribute.String("http.route", path),
			attribute.Int("http.status_code", status),
		))

	if apiErr != nil {
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Kind.String())
		c.logger.Warn("api call failed",
			"route", path,
			"status", status,
			"kind", apiErr.Kind.String(),
			"error", apiErr)
		if apiErr.Kind == KindAuthentication {
			c.handleUnauthorized(ctx)
		}
		return zero, apiErr
	}

	var env backend.Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		e := NewError(KindUnknown, "", fmt.Errorf("failed to unmarshal response: %w", err))
		e.Status = status
		span.RecordError(e)
		span.SetStatus(codes.Error, e.Kind.String())
		return zero, e
	}
	if !env.IsSuccess {
		e := NewError(unsuccessful, backend.FirstErrorText(env.ErrorMessages), fmt.Errorf("%s: isSuccess=false", path))
		e.Status = status
		span.SetStatus(codes.Error, "isSuccess=false")
		c.logger.Warn("api call unsuccessful", "route", path, "message", e.Message)
		return zero, e
	}

	c.logger.Debug("api call succeeded", "route", path, "status", status)
	return env.Data, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any) ([]byte, int, *Error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, 0, NewError(KindUnknown, "", fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, NewError(KindUnknown, "", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if token, _, ok := c.tokens.Token(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the caller gave up; the network is not at fault
		if ctx.Err() != nil {
			return nil, 0, NewError(KindUnknown, MsgCanceled, fmt.Errorf("request abandoned: %w", ctx.Err()))
		}
		return nil, 0, NewError(KindNetwork, "", fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e := NewError(KindNetwork, "", fmt.Errorf("failed to read response: %w", err))
		e.Status = resp.StatusCode
		return nil, resp.StatusCode, e
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp backend.ErrorResponse
		// the body is not always JSON; an undecodable body just means no server message
		_ = json.Unmarshal(raw, &errResp)
		e := classify(resp.StatusCode, backend.FirstErrorText(errResp.ErrorMessages))
		e.Err = fmt.Errorf("API error: %s", resp.Status)
		return nil, resp.StatusCode, e
	}

	return raw, resp.StatusCode, nil
}

func (c *Client) handleUnauthorized(ctx context.Context) {
	c.tokens.Clear(ctx)

	c.mu.RLock()
	fn := c.onUnauthorized
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}
