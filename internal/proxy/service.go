// Package proxy orchestrates the request pipeline: credential resolution,
// conversation linking, upstream forwarding, streaming assembly, and the
// asynchronous persistence and accounting side effects.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	jsoniter "github.com/json-iterator/go"

	"nexus/internal/credentials"
	"nexus/internal/hasher"
	"nexus/internal/linker"
	"nexus/internal/messages"
	"nexus/internal/observability"
	"nexus/internal/storage"
	"nexus/internal/streaming"
	"nexus/internal/upstream"
	"nexus/internal/usage"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

var tracer = otel.Tracer("nexus/proxy")

// maxBodyBytes bounds inbound request bodies.
const maxBodyBytes = 32 << 20

// Upstream is the outbound call surface; *upstream.Client implements it and
// tests substitute fakes.
type Upstream interface {
	Send(ctx context.Context, body []byte, cred *credentials.Credential, streaming bool) (*http.Response, error)
}

// CredentialSource resolves and refreshes per-domain credentials.
type CredentialSource interface {
	Resolve(ctx context.Context, domain string) (*credentials.Credential, error)
	Refresh(ctx context.Context, domain string) (*credentials.Credential, error)
}

// Service is the proxy core.
type Service struct {
	creds          CredentialSource
	linker         *linker.Linker
	writer         *storage.Writer
	upstream       Upstream
	tracker        *usage.Tracker
	requestTimeout time.Duration
	clientAuth     bool
	now            func() time.Time
}

// Config wires a Service.
type Config struct {
	Credentials    CredentialSource
	Linker         *linker.Linker
	Writer         *storage.Writer
	Upstream       Upstream
	Tracker        *usage.Tracker
	RequestTimeout time.Duration
	ClientAuth     bool
}

// New builds the service.
func New(cfg Config) *Service {
	to := cfg.RequestTimeout
	if to <= 0 {
		to = 11 * time.Minute
	}
	return &Service{
		creds:          cfg.Credentials,
		linker:         cfg.Linker,
		writer:         cfg.Writer,
		upstream:       cfg.Upstream,
		tracker:        cfg.Tracker,
		requestTimeout: to,
		clientAuth:     cfg.ClientAuth,
		now:            time.Now,
	}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func envelope(errType, message, requestID string) errorEnvelope {
	return errorEnvelope{Error: errorBody{Type: errType, Message: message, RequestID: requestID}}
}

// HandleMessages is the POST /v1/messages handler.
func (s *Service) HandleMessages(c echo.Context) error {
	requestID := uuid.NewString()
	domain := requestDomain(c.Request())

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.requestTimeout)
	defer cancel()
	ctx = observability.WithRequestID(ctx, requestID, domain)
	logger := observability.Logger(ctx)

	ctx, span := tracer.Start(ctx, "proxy.messages")
	defer span.End()

	// State the recovery path needs: a panic before linking commits must
	// still leave a request row behind so the response row's foreign key
	// holds and the conversation graph stays well-formed.
	var (
		view      *messages.RequestView
		accountID string
		linked    bool
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("panic", r).Msg("panic in proxy pipeline")
			if !linked {
				s.recordOrphanRequest(requestID, domain, accountID, view)
			}
			s.recordFailure(requestID, domain, http.StatusInternalServerError, "internal_error")
			_ = c.JSON(http.StatusInternalServerError, envelope("api_error", "internal error", requestID))
		}
	}()

	// Auth resolution before anything else: unknown domains get no further.
	cred, err := s.creds.Resolve(ctx, domain)
	if err != nil {
		if errors.Is(err, credentials.ErrUnknownDomain) || errors.Is(err, credentials.ErrExpiredToken) {
			return c.JSON(http.StatusUnauthorized, envelope("authentication_error", err.Error(), requestID))
		}
		logger.Error().Err(err).Msg("credential resolution failed")
		return c.JSON(http.StatusUnauthorized, envelope("authentication_error", "credential resolution failed", requestID))
	}
	accountID = cred.AccountID
	if s.clientAuth && cred.ClientAPIKey != "" {
		if bearerToken(c.Request()) != cred.ClientAPIKey {
			return c.JSON(http.StatusUnauthorized, envelope("authentication_error", "invalid client key", requestID))
		}
	}

	// Validation.
	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return c.JSON(http.StatusBadRequest, envelope("invalid_request_error", "content-type must be application/json", requestID))
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, envelope("invalid_request_error", "unreadable request body", requestID))
	}
	view, err = messages.ParseRequest(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, envelope("invalid_request_error", "request body is not valid JSON", requestID))
	}
	if err := view.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, envelope("invalid_request_error", err.Error(), requestID))
	}

	// Conversation linking; the request row is enqueued while the branch
	// lock is held so racing continuations observe it.
	arrival := s.now().UTC()
	link := s.linker.Link(ctx, domain, view, func(l linker.Linkage) {
		linked = true
		s.writer.EnqueueRequest(storage.RequestRecord{
			RequestID:           requestID,
			Domain:              domain,
			AccountID:           cred.AccountID,
			Timestamp:           arrival,
			Body:                view.Raw,
			CurrentMessageHash:  l.CurrentMessageHash,
			ParentMessageHash:   l.ParentMessageHash,
			SystemHash:          l.SystemHash,
			ConversationID:      l.ConversationID,
			BranchID:            l.BranchID,
			ParentRequestID:     l.ParentRequestID,
			MessageCount:        len(view.Messages),
			IsSubtask:           l.IsSubtask,
			ParentTaskRequestID: l.ParentTaskRequestID,
		})
	})
	logger.Info().
		Str("conversation_id", link.ConversationID).
		Str("branch_id", link.BranchID).
		Bool("is_subtask", link.IsSubtask).
		Bool("stream", view.Stream).
		Msg("request linked")

	// Upstream call; one silent retry after an OAuth refresh.
	start := s.now()
	resp, err := s.upstream.Send(ctx, view.Raw, cred, view.Stream)
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Kind == upstream.KindAuthExpired {
		refreshed, refreshErr := s.creds.Refresh(ctx, domain)
		if refreshErr == nil {
			resp, err = s.upstream.Send(ctx, view.Raw, refreshed, view.Stream)
		}
	}
	if err != nil {
		return s.writeUpstreamError(c, err, requestID, domain, start)
	}
	ttfb := s.now().Sub(start)

	if view.Stream {
		return s.streamResponse(ctx, c, resp, requestID, domain, cred.AccountID, start, ttfb)
	}
	return s.bufferedResponse(ctx, c, resp, requestID, domain, cred.AccountID, start, ttfb)
}

// bufferedResponse forwards a non-streaming upstream response verbatim and
// records it.
func (s *Service) bufferedResponse(ctx context.Context, c echo.Context, resp *http.Response, requestID, domain, accountID string, start time.Time, ttfb time.Duration) error {
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.Logger(ctx).Error().Err(err).Msg("upstream body read failed")
		s.recordFailure(requestID, domain, http.StatusBadGateway, "network_error")
		return c.JSON(http.StatusBadGateway, envelope("network_error", "upstream body read failed", requestID))
	}

	var logical messages.ChatResponse
	_ = jsonit.Unmarshal(respBody, &logical)

	s.writer.EnqueueResponse(storage.ResponseRecord{
		RequestID:                requestID,
		Domain:                   domain,
		Status:                   resp.StatusCode,
		Headers:                  observability.RedactHeaders(resp.Header),
		Body:                     respBody,
		Streaming:                false,
		InputTokens:              logical.Usage.InputTokens,
		OutputTokens:             logical.Usage.OutputTokens,
		CacheCreationInputTokens: logical.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     logical.Usage.CacheReadInputTokens,
		DurationMs:               s.now().Sub(start).Milliseconds(),
		TTFBMs:                   ttfb.Milliseconds(),
		Timestamp:                s.now().UTC(),
	})
	if s.tracker != nil {
		s.tracker.Record(context.WithoutCancel(ctx), accountID, logical.Usage)
	}

	return c.Blob(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), respBody)
}

// streamResponse tees the upstream SSE stream to the client while the
// assembler reconstructs the logical response for persistence.
func (s *Service) streamResponse(ctx context.Context, c echo.Context, resp *http.Response, requestID, domain, accountID string, start time.Time, ttfb time.Duration) error {
	defer resp.Body.Close()

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	chunkTime := func() time.Time { return s.now().UTC() }
	result, runErr := streaming.Run(ctx, resp.Body, c.Response(), func(ev streaming.Event) {
		s.writer.EnqueueChunk(storage.StreamingChunk{
			RequestID:  requestID,
			ChunkIndex: ev.Index,
			Timestamp:  chunkTime(),
			Data:       ev.Raw,
			TokenCount: ev.TokenDelta,
		})
	})

	status := http.StatusOK
	errType := ""
	switch {
	case result.Disconnected:
		errType = "client_disconnected"
	case result.Failed:
		errType = result.FailType
	case runErr != nil:
		errType = "stream_error"
	}

	logicalBody, _ := jsonit.Marshal(result.Response)
	s.writer.EnqueueResponse(storage.ResponseRecord{
		RequestID:                requestID,
		Domain:                   domain,
		Status:                   status,
		Headers:                  observability.RedactHeaders(resp.Header),
		Body:                     logicalBody,
		Streaming:                true,
		InputTokens:              result.Response.Usage.InputTokens,
		OutputTokens:             result.Response.Usage.OutputTokens,
		CacheCreationInputTokens: result.Response.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     result.Response.Usage.CacheReadInputTokens,
		DurationMs:               s.now().Sub(start).Milliseconds(),
		TTFBMs:                   ttfb.Milliseconds(),
		ErrorType:                errType,
		Timestamp:                s.now().UTC(),
	})
	if s.tracker != nil {
		s.tracker.Record(context.WithoutCancel(ctx), accountID, result.Response.Usage)
	}

	if runErr != nil && !errors.Is(runErr, streaming.ErrClientGone) {
		observability.Logger(ctx).Warn().Err(runErr).Msg("stream ended with error")
	}
	return nil
}

// writeUpstreamError maps a classified upstream failure onto the HTTP
// response and persists the failed exchange.
func (s *Service) writeUpstreamError(c echo.Context, err error, requestID, domain string, start time.Time) error {
	logger := observability.Logger(c.Request().Context())
	var ue *upstream.Error
	if !errors.As(err, &ue) {
		logger.Error().Err(err).Msg("unclassified upstream failure")
		s.recordFailure(requestID, domain, http.StatusBadGateway, "network_error")
		return c.JSON(http.StatusBadGateway, envelope("network_error", err.Error(), requestID))
	}

	switch ue.Kind {
	case upstream.KindRateLimited:
		if ue.RetryAfter != "" {
			c.Response().Header().Set("Retry-After", ue.RetryAfter)
		}
		s.recordFailureBody(requestID, domain, ue.Status, "rate_limit_error", ue.Body)
		return c.Blob(ue.Status, echo.MIMEApplicationJSON, ue.Body)
	case upstream.KindTimeout:
		logger.Warn().Dur("elapsed", s.now().Sub(start)).Msg("upstream timeout")
		s.recordFailure(requestID, domain, http.StatusGatewayTimeout, "timeout_error")
		return c.JSON(http.StatusGatewayTimeout, envelope("timeout_error", "upstream request timed out", requestID))
	case upstream.KindNetwork:
		logger.Warn().Err(ue.Err).Msg("upstream network failure")
		s.recordFailure(requestID, domain, http.StatusBadGateway, "network_error")
		return c.JSON(http.StatusBadGateway, envelope("network_error", "upstream unreachable", requestID))
	case upstream.KindAuthExpired:
		s.recordFailure(requestID, domain, http.StatusUnauthorized, "authentication_error")
		return c.JSON(http.StatusUnauthorized, envelope("authentication_error", "upstream authentication failed", requestID))
	default:
		s.recordFailureBody(requestID, domain, ue.Status, "api_error", ue.Body)
		return c.Blob(ue.Status, echo.MIMEApplicationJSON, ue.Body)
	}
}

func (s *Service) recordFailure(requestID, domain string, status int, errType string) {
	s.recordFailureBody(requestID, domain, status, errType, nil)
}

// recordOrphanRequest persists a minimal request row for an exchange that
// failed before linking committed, so the matching failed response row has
// a parent and the conversation graph stays well-formed.
func (s *Service) recordOrphanRequest(requestID, domain, accountID string, view *messages.RequestView) {
	if accountID == "" {
		accountID = domain
	}
	rec := storage.RequestRecord{
		RequestID:      requestID,
		Domain:         domain,
		AccountID:      accountID,
		Timestamp:      s.now().UTC(),
		Body:           []byte("{}"),
		ConversationID: uuid.NewString(),
		BranchID:       "main",
	}
	if view != nil {
		rec.Body = view.Raw
		rec.MessageCount = len(view.Messages)
		if current, parent, system, err := hasher.Request(view); err == nil {
			rec.CurrentMessageHash = current
			rec.ParentMessageHash = parent
			rec.SystemHash = system
		}
	}
	s.writer.EnqueueRequest(rec)
}

func (s *Service) recordFailureBody(requestID, domain string, status int, errType string, body []byte) {
	s.writer.EnqueueResponse(storage.ResponseRecord{
		RequestID: requestID,
		Domain:    domain,
		Status:    status,
		Body:      body,
		ErrorType: errType,
		Timestamp: s.now().UTC(),
	})
}

// requestDomain derives the routing domain from the Host header.
func requestDomain(r *http.Request) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(auth, "Bearer ")
	return token
}
