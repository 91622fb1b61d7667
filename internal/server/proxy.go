package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/sseutil"
)

// maxRequestBody caps inbound bodies; chat requests are JSON and anything
// this large is abuse, not a prompt.
const maxRequestBody = 10 << 20

// Pre-allocated canonical header names copied from the upstream response to
// the client when present.
var passthroughHeaders = []string{
	"X-Ratelimit-Limit-Requests",
	"X-Ratelimit-Limit-Tokens",
	"X-Ratelimit-Remaining-Requests",
	"X-Ratelimit-Remaining-Tokens",
	"X-Ratelimit-Reset-Requests",
	"X-Ratelimit-Reset-Tokens",
	"X-Request-Id",
	"Openai-Processing-Ms",
	"Openai-Organization",
}

// proxyCall carries the per-request state shared by the non-streaming and
// streaming completion paths.
type proxyCall struct {
	start      time.Time
	identity   *gateway.KeyIdentity
	model      string // user-facing name
	route      *gateway.ModelRoute
	reqBody    []byte // rewritten body sent upstream
	saved      []byte // original body, kept only when request logging is on
	stream     bool
	upstreamID string // x-request-id reported by the provider, "" when absent
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}
	var probe any
	if err := json.Unmarshal(body, &probe); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("Invalid JSON: "+err.Error()))
		return
	}

	model := gjson.GetBytes(body, "model")
	if model.Type != gjson.String || model.Str == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse(`"model" field is required`))
		return
	}

	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse("Invalid API key"))
		return
	}

	// Advisory budget gate on the auth-time snapshot: concurrent requests may
	// each pass and all commit, overrunning by at most parallelism x cost.
	if identity.TokenBudget != nil && identity.TokensUsed >= *identity.TokenBudget {
		writeJSON(w, http.StatusTooManyRequests, errorResponse(fmt.Sprintf(
			"Token budget exhausted: %d/%d tokens used",
			identity.TokensUsed, *identity.TokenBudget)))
		return
	}

	route, err := s.deps.Router.Resolve(r.Context(), model.Str)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeJSON(w, http.StatusBadRequest, errorResponse(fmt.Sprintf(
				"Model %q is not configured in the gateway", model.Str)))
			return
		}
		s.writeError(r, w, err)
		return
	}

	call := &proxyCall{
		start:    start,
		identity: identity,
		model:    model.Str,
		route:    route,
		stream:   gjson.GetBytes(body, "stream").Bool(),
	}
	if s.deps.LogRequestBody {
		call.saved = body
	}

	call.reqBody = body
	if route.ProviderModelName != model.Str {
		call.reqBody, _ = sjson.SetBytes(call.reqBody, "model", route.ProviderModelName)
	}
	if call.stream && !gjson.GetBytes(call.reqBody, "stream_options").Exists() {
		// OpenAI-compatible backends only emit a usage frame on SSE when asked.
		call.reqBody, _ = sjson.SetRawBytes(call.reqBody, "stream_options",
			[]byte(`{"include_usage":true}`))
	}

	resp, err := s.sendUpstream(r, call)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream request failed",
			slog.String("model", call.model),
			slog.String("provider_id", route.ProviderID),
			slog.String("error", err.Error()),
		)
		if s.deps.Metrics != nil {
			s.deps.Metrics.UpstreamErrors.WithLabelValues(route.ProviderKind, "network").Inc()
		}
		s.recordFailure(call, "Upstream service error")
		writeJSON(w, http.StatusBadGateway, errorResponse("Upstream service error"))
		return
	}
	defer resp.Body.Close()

	if vals := resp.Header[requestIDHeader]; len(vals) > 0 {
		call.upstreamID = vals[0]
	}

	status := resp.StatusCode
	if status < 100 || status > 599 {
		status = http.StatusBadGateway
	}
	if status >= 400 && s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(route.ProviderKind, statusText[status]).Inc()
	}

	if call.stream {
		s.streamResponse(w, r, call, resp, status)
		return
	}
	s.bufferedResponse(w, r, call, resp, status)
}

// sendUpstream builds and executes the upstream request.
func (s *server) sendUpstream(r *http.Request, call *proxyCall) (*http.Response, error) {
	url := call.route.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url,
		bytes.NewReader(call.reqBody))
	if err != nil {
		return nil, err
	}
	req.Header["Content-Type"] = jsonCT
	req.Header.Set("Authorization", "Bearer "+call.route.APIKey)

	// Kind-specific passthrough of caller attribution headers.
	switch gateway.ProviderKind(call.route.ProviderKind) {
	case gateway.KindOpenRouter:
		if v := r.Header.Get("Http-Referer"); v != "" {
			req.Header.Set("HTTP-Referer", v)
		}
		if v := r.Header.Get("X-Title"); v != "" {
			req.Header.Set("X-Title", v)
		}
	default:
		if v := r.Header.Get("Openai-Organization"); v != "" {
			req.Header.Set("OpenAI-Organization", v)
		}
	}
	return s.deps.Upstream.Do(req)
}

// bufferedResponse handles the non-streaming path: relay the upstream bytes
// verbatim, then hand accounting to the recorder off the response path.
func (s *server) bufferedResponse(w http.ResponseWriter, r *http.Request, call *proxyCall, resp *http.Response, status int) {
	upstream, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "upstream body read failed",
			slog.String("model", call.model),
			slog.String("error", err.Error()),
		)
		s.recordFailure(call, "Upstream service error")
		writeJSON(w, http.StatusBadGateway, errorResponse("Upstream service error"))
		return
	}

	copyUpstreamHeaders(w, resp)
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(upstream)

	usage := sseutil.ParseBody(upstream)
	log := s.newLog(call, status)
	log.PromptTokens = usage.PromptTokens
	log.CompletionTokens = usage.CompletionTokens
	log.TotalTokens = usage.TotalTokens
	if log.IsError {
		if msg := gjson.GetBytes(upstream, "error.message"); msg.Type == gjson.String {
			m := msg.Str
			log.ErrorMessage = &m
		}
	}
	if s.deps.LogResponseBody && json.Valid(upstream) {
		log.ResponseBody = json.RawMessage(upstream)
	}
	s.record(call, log)
}

// recordFailure logs an upstream failure row; the client already got its 502.
func (s *server) recordFailure(call *proxyCall, msg string) {
	log := s.newLog(call, http.StatusBadGateway)
	log.IsError = true
	log.ErrorMessage = &msg
	s.record(call, log)
}

// newLog builds the common RequestLog skeleton for this call.
func (s *server) newLog(call *proxyCall, status int) *gateway.RequestLog {
	now := time.Now().UTC()
	log := &gateway.RequestLog{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserKeyHash:    call.identity.KeyHash,
		ModelRequested: call.model,
		ModelSent:      call.route.ProviderModelName,
		StatusCode:     int16(status),
		IsError:        status >= 400,
		LatencyMs:      time.Since(call.start).Milliseconds(),
		IsStream:       call.stream,
		CreatedAt:      now,
	}
	// request_id is provider-assigned correlation, not the gateway's own
	// middleware id; it stays null when the upstream reports none.
	if call.upstreamID != "" {
		log.RequestID = &call.upstreamID
	}
	keyID := call.identity.KeyID
	log.UserKeyID = &keyID
	providerID := call.route.ProviderID
	log.ProviderID = &providerID
	kind := call.route.ProviderKind
	log.ProviderKind = &kind
	if call.saved != nil && json.Valid(call.saved) {
		log.RequestBody = json.RawMessage(call.saved)
	}
	return log
}

// record hands the finished log to the async recorder and bumps token metrics.
func (s *server) record(call *proxyCall, log *gateway.RequestLog) {
	if s.deps.Metrics != nil {
		if log.PromptTokens != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(call.model, "prompt").
				Add(float64(*log.PromptTokens))
		}
		if log.CompletionTokens != nil {
			s.deps.Metrics.TokensProcessed.WithLabelValues(call.model, "completion").
				Add(float64(*log.CompletionTokens))
		}
	}
	if s.deps.Usage != nil {
		s.deps.Usage.Record(log)
	}
}

// copyUpstreamHeaders forwards the allow-listed upstream headers to the client.
func copyUpstreamHeaders(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()
	for _, name := range passthroughHeaders {
		if vals := resp.Header[name]; len(vals) > 0 {
			h[name] = vals
		}
	}
}
