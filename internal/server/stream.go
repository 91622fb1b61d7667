package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/skralg/heimdall/internal/sseutil"
)

// streamChunkSize is the read granularity of the upstream tee. Chunks are
// relayed as they arrive; this only bounds a single Read, not latency.
const streamChunkSize = 4096

// shadowChanSize bounds the tee-to-aggregator channel. The aggregator only
// appends to a buffer, so it keeps up with any realistic stream; the bound
// exists to cap memory if it ever does not.
const shadowChanSize = 64

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseCT           = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
)

// streamResponse relays the upstream SSE stream to the client while teeing a
// copy of every chunk into a channel drained by an aggregator goroutine. The
// client sees bytes in arrival order with no buffering of the whole stream;
// the aggregator runs exactly once, after the upstream stream terminates, and
// performs all accounting.
func (s *server) streamResponse(w http.ResponseWriter, r *http.Request, call *proxyCall, resp *http.Response, status int) {
	copyUpstreamHeaders(w, resp)
	h := w.Header()
	h["Content-Type"] = sseCT
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)

	shadow := make(chan []byte, shadowChanSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.aggregate(r, call, status, shadow)
	}()

	clientGone := false
	var readErr error
	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			shadow <- chunk
			if !clientGone {
				if _, werr := w.Write(chunk); werr != nil {
					// Client went away; keep draining upstream so the
					// aggregator still observes the full stream.
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}
	close(shadow)
	<-done

	if readErr != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "upstream stream truncated",
			slog.String("model", call.model),
			slog.String("error", readErr.Error()),
		)
		if !clientGone {
			// Headers are already out, so a status cannot signal the failure;
			// abort the connection so the client sees an error, not a clean end.
			panic(http.ErrAbortHandler)
		}
	}
}

// aggregate drains the shadow channel, then parses the reconstructed stream
// and records the request log. Invoked exactly once per streaming request.
func (s *server) aggregate(r *http.Request, call *proxyCall, status int, shadow <-chan []byte) {
	var buf bytes.Buffer
	for chunk := range shadow {
		buf.Write(chunk)
	}

	result := sseutil.ParseStream(buf.Bytes())

	log := s.newLog(call, status)
	log.PromptTokens = result.Usage.PromptTokens
	log.CompletionTokens = result.Usage.CompletionTokens
	log.TotalTokens = result.Usage.TotalTokens
	if s.deps.LogResponseBody && len(result.Events) > 0 {
		log.ResponseBody = eventsJSON(result.Events)
	}
	s.record(call, log)

	slog.LogAttrs(r.Context(), slog.LevelDebug, "stream aggregated",
		slog.String("model", call.model),
		slog.Int("bytes", buf.Len()),
		slog.Int("events", len(result.Events)),
	)
}

// eventsJSON assembles the ordered parsed frames into one JSON array.
func eventsJSON(events []string) json.RawMessage {
	var b bytes.Buffer
	b.WriteByte('[')
	for i, ev := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(ev)
	}
	b.WriteByte(']')
	return json.RawMessage(b.Bytes())
}
