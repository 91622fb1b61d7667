// Package sseutil parses server-sent event streams in the OpenAI
// chat-completions format.
package sseutil

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const maxLineSize = 256 * 1024 // generous; a single delta line can carry large tool args

// Usage is the token accounting extracted from a stream or response body.
// Nil fields were absent from every frame.
type Usage struct {
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
}

// StreamResult is the outcome of scanning a complete SSE buffer.
type StreamResult struct {
	Usage Usage
	// Events holds every successfully parsed data frame, in arrival order,
	// as raw JSON. Logged as the response body when body capture is on.
	Events []string
}

// NewScanner returns a bufio.Scanner configured for SSE lines.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseStream scans a buffered SSE payload. Lines that do not start with
// "data:" are ignored, as are "[DONE]" sentinels and frames that fail to
// parse as JSON. When multiple frames carry a usage object the last one
// wins; that is where OpenAI-compatible backends put the canonical totals.
func ParseStream(buf []byte) StreamResult {
	var res StreamResult
	sc := NewScanner(strings.NewReader(toValidUTF8(buf)))
	for sc.Scan() {
		data, ok := DataLine(sc.Text())
		if !ok {
			continue
		}
		// gjson tolerates malformed input, so validate before parsing: only
		// complete JSON objects count as events.
		if !json.Valid([]byte(data)) {
			continue
		}
		parsed := gjson.Parse(data)
		if !parsed.IsObject() {
			continue
		}
		res.Events = append(res.Events, parsed.Raw)
		if usage := parsed.Get("usage"); usage.IsObject() {
			mergeUsage(&res.Usage, usage)
		}
	}
	return res
}

// DataLine extracts the payload of a "data:" SSE line. It returns ok=false
// for comments, event/id/retry fields, blank lines, and the [DONE] sentinel.
func DataLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimSpace(line[len("data:"):])
	if data == "" || data == "[DONE]" {
		return "", false
	}
	return data, true
}

// ParseBody extracts usage from a non-streaming JSON response body.
func ParseBody(body []byte) Usage {
	var u Usage
	if usage := gjson.GetBytes(body, "usage"); usage.IsObject() {
		mergeUsage(&u, usage)
	}
	return u
}

func mergeUsage(u *Usage, usage gjson.Result) {
	if v := usage.Get("prompt_tokens"); v.Type == gjson.Number {
		n := v.Int()
		u.PromptTokens = &n
	}
	if v := usage.Get("completion_tokens"); v.Type == gjson.Number {
		n := v.Int()
		u.CompletionTokens = &n
	}
	if v := usage.Get("total_tokens"); v.Type == gjson.Number {
		n := v.Int()
		u.TotalTokens = &n
	}
}

// toValidUTF8 applies lossy replacement so a scanner never chokes on a
// truncated multibyte sequence at a chunk boundary.
func toValidUTF8(buf []byte) string {
	if utf8.Valid(buf) {
		return string(buf)
	}
	return strings.ToValidUTF8(string(buf), string(utf8.RuneError))
}
