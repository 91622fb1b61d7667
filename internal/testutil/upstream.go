// Package testutil provides shared fakes for handler tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Upstream is a scripted OpenAI-compatible backend. Script either a buffered
// JSON response (SetJSON) or an SSE stream (SetChunks), then point the
// proxy's route base_url at URL(). All configuration goes through setters so
// tests stay race-clean against the server goroutines.
type Upstream struct {
	server *httptest.Server

	mu         sync.Mutex
	status     int
	body       []byte
	chunks     []string
	headers    map[string]string
	calls      int
	lastBody   []byte
	lastHeader http.Header
}

// NewUpstream starts the fake backend. Callers must Close it.
func NewUpstream() *Upstream {
	u := &Upstream{status: http.StatusOK}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

// URL returns the backend base URL, suitable as a provider base_url.
func (u *Upstream) URL() string { return u.server.URL }

// Close shuts the backend down. Safe to call more than once.
func (u *Upstream) Close() { u.server.Close() }

// SetJSON scripts a buffered JSON response.
func (u *Upstream) SetJSON(status int, body []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.body = body
	u.chunks = nil
}

// SetChunks scripts an SSE response served one flushed chunk at a time.
func (u *Upstream) SetChunks(status int, chunks []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.chunks = chunks
	u.body = nil
}

// SetHeader adds a response header to every subsequent response.
func (u *Upstream) SetHeader(key, value string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.headers == nil {
		u.headers = make(map[string]string)
	}
	u.headers[key] = value
}

// Calls returns how many requests the backend has served.
func (u *Upstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// LastBody returns the body of the most recent request.
func (u *Upstream) LastBody() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastBody
}

// LastHeader returns the headers of the most recent request.
func (u *Upstream) LastHeader() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastHeader
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.calls++
	u.lastBody = body
	u.lastHeader = r.Header.Clone()
	status := u.status
	respBody := u.body
	chunks := u.chunks
	headers := u.headers
	u.mu.Unlock()

	for k, v := range headers {
		w.Header().Set(k, v)
	}

	if len(chunks) > 0 {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		flusher, _ := w.(http.Flusher)
		for _, chunk := range chunks {
			io.WriteString(w, chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}
