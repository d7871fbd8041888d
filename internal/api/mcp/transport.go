// Transports for the tool-call server.
//
// StdioTransport speaks line-delimited JSON-RPC 2.0 over stdin/stdout.
// Protocol rules:
//   - Each request arrives as a single newline-terminated line on stdin.
//   - Each response is written as a single newline-terminated line to
//     stdout.
//   - ALL diagnostic output goes to stderr only. Stray bytes on stdout
//     corrupt the protocol framing.
//
// HTTPTransport exposes the same server over HTTP: a JSON-RPC endpoint
// plus direct per-tool endpoints whose status codes mirror the tool
// error classification (4xx caller mistakes, 5xx service faults).
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kokoroai/kokoro/internal/persona"
)

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from an
// io.Reader and writes responses to an io.Writer. Logging is directed
// exclusively to stderr so stdout stays clean for framing.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *log.Logger
}

// NewStdioTransport constructs a StdioTransport that reads from in and
// writes to out.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{
		server: srv,
		in:     in,
		out:    out,
		logger: log.New(os.Stderr, "kokoro-mcp: ", log.LstdFlags),
	}
}

// Serve processes requests until stdin closes or ctx is cancelled.
// Requests are handled synchronously in arrival order.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)

	// Large payloads (imports, long contexts) need more than the default
	// 64 KB token size.
	const maxBuf = 4 * 1024 * 1024
	buf := make([]byte, maxBuf)
	scanner.Buffer(buf, maxBuf)

	for {
		select {
		case <-ctx.Done():
			t.logger.Println("context cancelled, shutting down")
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.logger.Printf("stdin scanner error: %v", err)
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Println("stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.Printf("handler error: %v", err)
			resp = t.internalErrorResponse(line, err)
		}

		if err := t.writeResponse(resp); err != nil {
			t.logger.Printf("write error: %v", err)
			return fmt.Errorf("write response: %w", err)
		}
	}
}

func (t *StdioTransport) writeResponse(resp []byte) error {
	_, err := fmt.Fprintf(t.out, "%s\n", resp)
	return err
}

// internalErrorResponse builds a best-effort JSON-RPC error response
// when the server returns an unexpected error, recovering the request ID
// from the raw bytes so the caller can correlate the response.
func (t *StdioTransport) internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID any `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: handlerErr.Error(),
		},
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}

// HTTPTransport serves the tool-call protocol over HTTP. Two routes:
//
//	POST /rpc          full JSON-RPC 2.0 envelope
//	POST /tools/{name} tool arguments as the request body
//
// The persona comes from the X-Persona header, falling back to a Bearer
// token of the form "persona:<name>". Requests are rate-limited per
// persona.
type HTTPTransport struct {
	server *Server

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHTTPTransport wraps srv with per-persona rate limiting of rps
// requests per second (burst 2×rps, minimum 1).
func NewHTTPTransport(srv *Server, rps float64) *HTTPTransport {
	if rps <= 0 {
		rps = 10
	}
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &HTTPTransport{
		server:   srv,
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

func (t *HTTPTransport) limiter(p string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[p]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[p] = l
	}
	return l
}

// requestPersona extracts the persona binding from the request headers.
func requestPersona(r *http.Request) string {
	if p := r.Header.Get("X-Persona"); p != "" {
		return persona.Sanitize(p)
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		if p, ok := strings.CutPrefix(token, "persona:"); ok {
			return persona.Sanitize(p)
		}
	}
	return ""
}

// ServeHTTP implements http.Handler.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := requestPersona(r)
	if !t.limiter(persona.Resolve(p, t.server.bound)).Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4*1024*1024))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	ctx := WithPersona(r.Context(), p)

	switch {
	case r.URL.Path == "/rpc":
		resp, err := t.server.HandleRequest(ctx, body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)

	case strings.HasPrefix(r.URL.Path, "/tools/"):
		name := strings.TrimPrefix(r.URL.Path, "/tools/")
		t.serveToolCall(ctx, w, name, body)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// serveToolCall runs one direct tool call. Error results map onto their
// HTTP-equivalent status; success returns the text or JSON payload.
func (t *HTTPTransport) serveToolCall(ctx context.Context, w http.ResponseWriter, name string, args []byte) {
	if len(args) == 0 {
		args = []byte("{}")
	}
	result := t.server.CallTool(ctx, name, args)
	if result.Err != nil {
		http.Error(w, errorSigil+result.Err.Message, result.Err.Status)
		return
	}
	if result.JSON != nil {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result.JSON); err != nil {
			log.Printf("ERROR: failed to encode tool result: %v", err)
		}
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, result.Text)
}
