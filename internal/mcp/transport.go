package mcp

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/jsonx"
)

// RequestHandler processes one decoded request.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req Request) Response
}

// Transport carries requests to a handler until the context ends.
type Transport interface {
	Serve(ctx context.Context, handler RequestHandler) error
}

// maxFrameBytes caps one newline-delimited request line.
const maxFrameBytes = 4 << 20

// StdioTransport speaks newline-delimited JSON-RPC over stdin/stdout,
// the framing agent runtimes use for local MCP servers.
type StdioTransport struct {
	in     io.Reader
	out    io.Writer
	logger *zap.Logger
	mu     sync.Mutex
}

func NewStdioTransport(logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		in:     os.Stdin,
		out:    os.Stdout,
		logger: logger.Named("mcp-stdio"),
	}
}

// Serve reads requests until EOF or ctx cancellation. Malformed lines
// are skipped; the peer gets no parse-error reply because it has no id
// to correlate one with.
func (t *StdioTransport) Serve(ctx context.Context, handler RequestHandler) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	t.logger.Info("MCP stdio transport started")
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := jsonx.Unmarshal(line, &req); err != nil {
			t.logger.Debug("Skipping undecodable frame", zap.Error(err))
			continue
		}

		resp := handler.HandleRequest(ctx, req)
		if req.ID == nil && resp.Result == nil && resp.Error == nil {
			// Notification: nothing to send back.
			continue
		}
		if err := t.write(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	t.logger.Info("MCP stdio transport closed")
	return nil
}

func (t *StdioTransport) write(resp Response) error {
	body, err := jsonx.Marshal(resp)
	if err != nil {
		t.logger.Error("Failed to encode response", zap.Error(err))
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(body, '\n')); err != nil {
		return err
	}
	return nil
}

// HTTPTransport serves the same dispatch over a single POST endpoint,
// for clients that cannot spawn a subprocess.
type HTTPTransport struct {
	addr   string
	logger *zap.Logger
}

func NewHTTPTransport(addr string, logger *zap.Logger) *HTTPTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPTransport{addr: addr, logger: logger.Named("mcp-http")}
}

// Serve blocks until ctx is cancelled, then shuts the listener down.
func (t *HTTPTransport) Serve(ctx context.Context, handler RequestHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		var req Request
		if err := jsonx.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		resp := handler.HandleRequest(r.Context(), req)
		out, err := jsonx.Marshal(resp)
		if err != nil {
			http.Error(w, "encode failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})

	srv := &http.Server{Addr: t.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("MCP HTTP transport started", zap.String("addr", t.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
