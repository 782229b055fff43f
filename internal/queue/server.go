package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"go.uber.org/zap"

	"github.com/chronograph-engine/internal/jsonx"
)

// ServerConfig parameterizes the queue server.
type ServerConfig struct {
	Listen    string
	Multicore bool
	// OpTimeout bounds one backend operation; gnet handlers carry no
	// caller context.
	OpTimeout time.Duration
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:    ":8093",
		Multicore: true,
		OpTimeout: 30 * time.Second,
	}
}

// Server is the event-driven TCP front of the queue. Frames are decoded
// straight off the connection buffer; partial frames stay buffered until
// the next traffic event.
type Server struct {
	gnet.BuiltinEventEngine

	cfg     ServerConfig
	backend *Backend
	logger  *zap.Logger

	eng         gnet.Engine
	booted      chan struct{}
	activeConns atomic.Int64
	totalOps    atomic.Int64
}

// NewServer wires the server to its storage backend.
func NewServer(cfg ServerConfig, backend *Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		logger:  logger.Named("queue-server"),
		booted:  make(chan struct{}),
	}
}

// OnBoot captures the engine handle for shutdown.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	close(s.booted)
	s.logger.Info("queue server listening", zap.String("addr", s.cfg.Listen))
	return gnet.None
}

// OnOpen handles connection open events.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	s.activeConns.Add(1)
	s.logger.Debug("connection opened",
		zap.String("remote", c.RemoteAddr().String()),
		zap.Int64("active", s.activeConns.Load()))
	return nil, gnet.None
}

// OnClose handles connection close events.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.activeConns.Add(-1)
	s.logger.Debug("connection closed",
		zap.String("remote", c.RemoteAddr().String()),
		zap.Int64("active", s.activeConns.Load()),
		zap.Error(err))
	return gnet.None
}

// OnTraffic drains every complete frame buffered on the connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	for {
		head, _ := c.Peek(-1)
		total, err := frameSize(head)
		if err != nil {
			s.logger.Warn("malformed frame, closing connection",
				zap.String("remote", c.RemoteAddr().String()),
				zap.Error(err))
			return gnet.Close
		}
		if total == 0 {
			return gnet.None
		}

		op, body, err := DecodeFrame(head[:total])
		if err != nil {
			return gnet.Close
		}
		resp := s.dispatch(op, body)
		c.Discard(total)

		if _, err := c.Write(resp); err != nil {
			s.logger.Error("failed to write response",
				zap.String("remote", c.RemoteAddr().String()),
				zap.Error(err))
			return gnet.Close
		}
	}
}

// dispatch runs one operation and encodes the response frame.
func (s *Server) dispatch(op byte, body []byte) []byte {
	s.totalOps.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()

	status, payload := s.handle(ctx, op, body)
	frame, err := EncodeFrame(status, payload)
	if err != nil {
		// Encoding an error body cannot itself fail; this covers the
		// oversized success payload case.
		frame, _ = EncodeFrame(StatusError, errorBody{Error: err.Error()})
	}
	return frame
}

func (s *Server) handle(ctx context.Context, op byte, body []byte) (byte, interface{}) {
	switch op {
	case OpCreate:
		var req CreateRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad create request: " + err.Error()}
		}
		if err := s.backend.Create(ctx, req.Queue); err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, nil

	case OpPush:
		var req PushRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad push request: " + err.Error()}
		}
		ids, err := s.backend.Push(ctx, req.Queue, req.Messages)
		if err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, PushResponse{IDs: ids}

	case OpPoll:
		var req PollRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad poll request: " + err.Error()}
		}
		msgs, err := s.backend.Poll(ctx, req.Queue, req.Count,
			time.Duration(req.VisibilityTimeout)*time.Second)
		if err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		if len(msgs) == 0 {
			return StatusEmpty, nil
		}
		return StatusOK, PollResponse{Messages: msgs}

	case OpDelete:
		var req DeleteRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad delete request: " + err.Error()}
		}
		if err := s.backend.Ack(ctx, req.Queue, req.ID, req.PollTag); err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, nil

	case OpUpdate:
		var req UpdateRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad update request: " + err.Error()}
		}
		tag, err := s.backend.Update(ctx, req.Queue, req.ID, req.PollTag,
			time.Duration(req.VisibilityTimeout)*time.Second)
		if err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, UpdateResponse{PollTag: tag}

	case OpList:
		queues, err := s.backend.List(ctx)
		if err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, ListResponse{Queues: queues}

	case OpStats:
		var req StatsRequest
		if err := jsonx.Unmarshal(body, &req); err != nil {
			return StatusError, errorBody{Error: "bad stats request: " + err.Error()}
		}
		stats, err := s.backend.Stats(ctx, req.Queue)
		if err != nil {
			return StatusError, errorBody{Error: err.Error()}
		}
		return StatusOK, stats

	default:
		return StatusError, errorBody{Error: fmt.Sprintf("unknown opcode 0x%02x", op)}
	}
}

// Run starts the event loop and blocks until shutdown.
func (s *Server) Run() error {
	opts := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithLogLevel(logging.ErrorLevel),
		gnet.WithLogger(newGnetLoggerAdapter(s.logger)),
	}
	if err := gnet.Run(s, "tcp://"+s.cfg.Listen, opts...); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}
	return nil
}

// Shutdown stops the event loop.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.booted:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.eng.Stop(ctx)
}

// Stats returns server-level counters.
func (s *Server) Stats() (activeConns, totalOps int64) {
	return s.activeConns.Load(), s.totalOps.Load()
}

// gnetLoggerAdapter adapts zap to gnet's logger interface.
type gnetLoggerAdapter struct {
	logger *zap.Logger
}

func newGnetLoggerAdapter(logger *zap.Logger) logging.Logger {
	return &gnetLoggerAdapter{logger: logger}
}

func (a *gnetLoggerAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a *gnetLoggerAdapter) Infof(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

func (a *gnetLoggerAdapter) Warnf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a *gnetLoggerAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a *gnetLoggerAdapter) Fatalf(format string, args ...interface{}) {
	a.logger.Fatal(fmt.Sprintf(format, args...))
}
