package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Server accepts control connections and answers requests with a [Handler].
type Server struct {
	ln      net.Listener
	handler Handler

	// wg tracks connection goroutines so Close can wait for them. Add is
	// called under mu after checking done.
	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Listen binds the control endpoint at addr. On Unix a stale socket file
// left by a crashed daemon is removed; a live one yields [ErrAddrInUse].
func Listen(addr string, h Handler) (*Server, error) {
	ln, err := listen(addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		ln:      ln,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve accepts connections until ctx is done or Close is called. It
// returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections, and waits for their
// handlers to return. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()

		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

// serveConn answers requests on conn until the peer sends OpClose,
// disconnects, or goes quiet for idleConnTimeout.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleConnTimeout))
		op, payload, err := DecodeFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("control connection ended", "error", err)
			}
			return
		}

		var resp Response
		switch op {
		case OpClose:
			return
		case OpRequest:
			var req Request
			if err := json.Unmarshal(payload, &req); err != nil {
				resp = Response{Error: fmt.Sprintf("invalid request: %v", err)}
			} else {
				slog.Debug("control request", "cmd", req.Cmd)
				resp = s.handler(ctx, req)
			}
		default:
			resp = Response{Error: fmt.Sprintf("unexpected opcode %d", op)}
		}

		data, err := json.Marshal(resp)
		if err != nil {
			slog.Error("marshal control response", "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(requestTimeout))
		if err := writeFrame(conn, OpResponse, data); err != nil {
			slog.Debug("control write failed", "error", err)
			return
		}
	}
}
