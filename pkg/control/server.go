package control

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/rule"
)

// Handler carries out control requests for the running injector.
type Handler interface {
	Status() Status
	Update(f *rule.File) error
	Unmount() error
}

type Server struct {
	path     string
	listener net.Listener
	handler  Handler
	log      *logrus.Entry

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds a unix socket at path, replacing a stale one. The socket is
// only reachable by the owner.
func Listen(path string, h Handler, log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errx.Wrap(ErrListen, err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, errx.Wrap(ErrListen, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = l.Close()
		return nil, errx.Wrap(ErrListen, err)
	}
	return &Server{
		path:     path,
		listener: l,
		handler:  h,
		log:      log.WithField("socket", path),
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			return nil
		}
		go s.handle(conn)
	}
}

// track registers conn with Close. A connection accepted after Close has
// started is closed and false is returned.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.wg.Done()
	}()

	for {
		var req Request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.WithError(err).Warn("control connection dropped")
			}
			return
		}
		resp := s.dispatch(&req)
		if err := writeFrame(conn, resp); err != nil {
			s.log.WithError(err).Warn("write control response")
			return
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	log := s.log.WithField("op", req.Op)
	switch req.Op {
	case OpStatus:
		st := s.handler.Status()
		return &Response{Status: &st}
	case OpUpdate:
		if req.Rules == nil {
			return &Response{Err: "update without rules"}
		}
		if err := s.handler.Update(req.Rules); err != nil {
			log.WithError(err).Warn("rule update rejected")
			return &Response{Err: err.Error()}
		}
		st := s.handler.Status()
		return &Response{Status: &st}
	case OpUnmount:
		log.Info("unmount requested")
		if err := s.handler.Unmount(); err != nil {
			return &Response{Err: err.Error()}
		}
		return &Response{}
	}
	return &Response{Err: errx.With(ErrUnknownOp, ": %q", req.Op).Error()}
}

// Close stops accepting, drops open connections, waits for their handlers
// and removes the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
