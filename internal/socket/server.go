package socket

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Server accepts framed TCP connections for one listener role and
// hands each one to its dispatcher.
type Server struct {
	name    string
	addr    string
	tlsConf *tls.Config
	d       *Dispatcher
	log     *slog.Logger

	ln        net.Listener
	mu        sync.Mutex
	conns     map[uint64]*Conn
	closeOnce sync.Once
	done      chan struct{}
}

// NewServer configures a listener. tlsConf may be nil for plain TCP.
func NewServer(name, addr string, tlsConf *tls.Config, d *Dispatcher, log *slog.Logger) *Server {
	return &Server{
		name:    name,
		addr:    addr,
		tlsConf: tlsConf,
		d:       d,
		log:     log.With("listener", name),
		conns:   make(map[uint64]*Conn),
		done:    make(chan struct{}),
	}
}

// Start begins listening and accepting in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s (%s): %w", s.addr, s.name, err)
	}
	if s.tlsConf != nil {
		ln = tls.NewListener(ln, s.tlsConf)
	}
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String(), "tls", s.tlsConf != nil)
	go s.acceptLoop()
	return nil
}

// Addr reports the bound address, useful with ":0" listeners.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		c := s.d.ServeConn(nc)
		s.track(c)
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		c.Close()
		return
	default:
	}
	s.conns[c.ID] = c
	// Evicted lazily on close; the dispatcher owns the live map, this
	// one only exists so Close can tear everything down.
	go func() {
		<-c.closedCh
		s.mu.Lock()
		delete(s.conns, c.ID)
		s.mu.Unlock()
	}()
}

// Close stops accepting and closes every live connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
}

// LoadTLS builds a TLS config from certificate and key paths. Empty
// paths mean plain TCP.
func LoadTLS(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
