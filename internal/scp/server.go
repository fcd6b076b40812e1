// Package scp implements the DICOM storage and verification service: a TCP
// server that runs one association state machine per connection and hands
// received objects to the ingestion pipeline.
package scp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicom-ingestor/internal/ingest"
	"github.com/otcheredev/dicom-ingestor/internal/models"
	"github.com/otcheredev/dicom-ingestor/pkg/logger"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("scp: server closed")

// Ingester receives every stored object.
type Ingester interface {
	Ingest(ctx context.Context, obj ingest.Object) models.IngestionResult
}

// Config holds the service settings.
type Config struct {
	AETitle string
	Addr    string
	// MaxPDULength is advertised to peers and bounds incoming PDUs.
	MaxPDULength uint32
	// MaxObjectSize refuses larger data sets with an out of resources
	// status. Zero means unlimited.
	MaxObjectSize int64
	// AssociationTimeout bounds the wait for A-ASSOCIATE-RQ after connect.
	AssociationTimeout time.Duration
	// IdleTimeout aborts associations that send nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// MaxAssociations rejects new associations beyond this many. Zero means
	// unlimited.
	MaxAssociations int
	WriteTimeout    time.Duration
}

func (c *Config) setDefaults() {
	if c.AETitle == "" {
		c.AETitle = "DICOM_INGESTOR"
	}
	if c.Addr == "" {
		c.Addr = ":11112"
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 65536
	}
	if c.AssociationTimeout == 0 {
		c.AssociationTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Server accepts associations. It is safe for concurrent use.
type Server struct {
	cfg      Config
	ingester Ingester
	log      zerolog.Logger

	// OnStateChange, when set before serving, is called on every state
	// transition from the session's goroutine.
	OnStateChange func(sessionID string, from, to State)

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	sessions     map[*session]struct{}
	established  int
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewServer creates a server that passes stored objects to ingester.
func NewServer(cfg Config, ingester Ingester) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:       cfg,
		ingester:  ingester,
		log:       logger.Component("scp"),
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*session]struct{}),
	}
}

// ListenAndServe listens on cfg.Addr and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts connections on l until Shutdown or a listener error. It
// always returns a non-nil error; ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
		l.Close()
	}()

	s.log.Info().
		Str("addr", l.Addr().String()).
		Str("ae_title", s.cfg.AETitle).
		Msg("DIMSE service listening")

	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.log.Warn().Err(err).Dur("retry_in", backoff).Msg("Accept failed")
				time.Sleep(backoff)
				continue
			}
			return err
		}
		backoff = 0

		if !s.start(conn) {
			conn.Close()
			return ErrServerClosed
		}
	}
}

// start registers and launches a session unless the server is shutting down.
func (s *Server) start(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shuttingDown {
		return false
	}

	sess := newSession(s, conn)
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.remove(sess)
		sess.run()
	}()
	return true
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// admit reserves an association slot.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.MaxAssociations > 0 && s.established >= s.cfg.MaxAssociations {
		return false
	}
	s.established++
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.established--
	s.mu.Unlock()
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// Shutdown stops accepting connections and aborts every open association,
// abandoning in-flight stores. It waits for sessions to finish or for ctx to
// expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	for l := range s.listeners {
		l.Close()
	}
	for sess := range s.sessions {
		sess.cancel(errServerShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("DIMSE service stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for sess := range s.sessions {
			sess.conn.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// ActiveSessions returns the number of connections being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
