package broker

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portbroker/internal/observability"
	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
	"github.com/rs/zerolog/log"
)

var ErrSocketPathRequired = errors.New("broker: socket path required")

// readPollInterval bounds how long a connection reader can sit in poll
// before noticing shutdown.
const readPollInterval = 500 * time.Millisecond

// Config configures the request loop.
type Config struct {
	SocketPath      string
	MaxMessageBytes int
	QueueDepth      int
	PreProvision    []string
}

func DefaultConfig() Config {
	return Config{
		SocketPath:      "/tmp/portbroker.sock",
		MaxMessageBytes: bootmsg.DefaultLimits().MaxMessageBytes,
		QueueDepth:      64,
	}
}

// inbound is one unit handed from a connection reader to the loop.
// opened introduces a connection, eof retires it; FIFO ordering on the
// channel means every request from a connection precedes its eof, so
// the loop never replies on a connection it already closed.
type inbound struct {
	conn    *port.Port
	payload []byte
	rights  []int
	opened  bool
	eof     bool
}

// Server owns the registry and the single dispatch loop.
type Server struct {
	cfg       Config
	reg       *Registry
	requests  chan inbound
	snapshots chan chan []ServiceInfo
	ready     atomic.Bool
	wg        sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.SocketPath) == "" {
		return nil, ErrSocketPathRequired
	}
	def := DefaultConfig()
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	return &Server{
		cfg:       cfg,
		reg:       NewRegistry(),
		requests:  make(chan inbound, cfg.QueueDepth),
		snapshots: make(chan chan []ServiceInfo),
	}, nil
}

// Ready reports whether the loop is serving.
func (s *Server) Ready() bool { return s.ready.Load() }

// SocketPath reports the bound slot path.
func (s *Server) SocketPath() string { return s.cfg.SocketPath }

// Services returns a registry snapshot taken on the loop goroutine.
func (s *Server) Services(ctx context.Context) ([]ServiceInfo, error) {
	resp := make(chan []ServiceInfo, 1)
	select {
	case s.snapshots <- resp:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-resp:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run binds the slot, pre-provisions configured names, and serves until
// ctx ends. The socket is removed on the way out.
func (s *Server) Run(ctx context.Context) error {
	ln, err := port.Listen(s.cfg.SocketPath)
	if err != nil {
		return err
	}
	for _, name := range s.cfg.PreProvision {
		if err := s.reg.PreProvision(name); err != nil {
			ln.Close()
			s.reg.Close()
			return err
		}
		log.Info().Str("service", name).Msg("pre-provisioned")
	}
	observability.SetRegistrySize(s.reg.Len())
	log.Info().
		Str("socket", s.cfg.SocketPath).
		Int("pre_provisioned", len(s.cfg.PreProvision)).
		Msg("broker serving")

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.ready.Store(true)
	conns := s.loop(ctx)
	s.ready.Store(false)

	s.wg.Wait()
	s.drain(conns)
	s.reg.Close()
	observability.SetRegistrySize(0)
	os.Remove(s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln *port.Port) {
	defer s.wg.Done()
	defer ln.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		ready, err := port.PollIn(ln.FD(), readPollInterval)
		if err != nil {
			return
		}
		if !ready {
			continue
		}
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case s.requests <- inbound{conn: conn, opened: true}:
		case <-ctx.Done():
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.readConn(ctx, conn)
	}
}

// readConn feeds one connection into the request channel. It never
// closes the connection itself; the loop does that when eof arrives.
func (s *Server) readConn(ctx context.Context, conn *port.Port) {
	defer s.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		ready, err := port.PollIn(conn.FD(), readPollInterval)
		if err != nil {
			return
		}
		if !ready {
			continue
		}
		payload, rights, err := conn.Receive(s.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, port.ErrTruncated) {
				log.Warn().Msg("oversized datagram dropped")
				continue
			}
			if err != io.EOF {
				log.Debug().Err(err).Msg("connection reader stopped")
			}
			select {
			case s.requests <- inbound{conn: conn, eof: true}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case s.requests <- inbound{conn: conn, payload: payload, rights: rights}:
		case <-ctx.Done():
			port.CloseAll(rights)
			return
		}
	}
}

// loop is the single goroutine that touches the registry. It returns
// the connections still open at shutdown so Run can retire them after
// the readers are gone.
func (s *Server) loop(ctx context.Context) map[*port.Port]struct{} {
	conns := make(map[*port.Port]struct{})
	for {
		select {
		case <-ctx.Done():
			return conns
		case resp := <-s.snapshots:
			resp <- s.reg.Snapshot()
		case in := <-s.requests:
			switch {
			case in.opened:
				conns[in.conn] = struct{}{}
			case in.eof:
				in.conn.Close()
				delete(conns, in.conn)
			default:
				s.serve(in)
			}
		}
	}
}

func (s *Server) serve(in inbound) {
	start := time.Now()
	out := s.dispatch(in.payload, in.rights)
	if len(out.image) > 0 {
		if err := in.conn.Send(out.image, out.attach...); err != nil {
			log.Warn().Err(err).Str("op", out.op).Msg("reply not delivered")
		}
	}
	for _, p := range out.release {
		p.Close()
	}
	observability.RecordBrokerRequest(out.op, out.result, time.Since(start))
	observability.SetRegistrySize(s.reg.Len())
}

// drain retires whatever shutdown stranded: queued requests still
// carrying rights, never-introduced connections, and open ones.
func (s *Server) drain(conns map[*port.Port]struct{}) {
	for {
		select {
		case in := <-s.requests:
			port.CloseAll(in.rights)
			if in.opened {
				in.conn.Close()
			}
		default:
			for c := range conns {
				c.Close()
			}
			return
		}
	}
}
