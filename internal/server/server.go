// Package server hosts the memcache protocol endpoints on top of the
// core runtime: listeners, per-connection task triples and the event
// queue binding the primary core to the poller backend.
package server

import (
	"fmt"
	"strconv"

	"github.com/respu/go-mainmemory/internal/event"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/logging"
	"github.com/respu/go-mainmemory/internal/mc"
	"github.com/respu/go-mainmemory/internal/proto"
	"github.com/respu/go-mainmemory/internal/sched"
)

// StatsProvider contributes extra STAT lines to the stats command.
type StatsProvider interface {
	StatLines() [][2]string
}

// Server owns the listening sockets and connection lifecycle.
type Server struct {
	rt      *sched.Runtime
	eng     *mc.Engine
	log     *logging.Logger
	obs     interfaces.Observer
	stats   StatsProvider
	ioq     *IOQueue
	version string

	listeners []*listener
}

type listener struct {
	fd   int
	path string // unix socket path to unlink on close, if any
}

// Config wires a server together.
type Config struct {
	Runtime *sched.Runtime
	Engine  *mc.Engine
	Logger  *logging.Logger
	Observer interfaces.Observer
	Stats   StatsProvider
	Version string
}

// New creates a server and installs the event backend as the primary
// core's idler. Must run before the runtime starts.
func New(config Config) (*Server, error) {
	s := &Server{
		rt:      config.Runtime,
		eng:     config.Engine,
		log:     config.Logger,
		obs:     config.Observer,
		stats:   config.Stats,
		version: config.Version,
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	if s.version == "" {
		s.version = "0.0.0"
	}
	primary := s.rt.Primary()
	ioq, err := NewIOQueue(primary, event.NewBackend())
	if err != nil {
		return nil, err
	}
	s.ioq = ioq
	primary.SetIdler(ioq)
	return s, nil
}

// IOQueue exposes the primary core's event queue.
func (s *Server) IOQueue() *IOQueue { return s.ioq }

// ListenTCP opens a nonblocking TCP listener. Must run before the
// runtime starts.
func (s *Server) ListenTCP(addr string) error {
	fd, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listeners = append(s.listeners, &listener{fd: fd})
	s.spawnListener(fd)
	s.log.Info("listening", "addr", addr)
	return nil
}

// ListenUnix opens the stub command channel on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	fd, err := listenUnix(path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	s.listeners = append(s.listeners, &listener{fd: fd, path: path})
	s.spawnListener(fd)
	s.log.Info("listening", "socket", path)
	return nil
}

func (s *Server) spawnListener(fd int) {
	s.rt.Primary().Spawn(sched.PriorityDefault, "listener", listenerMain, &listenerArgs{srv: s, fd: fd})
}

type listenerArgs struct {
	srv *Server
	fd  int
}

// listenerMain accepts connections and spawns their task triples.
func listenerMain(c *sched.Core, arg any) {
	a := arg.(*listenerArgs)
	s := a.srv
	for !c.Stopping() {
		nfd, err := acceptConn(a.fd)
		if err == interfaces.ErrAgain {
			if werr := s.ioq.WaitRead(a.fd, 0); werr != nil {
				return
			}
			continue
		}
		if err != nil {
			s.log.Warn("accept failed", "err", err)
			c.Yield()
			continue
		}
		conn := newConn(s, c, newFDSocket(nfd))
		conn.start()
	}
}

// ServeSocket runs a connection over an externally supplied socket.
// It must be called from a task on the primary core; tests drive the
// whole protocol through it.
func (s *Server) ServeSocket(c *sched.Core, sock interfaces.Socket) {
	conn := newConn(s, c, sock)
	conn.start()
}

// Close shuts the listening sockets.
func (s *Server) Close() {
	for _, l := range s.listeners {
		closeListener(l)
	}
	s.listeners = nil
}

// observe reports one finished command to the metrics observer.
func (s *Server) observe(c *sched.Core, cmd *proto.Command, startMicros int64, hit bool) {
	if s.obs == nil {
		return
	}
	lat := c.Now() - startMicros
	if lat < 0 {
		lat = 0
	}
	s.obs.ObserveCommand(cmd.Kind.Name(), uint64(lat)*1000, hit)
}

// observeStore additionally reports stored bytes.
func (s *Server) observeStore(c *sched.Core, cmd *proto.Command, startMicros int64, res mc.StoreResult) {
	if s.obs == nil {
		return
	}
	s.observe(c, cmd, startMicros, res == mc.Stored)
	s.obs.ObserveStore(uint64(cmd.Bytes), res == mc.Stored)
}

// statsText renders the stats command reply.
func (s *Server) statsText(c *sched.Core) string {
	snap := s.eng.Stats(c)
	out := ""
	out += statLine("version", s.version)
	out += statLine("time", strconv.FormatInt(c.NowReal()/1_000_000, 10))
	out += statLine("pointer_size", strconv.Itoa(strconv.IntSize))
	out += statLine("curr_items", strconv.FormatUint(snap.Entries, 10))
	out += statLine("bytes", strconv.FormatUint(snap.Volume, 10))
	out += statLine("hash_buckets", strconv.FormatUint(snap.Buckets, 10))
	out += statLine("partitions", strconv.Itoa(s.eng.NumPartitions()))
	out += statLine("threads", strconv.Itoa(s.rt.NumCores()))
	out += statLine("strategy", s.eng.Strategy().String())
	if s.stats != nil {
		for _, kv := range s.stats.StatLines() {
			out += statLine(kv[0], kv[1])
		}
	}
	return out + "END\r\n"
}

func statLine(name, value string) string {
	return "STAT " + name + " " + value + "\r\n"
}

// setVerbosity maps the protocol's verbosity level onto the logger.
func (s *Server) setVerbosity(level uint32) {
	switch {
	case level >= 2:
		s.log.SetLevel(logging.LevelDebug)
	case level == 1:
		s.log.SetLevel(logging.LevelInfo)
	default:
		s.log.SetLevel(logging.LevelWarn)
	}
}
