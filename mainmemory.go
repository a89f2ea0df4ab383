// Package mainmemory implements a memcache-compatible in-memory
// key/value server on top of a per-core cooperative task runtime.
//
// The runtime binds one worker thread per CPU core and multiplexes
// cooperative tasks on each; the sharded storage engine pins its
// partitions to cores and serializes access through a configurable
// strategy. CreateAndServe wires the whole stack together.
package mainmemory

import (
	"runtime"

	"github.com/respu/go-mainmemory/internal/constants"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/logging"
	"github.com/respu/go-mainmemory/internal/mc"
	"github.com/respu/go-mainmemory/internal/sched"
	"github.com/respu/go-mainmemory/internal/server"
)

// Version is reported by the memcache version command.
const Version = "0.9.0"

// Strategy selects the partition serialization mode.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyDelegate Strategy = "delegate"
	StrategyCombine  Strategy = "combine"
)

// Params are the configuration knobs recognized at init.
type Params struct {
	// Cores is the number of worker threads; 0 means the detected CPU
	// count with a fallback of 1.
	Cores int

	// MaxWorkers caps live worker tasks per core.
	MaxWorkers int

	// Partitions is the shard count; must be a power of two. 0 means
	// the rounded-up core count.
	Partitions int

	// VolumePerPartition is the byte budget governing eviction.
	VolumePerPartition uint64

	// Strategy picks direct, delegate or combine serialization.
	Strategy Strategy

	// ListenAddr is the memcache TCP endpoint.
	ListenAddr string

	// ControlSocket is the Unix path of the stub command channel;
	// empty disables it.
	ControlSocket string

	// PinCores sets CPU affinity on the core threads.
	PinCores bool
}

// Options carries optional collaborators.
type Options struct {
	Logger   *logging.Logger
	Observer interfaces.Observer
	Stats    server.StatsProvider
	Clock    interfaces.Clock
}

// DefaultParams returns the standard daemon configuration.
func DefaultParams() Params {
	return Params{
		MaxWorkers:         constants.DefaultMaxWorkers,
		VolumePerPartition: constants.DefaultVolumePerPartition,
		Strategy:           StrategyDirect,
		ListenAddr:         constants.DefaultListenAddr,
		ControlSocket:      constants.DefaultControlSocket,
	}
}

// roundPow2 rounds up to a power of two, minimum 1.
func roundPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (p *Params) normalize() error {
	if p.Cores <= 0 {
		p.Cores = runtime.NumCPU()
		if p.Cores <= 0 {
			p.Cores = 1
		}
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = constants.DefaultMaxWorkers
	}
	if p.Partitions == 0 {
		p.Partitions = roundPow2(p.Cores)
	}
	if p.Partitions < 0 || p.Partitions&(p.Partitions-1) != 0 {
		return NewError("INIT", ErrCodeConfig, "partition count must be a power of two")
	}
	if p.VolumePerPartition == 0 {
		p.VolumePerPartition = constants.DefaultVolumePerPartition
	}
	switch p.Strategy {
	case "", StrategyDirect:
		p.Strategy = StrategyDirect
	case StrategyDelegate, StrategyCombine:
	default:
		return NewError("INIT", ErrCodeConfig, "unknown strategy "+string(p.Strategy))
	}
	return nil
}

func (p Params) strategyKind() mc.StrategyKind {
	switch p.Strategy {
	case StrategyDelegate:
		return mc.StrategyDelegate
	case StrategyCombine:
		return mc.StrategyCombine
	default:
		return mc.StrategyDirect
	}
}

// Server is a running mainmemory instance.
type Server struct {
	params  Params
	rt      *sched.Runtime
	engine  *mc.Engine
	srv     *server.Server
	log     *logging.Logger
	metrics *Metrics
	stopped bool
}

// CreateAndServe builds the runtime, the engine and the protocol
// server, opens the configured listeners and starts the cores. It
// returns once the server is accepting connections.
func CreateAndServe(params Params, options *Options) (*Server, error) {
	if err := params.normalize(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}
	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	metrics := NewMetrics()
	obs := options.Observer
	if obs == nil {
		obs = metrics
	}
	stats := options.Stats
	if stats == nil {
		stats = metrics
	}

	rt, err := sched.NewRuntime(sched.Config{
		Cores:      params.Cores,
		MaxWorkers: params.MaxWorkers,
		PinCores:   params.PinCores,
		Clock:      options.Clock,
	})
	if err != nil {
		return nil, WrapError("INIT", err)
	}

	engine, err := mc.NewEngine(rt, params.Partitions, params.VolumePerPartition, params.strategyKind(), obs)
	if err != nil {
		return nil, WrapError("INIT", err)
	}

	srv, err := server.New(server.Config{
		Runtime:  rt,
		Engine:   engine,
		Logger:   log,
		Observer: obs,
		Stats:    stats,
		Version:  Version,
	})
	if err != nil {
		return nil, WrapError("INIT", err)
	}

	if params.ListenAddr != "" {
		if err := srv.ListenTCP(params.ListenAddr); err != nil {
			srv.Close()
			return nil, WrapError("LISTEN", err)
		}
	}
	if params.ControlSocket != "" {
		if err := srv.ListenUnix(params.ControlSocket); err != nil {
			srv.Close()
			return nil, WrapError("LISTEN", err)
		}
	}

	if err := rt.Start(); err != nil {
		srv.Close()
		return nil, WrapError("START", err)
	}

	log.Info("serving",
		"cores", params.Cores,
		"partitions", params.Partitions,
		"strategy", string(params.Strategy))

	return &Server{
		params:  params,
		rt:      rt,
		engine:  engine,
		srv:     srv,
		log:     log,
		metrics: metrics,
	}, nil
}

// Runtime exposes the core runtime.
func (s *Server) Runtime() *sched.Runtime { return s.rt }

// Engine exposes the storage engine.
func (s *Server) Engine() *mc.Engine { return s.engine }

// Proto exposes the protocol server, mainly for tests.
func (s *Server) Proto() *server.Server { return s.srv }

// Metrics exposes the built-in counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Stop closes the listeners and shuts the cores down. All cached data
// is lost; there is no persistent state.
func (s *Server) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	s.srv.Close()
	s.rt.Stop()
	s.metrics.Stop()
	s.log.Info("stopped")
}

// Compile-time interface checks
var _ interfaces.Observer = (*Metrics)(nil)
var _ server.StatsProvider = (*Metrics)(nil)
