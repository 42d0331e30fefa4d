// Package bridge implements the Bridge Core of spec.md §4.4: the top-level
// event loop that owns the listening socket and every Bus Socket, fans
// inbound frames out to Client Sessions and the Ingest Pipeline, and routes
// outbound frames from sessions back onto the correct bus. Shutdown
// sequencing is adapted from the teacher's SMBAdapter: a shared shutdown
// signal, interrupted blocking reads, a bounded graceful-drain wait, then
// forced closure of stragglers.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/canbridge/internal/cansocket"
	canframe "github.com/marmos91/canbridge/internal/frame"
	"github.com/marmos91/canbridge/internal/ingest"
	"github.com/marmos91/canbridge/internal/logger"
	"github.com/marmos91/canbridge/internal/session"
	"github.com/marmos91/canbridge/internal/telemetry"
	"github.com/marmos91/canbridge/internal/wire"
)

// pollTimeoutDefault is the readiness-poll granularity across Bus Sockets
// (spec.md §4.4: "a short poll timeout (≈ 20 ms)").
const pollTimeoutDefault = 20 * time.Millisecond

// shutdownTimeoutDefault bounds how long graceful shutdown waits for client
// sessions to drain before forcing them closed.
const shutdownTimeoutDefault = 5 * time.Second

// injectQueueDepth bounds the hand-off channel from Client Sessions'
// BUILD_FRAME decode to the Bridge Core's single transmitting goroutine.
// Sized generously since a backlog here only means a brief transmit delay,
// never data loss on the receive side.
const injectQueueDepth = 1024

// BusConfig describes one configured CAN interface.
type BusConfig struct {
	Name       string
	FDMode     bool
	ListenOnly bool
	BitRateBPS uint32
}

// Config gathers everything Bridge Core needs to run.
type Config struct {
	ListenAddr string
	BusOffset  int
	Buses      []BusConfig

	Registry *session.Registry
	Ingest   *ingest.Pipeline

	// IngestIncludeBuses restricts which bus numbers (already offset) are
	// durably logged; nil means every bus is logged (spec.md §C.5).
	IngestIncludeBuses map[int]bool

	PollTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type injectRequest struct {
	bus   int
	frame canframe.Frame
}

// busState tracks one open (or down) Bus Socket plus its error accounting.
type busState struct {
	cfg   BusConfig
	index int // position in the interface list, unaffected by bus_offset

	mu   sync.Mutex
	bus  *cansocket.Bus // nil when down
	down bool

	errorCount atomic.Int64
}

// Bridge is the top-level event loop owning the listening socket, every Bus
// Socket, and the Client Session registry.
type Bridge struct {
	cfg      Config
	listener net.Listener
	registry *session.Registry
	ingest   *ingest.Pipeline

	buses []*busState

	injectCh chan injectRequest

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	acceptWG sync.WaitGroup

	droppedInjects atomic.Int64
}

// New opens the listening socket and every configured Bus Socket, returning
// a Bridge ready for Run.
func New(cfg Config) (*Bridge, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = pollTimeoutDefault
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = shutdownTimeoutDefault
	}
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen %q: %w", cfg.ListenAddr, err)
	}

	b := &Bridge{
		cfg:        cfg,
		listener:   listener,
		registry:   cfg.Registry,
		ingest:     cfg.Ingest,
		injectCh:   make(chan injectRequest, injectQueueDepth),
		shutdownCh: make(chan struct{}),
	}

	for i, bc := range cfg.Buses {
		bus, openErr := cansocket.Open(bc.Name, i, bc.FDMode)
		if openErr != nil {
			_ = listener.Close()
			for _, s := range b.buses {
				s.closeLocked()
			}
			return nil, fmt.Errorf("bridge: open bus %q: %w", bc.Name, openErr)
		}
		b.buses = append(b.buses, &busState{cfg: bc, index: i, bus: bus})
	}

	logger.Info("bridge core initialized",
		logger.ClientAddr(cfg.ListenAddr))
	return b, nil
}

func (s *busState) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus != nil {
		_ = s.bus.Close()
		s.bus = nil
	}
}

// busNumber returns the wire-protocol bus number for this interface.
func (b *Bridge) busNumber(s *busState) int {
	return b.cfg.BusOffset + s.index
}

// Run drives the accept loop and the bus readiness poll loop until ctx is
// cancelled, then performs graceful shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	b.acceptWG.Add(1)
	go b.acceptLoop(ctx)

	go func() {
		<-ctx.Done()
		b.initiateShutdown()
	}()

	b.pollLoop(ctx)

	return b.gracefulShutdown()
}

// acceptLoop blocks on Accept, instantiating one Client Session per
// connection, grounded on the teacher's SMBAdapter.Serve accept loop.
func (b *Bridge) acceptLoop(ctx context.Context) {
	defer b.acceptWG.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.shutdownCh:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Warn("accept error", logger.Err(err))
				continue
			}
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		sess := session.New(conn, b, b)
		b.registry.Add(sess)
		logger.Info("client session accepted",
			logger.ClientAddr(sess.RemoteAddr()),
			logger.SessionID(sess.ID.String()))

		go func() {
			sess.Run(ctx)
			b.registry.Remove(sess)
			logger.Info("client session closed",
				logger.SessionID(sess.ID.String()),
				logger.ActiveSessions(b.registry.Count()))
		}()
	}
}

// pollLoop multiplexes readiness across every open Bus Socket with a short
// timeout, draining ready buses, fanning frames out, and servicing the
// transmit hand-off channel each iteration (spec.md §4.4 steps 2-4).
func (b *Bridge) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.pollOnce(ctx)
		b.drainInjects(ctx)
	}
}

// pollOnce runs one readiness pass: poll every currently-open bus fd, drain
// and fan out frames from whichever are ready, and attempt to reopen any bus
// currently marked down (spec.md §C.4: backoff-free re-open attempts).
func (b *Bridge) pollOnce(ctx context.Context) {
	var fds []unix.PollFd
	var states []*busState

	for _, s := range b.buses {
		s.mu.Lock()
		bus := s.bus
		s.mu.Unlock()
		if bus == nil {
			b.tryReopen(s)
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(bus.Fd()), Events: unix.POLLIN})
		states = append(states, s)
	}

	if len(fds) == 0 {
		time.Sleep(b.cfg.PollTimeout)
		return
	}

	n, err := unix.Poll(fds, int(b.cfg.PollTimeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return
		}
		logger.Warn("bus poll error", logger.Err(err))
		return
	}
	if n == 0 {
		return
	}

	for i, pfd := range fds {
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
			continue
		}
		b.drainBus(ctx, states[i])
	}
}

// tryReopen attempts to reopen a down bus. Cheap enough to retry every poll
// iteration with no backoff, per spec.md §C.4.
func (b *Bridge) tryReopen(s *busState) {
	bus, err := cansocket.Open(s.cfg.Name, s.index, s.cfg.FDMode)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.bus = bus
	s.down = false
	s.mu.Unlock()
	logger.Info("bus socket recovered", logger.BusName(s.cfg.Name), logger.Bus(b.busNumber(s)))
}

// drainBus reads every available frame from a ready bus, fanning each out to
// live sessions and enqueuing it to the Ingest Pipeline.
func (b *Bridge) drainBus(ctx context.Context, s *busState) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return
	}

	frames, err := bus.ReadAvailable()
	if err != nil {
		s.errorCount.Add(1)
		logger.Warn("bus read failed, marking down",
			logger.BusName(s.cfg.Name), logger.Bus(b.busNumber(s)), logger.Err(err))
		s.mu.Lock()
		if s.bus != nil {
			_ = s.bus.Close()
			s.bus = nil
		}
		s.down = true
		s.mu.Unlock()
		return
	}
	if len(frames) == 0 {
		return
	}

	busNum := b.busNumber(s)
	spanCtx, span := telemetry.StartFanoutSpan(ctx, busNum, len(frames))
	defer span.End()

	for _, ts := range frames {
		f := ts.Frame
		f.Bus = busNum
		if !ts.HasKernel {
			f.Timestamp = time.Now()
		}
		b.fanoutAndEnqueue(spanCtx, f)
	}
}

// fanoutAndEnqueue pushes f to every live Client Session, sweeping any whose
// push fails, then enqueues it to the Ingest Pipeline unless filtered out.
func (b *Bridge) fanoutAndEnqueue(ctx context.Context, f canframe.Frame) {
	b.registry.FanoutFrame(func(sess *session.Session) error {
		return sess.Push(f)
	})

	b.enqueueIngest(f)
}

func (b *Bridge) enqueueIngest(f canframe.Frame) {
	if b.ingest == nil {
		return
	}
	if b.cfg.IngestIncludeBuses != nil && !b.cfg.IngestIncludeBuses[f.Bus] {
		return
	}
	entry := ingest.Entry{
		Timestamp:     f.Timestamp,
		Extended:      f.Extended,
		FD:            f.FD,
		ArbitrationID: f.ID,
		DLC:           f.DLC(),
		Payload:       append([]byte(nil), f.Payload()...),
		Bus:           f.Bus,
		Direction:     f.Direction.String(),
	}
	b.ingest.Enqueue(entry)
}

// drainInjects services the BUILD_FRAME transmit hand-off channel,
// non-blockingly, so the poll loop never stalls waiting for a transmit.
func (b *Bridge) drainInjects(ctx context.Context) {
	for {
		select {
		case req := <-b.injectCh:
			b.transmit(ctx, req)
		default:
			return
		}
	}
}

// transmit writes f to the Bus Socket at index bus-bus_offset, per spec.md
// §4.4 step 4. Out-of-range targets are silently dropped.
func (b *Bridge) transmit(ctx context.Context, req injectRequest) {
	idx := req.bus - b.cfg.BusOffset
	if idx < 0 || idx >= len(b.buses) {
		return
	}
	s := b.buses[idx]

	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return
	}

	_, span := telemetry.StartSpan(ctx, telemetry.SpanBridgeTransmit,
		trace.WithAttributes(
			telemetry.Bus(req.bus),
			telemetry.ArbitrationID(req.frame.ID),
			telemetry.Extended(req.frame.Extended),
			telemetry.FD(req.frame.FD),
		))
	defer span.End()

	f := req.frame
	f.Direction = canframe.Transmitted
	f.Timestamp = time.Now()

	if err := bus.Write(f); err != nil {
		logger.Warn("bus write failed", logger.BusName(s.cfg.Name), logger.Bus(req.bus), logger.Err(err))
		return
	}
	b.enqueueIngest(f)
}

// InjectFrame implements session.FrameInjector: it is called from each
// Client Session's own receive goroutine, so the hand-off to this
// exclusively-Bridge-Core-owned transmit path must be non-blocking.
func (b *Bridge) InjectFrame(bus int, f canframe.Frame) {
	select {
	case b.injectCh <- injectRequest{bus: bus, frame: f}:
	default:
		b.droppedInjects.Add(1)
		logger.Warn("transmit hand-off queue full, frame dropped", logger.Bus(bus))
	}
}

// BusParams implements session.BusInfo for the GET_BUS_PARAMS opcode.
func (b *Bridge) BusParams() []wire.BusParams {
	params := make([]wire.BusParams, len(b.buses))
	for i, s := range b.buses {
		s.mu.Lock()
		enabled := s.bus != nil
		s.mu.Unlock()
		params[i] = wire.BusParams{
			Enabled:    enabled,
			ListenOnly: s.cfg.ListenOnly,
			BitRateBPS: s.cfg.BitRateBPS,
		}
	}
	return params
}

// NumBuses implements session.BusInfo for the GET_NUM_BUSES opcode.
func (b *Bridge) NumBuses() uint8 {
	return uint8(len(b.buses))
}

// initiateShutdown begins the graceful-shutdown sequence, adapted from the
// teacher's SMBAdapter.initiateShutdown: close the listener, interrupt
// blocked reads, then let gracefulShutdown wait on the drain.
func (b *Bridge) initiateShutdown() {
	b.shutdownOnce.Do(func() {
		logger.Info("bridge shutdown initiated")
		close(b.shutdownCh)
		_ = b.listener.Close()
		b.registry.InterruptReads(100 * time.Millisecond)
	})
}

// gracefulShutdown waits for the accept loop and all client sessions to
// drain, force-closing stragglers once the configured timeout elapses, and
// closes every Bus Socket.
func (b *Bridge) gracefulShutdown() error {
	b.acceptWG.Wait()

	var shutdownErr error
	if !b.registry.Wait(b.cfg.ShutdownTimeout) {
		remaining := b.registry.Count()
		logger.Warn("bridge shutdown timeout exceeded, forcing closure",
			logger.ActiveSessions(remaining))
		b.registry.CloseAll()
		shutdownErr = fmt.Errorf("bridge shutdown timeout: %d sessions force-closed", remaining)
	} else {
		logger.Info("bridge graceful shutdown complete: all sessions closed")
	}

	for _, s := range b.buses {
		s.closeLocked()
	}

	return shutdownErr
}

// Stats reports point-in-time bridge-level counters for the stats-log task
// and the debug HTTP surface.
type Stats struct {
	ActiveSessions int
	DroppedInjects int64
	BusDown        []bool
	BusErrorCounts []int64
}

// Stats snapshots the bridge's current operational counters.
func (b *Bridge) Stats() Stats {
	st := Stats{
		ActiveSessions: b.registry.Count(),
		DroppedInjects: b.droppedInjects.Load(),
		BusDown:        make([]bool, len(b.buses)),
		BusErrorCounts: make([]int64, len(b.buses)),
	}
	for i, s := range b.buses {
		s.mu.Lock()
		st.BusDown[i] = s.down
		s.mu.Unlock()
		st.BusErrorCounts[i] = s.errorCount.Load()
	}
	return st
}
