// Package session implements the Client Session of spec.md §4.3/§4.4: one
// goroutine per TCP connection running the wire protocol state machine, a
// mutex-guarded single-writer send path usable from the fan-out path, and a
// mark-and-sweep registry Bridge Core consults after each fan-out pass.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	canframe "github.com/marmos91/canbridge/internal/frame"
	"github.com/marmos91/canbridge/internal/logger"
	"github.com/marmos91/canbridge/internal/wire"
	"github.com/marmos91/canbridge/pkg/bufpool"
)

// readDeadline bounds each socket read so the receive loop rechecks the
// shared termination flag cooperatively (spec.md §5).
const readDeadline = 100 * time.Millisecond

const readBufSize = 4096

// FrameInjector hands a decoded BUILD_FRAME request to Bridge Core for
// transmission on the addressed bus.
type FrameInjector interface {
	InjectFrame(bus int, f canframe.Frame)
}

// BusInfo answers the bus-introspection opcodes without the session package
// needing to know how buses are configured.
type BusInfo interface {
	BusParams() []wire.BusParams
	NumBuses() uint8
}

// Session is one client's protocol state machine, owned exclusively by
// Bridge Core but exposing a thread-safe Push for the fan-out path.
type Session struct {
	ID   uuid.UUID
	conn net.Conn

	decoder   *wire.Decoder
	injector  FrameInjector
	busInfo   BusInfo
	startTime time.Time

	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// New constructs a Session around an accepted connection.
func New(conn net.Conn, injector FrameInjector, busInfo BusInfo) *Session {
	return &Session{
		ID:        uuid.New(),
		conn:      conn,
		decoder:   wire.NewDecoder(),
		injector:  injector,
		busInfo:   busInfo,
		startTime: time.Now(),
	}
}

// RemoteAddr returns the underlying connection's remote address string.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Run drives the receive loop until ctx is cancelled, a read returns zero,
// or the connection otherwise fails. It never returns an error the caller
// must propagate: every failure here closes just this session.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	reader := bufio.NewReaderSize(s.conn, readBufSize)
	buf := bufpool.Get(readBufSize)
	defer bufpool.Put(buf)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tc, ok := s.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = tc.SetReadDeadline(time.Now().Add(readDeadline))
		}

		n, err := reader.Read(buf)
		if n > 0 {
			s.handle(s.decoder.Feed(buf[:n]))
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				logger.DebugCtx(ctx, "session read ended", logger.Err(err), logger.SessionID(s.ID.String()))
			}
			return
		}
		if n == 0 {
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handle dispatches every request parsed from one Feed call.
func (s *Session) handle(requests []wire.Request) {
	for _, req := range requests {
		switch req.Opcode {
		case wire.OpBuildFrame:
			if req.BuildFrame != nil {
				s.injector.InjectFrame(req.BuildFrame.Bus, req.BuildFrame.Frame)
			}
		case wire.OpTimebase:
			s.send(wire.EncodeTimebase(s.elapsedMicros()))
		case wire.OpGetBusParams:
			s.send(wire.EncodeBusParams(s.busInfo.BusParams()))
		case wire.OpGetDevInfo:
			s.send(wire.EncodeDevInfo())
		case wire.OpKeepalive:
			s.send(wire.EncodeKeepalive())
		case wire.OpGetNumBuses:
			s.send(wire.EncodeNumBuses(s.busInfo.NumBuses()))
		default:
			// Unknown opcode: ignored, no response, no state change.
		}
	}
}

func (s *Session) elapsedMicros() uint32 {
	return uint32(time.Since(s.startTime).Microseconds())
}

// Push emits the outbound frame-push message for f. It is a no-op until the
// session has entered the binary state, and is safe to call concurrently
// from the Bridge Core fan-out path.
func (s *Session) Push(f canframe.Frame) error {
	if s.decoder.State() != wire.StateBinary {
		return nil
	}
	return s.send(wire.EncodePush(f, s.elapsedMicros()))
}

// send serializes writes through a single mutex; any write error closes the
// session (spec.md §4.3).
func (s *Session) send(buf []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return net.ErrClosed
	}
	_, err := s.conn.Write(buf)
	if err != nil {
		s.Close()
		return fmt.Errorf("session: write: %w", err)
	}
	return nil
}

func (s *Session) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()
	return s.conn.Close()
}
