// Package cansocket presents one SocketCAN raw socket as a source of
// timestamped inbound frames and a sink for outbound frames.
package cansocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/marmos91/canbridge/internal/frame"
)

// ErrPermissionDenied is returned by Open when the process lacks the
// capability to open a raw CAN socket.
var ErrPermissionDenied = errors.New("cansocket: permission denied")

// ErrNotFound is returned by Open when the named interface does not exist.
var ErrNotFound = errors.New("cansocket: interface not found")

// maxRecvBatch bounds how many frames a single ReadAvailable call drains
// before returning, so one very busy bus cannot starve the Bridge Core's
// poll loop indefinitely.
const maxRecvBatch = 256

// Timestamped pairs a decoded Frame with the kernel receive instant, if the
// kernel supplied one.
type Timestamped struct {
	Frame     frame.Frame
	HasKernel bool
}

// Bus owns one raw CAN endpoint bound to a single named interface.
type Bus struct {
	fd     int
	name   string
	index  int
	fdMode bool
}

// Open binds a new raw CAN socket to interface name. index is the bus's
// position in the configured interface list, stamped onto every Frame this
// Bus decodes. When fdMode is true, the socket additionally accepts FD
// frames.
func Open(name string, index int, fdMode bool) (*Bus, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("cansocket: socket: %w", err)
	}

	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: ifreq %q: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.ENODEV) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %q", ErrPermissionDenied, name)
		}
		return nil, fmt.Errorf("cansocket: SIOCGIFINDEX %q: %w", name, err)
	}
	ifindex := int(ifreq.Uint32())

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: SO_TIMESTAMP: %w", err)
	}

	if fdMode {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("cansocket: CAN_RAW_FD_FRAMES: %w", err)
		}
	}

	addr := &unix.SockaddrCAN{Ifindex: ifindex}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %q", ErrPermissionDenied, name)
		}
		return nil, fmt.Errorf("cansocket: bind %q: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cansocket: set nonblocking: %w", err)
	}

	return &Bus{fd: fd, name: name, index: index, fdMode: fdMode}, nil
}

// Name returns the underlying interface name.
func (b *Bus) Name() string { return b.name }

// Index returns the bus's position in the interface list (not yet offset by
// bus_offset; Bridge Core adds that).
func (b *Bus) Index() int { return b.index }

// Fd exposes the raw file descriptor for readiness polling.
func (b *Bus) Fd() int { return b.fd }

// ReadAvailable drains frames currently queued on the socket without
// blocking, up to maxRecvBatch frames per call, stopping early once the
// kernel would block (an empty slice when nothing is queued). Frames of
// a size other than 16 or 72 bytes are silently discarded per spec.md §4.1.
func (b *Bus) ReadAvailable() ([]Timestamped, error) {
	out := make([]Timestamped, 0, 8)
	bufSize := frame.FDSize
	if !b.fdMode {
		bufSize = frame.ClassicSize
	}

	for i := 0; i < maxRecvBatch; i++ {
		p := make([]byte, bufSize)
		oob := make([]byte, unix.CmsgSpace(16))

		n, oobn, _, _, err := unix.Recvmsg(b.fd, p, oob, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return out, nil
			}
			return out, fmt.Errorf("cansocket: recvmsg %q: %w", b.name, err)
		}

		ts, hasTS := parseTimestamp(oob[:oobn])
		f, ok := frame.Decode(p[:n], b.index, ts)
		if !ok {
			continue
		}
		out = append(out, Timestamped{Frame: f, HasKernel: hasTS})
	}
	return out, nil
}

// parseTimestamp extracts a SO_TIMESTAMP control message carrying a
// (seconds, microseconds) kernel receive timestamp.
func parseTimestamp(oob []byte) (time.Time, bool) {
	if len(oob) == 0 {
		return time.Time{}, false
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, false
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SO_TIMESTAMP {
			continue
		}
		// struct timeval: two native-endian longs (tv_sec, tv_usec), 16
		// bytes on a 64-bit kernel.
		if len(cmsg.Data) < 16 {
			continue
		}
		sec := int64(binary.LittleEndian.Uint64(cmsg.Data[0:8]))
		usec := int64(binary.LittleEndian.Uint64(cmsg.Data[8:16]))
		return time.Unix(sec, usec*int64(time.Microsecond)), true
	}
	return time.Time{}, false
}

// Write serializes f in the kernel layout matching its FD flag and writes a
// single frame. A partial write is treated as a write failure for that
// frame; the frame is not retried (spec.md §4.1).
func (b *Bus) Write(f frame.Frame) error {
	buf := frame.Encode(f)
	n, err := unix.Write(b.fd, buf)
	if err != nil {
		return fmt.Errorf("cansocket: write %q: %w", b.name, err)
	}
	if n != len(buf) {
		return fmt.Errorf("cansocket: partial write on %q: wrote %d of %d bytes", b.name, n, len(buf))
	}
	return nil
}

// Close releases the underlying socket.
func (b *Bus) Close() error {
	return unix.Close(b.fd)
}
