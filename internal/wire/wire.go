// Package wire implements the binary serial protocol framing described in
// spec.md §4.3: the ASCII-to-binary handshake, request parsing with
// resynchronization on bad bytes, and response/push encoding. It holds no
// socket state; internal/session drives a Decoder against bytes read from a
// TCP connection.
package wire

import (
	"bytes"
	"encoding/binary"

	canframe "github.com/marmos91/canbridge/internal/frame"
)

// Sentinel begins every binary-state request and push message.
const Sentinel byte = 0xF1

// handshake is the ASCII byte sequence that triggers the ascii→binary
// transition.
var handshake = []byte{0xE7, 0xE7}

// Opcode identifies a binary-state request or response.
type Opcode byte

const (
	OpBuildFrame   Opcode = 0x00
	OpTimebase     Opcode = 0x01
	OpGetBusParams Opcode = 0x06
	OpGetDevInfo   Opcode = 0x07
	OpKeepalive    Opcode = 0x09
	OpGetNumBuses  Opcode = 0x0C
)

// buildFrameHeaderLen is the fixed portion of a BUILD_FRAME request:
// sentinel, opcode, u32 id, u8 bus, u8 dlc.
const buildFrameHeaderLen = 8

// State is the Client Session protocol state.
type State int

const (
	StateASCII State = iota
	StateBinary
)

// BuildFrameRequest is the decoded payload of a BUILD_FRAME request,
// carrying the Frame to inject plus the bus it targets.
type BuildFrameRequest struct {
	Frame canframe.Frame
	Bus   int
}

// Request is one parsed binary-state protocol unit.
type Request struct {
	Opcode     Opcode
	BuildFrame *BuildFrameRequest // set only when Opcode == OpBuildFrame
}

// Decoder holds the per-connection parsing state described in spec.md §4.3.
// It is not safe for concurrent use; a Client Session owns exactly one
// Decoder on its single receive task.
type Decoder struct {
	state State
	buf   []byte
}

// NewDecoder returns a Decoder starting in the ascii state.
func NewDecoder() *Decoder {
	return &Decoder{state: StateASCII}
}

// State reports the decoder's current protocol state.
func (d *Decoder) State() State { return d.state }

// Feed appends newly read bytes and returns every request that can be fully
// parsed from the accumulated buffer. Incomplete requests remain buffered
// until more bytes arrive; framing errors in binary state are silently
// resynchronized to the next Sentinel byte, never causing an infinite loop.
func (d *Decoder) Feed(data []byte) []Request {
	d.buf = append(d.buf, data...)

	var requests []Request
	for {
		if d.state == StateASCII {
			idx := bytes.Index(d.buf, handshake)
			if idx == -1 {
				// Keep a trailing partial match (a lone 0xE7) so a
				// handshake split across two reads is still detected.
				if len(d.buf) > 0 && d.buf[len(d.buf)-1] == handshake[0] {
					d.buf = d.buf[len(d.buf)-1:]
				} else {
					d.buf = d.buf[:0]
				}
				return requests
			}
			d.buf = d.buf[idx+len(handshake):]
			d.state = StateBinary
			continue
		}

		// Binary state.
		if len(d.buf) == 0 {
			return requests
		}
		if d.buf[0] != Sentinel {
			next := bytes.IndexByte(d.buf[1:], Sentinel)
			if next == -1 {
				d.buf = d.buf[:0]
				return requests
			}
			d.buf = d.buf[1+next:]
			continue
		}
		if len(d.buf) < 2 {
			return requests // opcode byte not yet available
		}

		op := Opcode(d.buf[1])
		if op == OpBuildFrame {
			req, n, complete := decodeBuildFrame(d.buf)
			if !complete {
				return requests // wait for the rest of the request
			}
			d.buf = d.buf[n:]
			requests = append(requests, Request{Opcode: op, BuildFrame: &req})
			continue
		}

		// Every other defined opcode carries no payload. An unknown opcode
		// is consumed and ignored.
		d.buf = d.buf[2:]
		switch op {
		case OpTimebase, OpGetBusParams, OpGetDevInfo, OpKeepalive, OpGetNumBuses:
			requests = append(requests, Request{Opcode: op})
		}
	}
}

// decodeBuildFrame parses a BUILD_FRAME request at the head of buf. complete
// is false when buf does not yet hold the full 8+dlc bytes.
func decodeBuildFrame(buf []byte) (req BuildFrameRequest, consumed int, complete bool) {
	if len(buf) < buildFrameHeaderLen {
		return BuildFrameRequest{}, 0, false
	}
	rawID := binary.LittleEndian.Uint32(buf[2:6])
	bus := buf[6]
	dlc := buf[7]
	total := buildFrameHeaderLen + int(dlc)
	if len(buf) < total {
		return BuildFrameRequest{}, 0, false
	}

	extended := rawID&0x80000000 != 0
	id := rawID
	if extended {
		id &= 0x1FFFFFFF
	} else {
		id &= 0x7FF
	}

	length := dlc
	if length > canframe.MaxClassicLen {
		length = canframe.MaxClassicLen
	}

	f := canframe.Frame{
		ID:        id,
		Extended:  extended,
		Length:    length,
		Bus:       int(bus),
		Direction: canframe.Transmitted,
	}
	copy(f.Data[:length], buf[buildFrameHeaderLen:buildFrameHeaderLen+int(length)])

	return BuildFrameRequest{Frame: f, Bus: int(bus)}, total, true
}

// BusParams is one bus's entry in a GET_BUS_PARAMS response.
type BusParams struct {
	Enabled    bool
	ListenOnly bool
	BitRateBPS uint32
}

const advertisedBusParams = 2

// EncodeBusParams renders the GET_BUS_PARAMS response covering the first two
// advertised buses; a bus beyond the advertised count contributes zeros.
func EncodeBusParams(buses []BusParams) []byte {
	out := make([]byte, 2, 2+advertisedBusParams*5)
	out[0], out[1] = Sentinel, byte(OpGetBusParams)
	for i := 0; i < advertisedBusParams; i++ {
		var flags byte
		var rate uint32
		if i < len(buses) {
			if buses[i].Enabled {
				flags |= 0x01
			}
			if buses[i].ListenOnly {
				flags |= 0x10
			}
			rate = buses[i].BitRateBPS
		}
		out = append(out, flags)
		rateBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(rateBuf, rate)
		out = append(out, rateBuf...)
	}
	return out
}

// devInfoBuild and devInfoEEPROM are fixed constants this dialect reports.
const (
	devInfoBuild  uint16 = 400
	devInfoEEPROM byte   = 1
)

// EncodeDevInfo renders the GET_DEV_INFO response.
func EncodeDevInfo() []byte {
	out := make([]byte, 2, 8)
	out[0], out[1] = Sentinel, byte(OpGetDevInfo)
	buildBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buildBuf, devInfoBuild)
	out = append(out, buildBuf...)
	out = append(out, devInfoEEPROM, 0, 0, 0)
	return out
}

// EncodeTimebase renders the TIMEBASE response for a session's elapsed
// microsecond count, which wraps at 2^32 by construction of the uint32.
func EncodeTimebase(usSinceStart uint32) []byte {
	out := make([]byte, 2, 6)
	out[0], out[1] = Sentinel, byte(OpTimebase)
	usBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(usBuf, usSinceStart)
	return append(out, usBuf...)
}

// EncodeKeepalive renders the fixed KEEPALIVE response.
func EncodeKeepalive() []byte {
	return []byte{Sentinel, byte(OpKeepalive), 0xDE, 0xAD}
}

// EncodeNumBuses renders the GET_NUM_BUSES response.
func EncodeNumBuses(count uint8) []byte {
	return []byte{Sentinel, byte(OpGetNumBuses), count}
}

// EncodePush renders the outbound frame-push message for f, triggered by
// Bridge Core for every frame the client should observe. usSinceStart is
// microseconds since the session began, truncated to 32 bits.
func EncodePush(f canframe.Frame, usSinceStart uint32) []byte {
	out := make([]byte, 2, 11+canframe.MaxFDLen)
	out[0], out[1] = Sentinel, byte(OpBuildFrame)

	tsBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tsBuf, usSinceStart)
	out = append(out, tsBuf...)

	idWithEFF := f.ID
	if f.Extended {
		idWithEFF |= 0x80000000
	}
	idBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(idBuf, idWithEFF)
	out = append(out, idBuf...)

	busAndDLC := (byte(f.Bus&0x0F) << 4) | (f.DLC() & 0x0F)
	out = append(out, busAndDLC)
	out = append(out, f.Payload()...)
	out = append(out, 0x00)
	return out
}
