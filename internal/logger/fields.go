package logger

import "log/slog"

// Structured log field keys for the CAN bridge domain. Each key has a typed
// constructor below so call sites never hand-build slog.Attr for these
// concerns.
const (
	KeyTraceID      = "trace_id"
	KeySpanID       = "span_id"
	KeySessionID    = "session_id"
	KeyConnectionID = "connection_id"
	KeyClientAddr   = "client_addr"

	KeyBus           = "bus"
	KeyBusName       = "bus_name"
	KeyArbitrationID = "arbitration_id"
	KeyDLC           = "dlc"
	KeyDirection     = "direction"
	KeyExtended      = "extended"
	KeyFD            = "fd"
	KeyOpcode        = "opcode"

	KeyQueueDepth        = "queue_depth"
	KeyQueueCapacity     = "queue_capacity"
	KeyOccupancyPercent  = "occupancy_percent"
	KeyBatchSize         = "batch_size"
	KeyEnqueued          = "enqueued"
	KeyWritten           = "written"
	KeyDropped           = "dropped"
	KeySpilled           = "spilled"
	KeyRecovered         = "recovered"
	KeySpillEntries      = "spill_entries"
	KeySpillBytes        = "spill_bytes"
	KeySpillMaxBytes     = "spill_max_bytes"
	KeyAttempt           = "attempt"
	KeyBackoff           = "backoff"
	KeyActiveSessions    = "active_sessions"
	KeyFramingResyncSkip = "framing_resync_skipped_bytes"

	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyErrorCode  = "error_code"
)

func TraceID(v string) slog.Attr      { return slog.String(KeyTraceID, v) }
func SpanID(v string) slog.Attr       { return slog.String(KeySpanID, v) }
func SessionID(v string) slog.Attr    { return slog.String(KeySessionID, v) }
func ConnectionID(v string) slog.Attr { return slog.String(KeyConnectionID, v) }
func ClientAddr(v string) slog.Attr   { return slog.String(KeyClientAddr, v) }

func Bus(v int) slog.Attr              { return slog.Int(KeyBus, v) }
func BusName(v string) slog.Attr       { return slog.String(KeyBusName, v) }
func ArbitrationID(v uint32) slog.Attr { return slog.Uint64(KeyArbitrationID, uint64(v)) }
func DLC(v uint8) slog.Attr            { return slog.Int(KeyDLC, int(v)) }
func Direction(v string) slog.Attr     { return slog.String(KeyDirection, v) }
func Extended(v bool) slog.Attr        { return slog.Bool(KeyExtended, v) }
func FD(v bool) slog.Attr              { return slog.Bool(KeyFD, v) }
func Opcode(v byte) slog.Attr          { return slog.Int(KeyOpcode, int(v)) }

func QueueDepth(v int) slog.Attr       { return slog.Int(KeyQueueDepth, v) }
func QueueCapacity(v int) slog.Attr    { return slog.Int(KeyQueueCapacity, v) }
func OccupancyPercent(v int) slog.Attr { return slog.Int(KeyOccupancyPercent, v) }
func BatchSize(v int) slog.Attr        { return slog.Int(KeyBatchSize, v) }
func Enqueued(v uint64) slog.Attr      { return slog.Uint64(KeyEnqueued, v) }
func Written(v uint64) slog.Attr       { return slog.Uint64(KeyWritten, v) }
func Dropped(v uint64) slog.Attr       { return slog.Uint64(KeyDropped, v) }
func Spilled(v uint64) slog.Attr       { return slog.Uint64(KeySpilled, v) }
func Recovered(v uint64) slog.Attr     { return slog.Uint64(KeyRecovered, v) }
func SpillEntries(v int) slog.Attr     { return slog.Int(KeySpillEntries, v) }
func SpillBytes(v int64) slog.Attr     { return slog.Int64(KeySpillBytes, v) }
func SpillMaxBytes(v int64) slog.Attr  { return slog.Int64(KeySpillMaxBytes, v) }
func Attempt(v int) slog.Attr          { return slog.Int(KeyAttempt, v) }
func Backoff(v string) slog.Attr       { return slog.String(KeyBackoff, v) }
func ActiveSessions(v int) slog.Attr   { return slog.Int(KeyActiveSessions, v) }

func DurationMsField(v float64) slog.Attr { return slog.Float64(KeyDurationMs, v) }

func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

func ErrorCode(v string) slog.Attr { return slog.String(KeyErrorCode, v) }
