package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for bridge operations, following OpenTelemetry
// semantic conventions where applicable.
const (
	// ========================================================================
	// Client session attributes
	// ========================================================================
	AttrClientAddr = "client.address"
	AttrSessionID  = "session.id"
	AttrOpcode     = "wire.opcode"

	// ========================================================================
	// CAN frame attributes
	// ========================================================================
	AttrBus           = "can.bus"
	AttrBusName       = "can.bus_name"
	AttrArbitrationID = "can.arbitration_id"
	AttrDLC           = "can.dlc"
	AttrExtended      = "can.extended"
	AttrFD            = "can.fd"
	AttrDirection     = "can.direction"

	// ========================================================================
	// Ingest pipeline attributes
	// ========================================================================
	AttrBatchSize  = "ingest.batch_size"
	AttrQueueDepth = "ingest.queue_depth"
	AttrEnqueued   = "ingest.enqueued"
	AttrWritten    = "ingest.written"
	AttrDropped    = "ingest.dropped"
	AttrSpilled    = "ingest.spilled"
	AttrRecovered  = "ingest.recovered"

	// ========================================================================
	// Store attributes
	// ========================================================================
	AttrStoreName = "store.name"
	AttrStoreType = "store.type"
)

// Span names for operations.
const (
	SpanBridgeFanout    = "bridge.fanout"
	SpanBridgeAccept    = "bridge.accept"
	SpanBridgeTransmit  = "bridge.transmit"
	SpanSessionRequest  = "session.request"
	SpanIngestIteration = "ingest.worker_iteration"
	SpanIngestCommit    = "ingest.commit"
	SpanIngestSpill     = "ingest.spill"
	SpanSpillAppend     = "spill.append"
	SpanSpillDrain      = "spill.drain"
)

// ClientAddr returns an attribute for the client's TCP address.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// SessionID returns an attribute for a Client Session identifier.
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// Opcode returns an attribute for a wire protocol opcode.
func Opcode(op byte) attribute.KeyValue {
	return attribute.Int(AttrOpcode, int(op))
}

// Bus returns an attribute for a bus index.
func Bus(bus int) attribute.KeyValue {
	return attribute.Int(AttrBus, bus)
}

// BusName returns an attribute for an interface name.
func BusName(name string) attribute.KeyValue {
	return attribute.String(AttrBusName, name)
}

// ArbitrationID returns an attribute for a CAN arbitration identifier.
func ArbitrationID(id uint32) attribute.KeyValue {
	return attribute.Int64(AttrArbitrationID, int64(id))
}

// DLC returns an attribute for a frame's DLC.
func DLC(dlc uint8) attribute.KeyValue {
	return attribute.Int(AttrDLC, int(dlc))
}

// Extended returns an attribute for the extended-identifier flag.
func Extended(v bool) attribute.KeyValue {
	return attribute.Bool(AttrExtended, v)
}

// FD returns an attribute for the FD flag.
func FD(v bool) attribute.KeyValue {
	return attribute.Bool(AttrFD, v)
}

// Direction returns an attribute for a frame's direction tag ("rx"/"tx").
func Direction(dir string) attribute.KeyValue {
	return attribute.String(AttrDirection, dir)
}

// BatchSize returns an attribute for an ingest batch size.
func BatchSize(n int) attribute.KeyValue {
	return attribute.Int(AttrBatchSize, n)
}

// QueueDepth returns an attribute for the ingest queue's current depth.
func QueueDepth(n int) attribute.KeyValue {
	return attribute.Int(AttrQueueDepth, n)
}

// StoreName returns an attribute for a store name.
func StoreName(name string) attribute.KeyValue {
	return attribute.String(AttrStoreName, name)
}

// StoreType returns an attribute for a store type ("sql", "spill").
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// StartSessionSpan starts a span for one Client Session request dispatch.
func StartSessionSpan(ctx context.Context, sessionID string, op byte, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{SessionID(sessionID), Opcode(op)}, attrs...)
	return StartSpan(ctx, SpanSessionRequest, trace.WithAttributes(allAttrs...))
}

// StartFanoutSpan starts a span for one Bridge Core fan-out batch from a bus.
func StartFanoutSpan(ctx context.Context, bus int, count int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{Bus(bus), attribute.Int("batch.count", count)}, attrs...)
	return StartSpan(ctx, SpanBridgeFanout, trace.WithAttributes(allAttrs...))
}

// StartIngestSpan starts a span for one ingest worker loop iteration.
func StartIngestSpan(ctx context.Context, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanIngestIteration, trace.WithAttributes(attrs...))
}
