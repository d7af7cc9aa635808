package live

import (
	"errors"

	"github.com/taskhub/taskhub/pkg/logger"
)

// Delivery failure reasons reported to the DeliveryRecorder.
const (
	ReasonClosed     = "closed"
	ReasonBufferFull = "buffer_full"
	ReasonError      = "error"
)

// DeliveryRecorder receives per-recipient delivery outcomes.
type DeliveryRecorder interface {
	RecordLiveDelivery(channel string)
	RecordLiveDeliveryFailure(channel, reason string)
}

type nopRecorder struct{}

func (nopRecorder) RecordLiveDelivery(string)                {}
func (nopRecorder) RecordLiveDeliveryFailure(string, string) {}

// Broadcaster fans payloads out to the connections registered under a key.
type Broadcaster[K comparable] struct {
	channel  string
	registry *Registry[K]
	log      logger.Logger
	recorder DeliveryRecorder
}

// NewBroadcaster creates a broadcaster over registry. channel labels logs
// and metrics ("project", "user").
func NewBroadcaster[K comparable](channel string, registry *Registry[K], log logger.Logger, recorder DeliveryRecorder) *Broadcaster[K] {
	if log == nil {
		log = logger.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Broadcaster[K]{
		channel:  channel,
		registry: registry,
		log:      log,
		recorder: recorder,
	}
}

// Broadcast sends payload to every connection registered under key except
// exclude, and returns the number of successful deliveries. A failing
// recipient is logged and skipped; it never aborts the fan-out.
func (b *Broadcaster[K]) Broadcast(key K, payload []byte, exclude Conn) int {
	conns := b.registry.Lookup(key)
	if len(conns) == 0 {
		return 0
	}

	var excludeID string
	if exclude != nil {
		excludeID = exclude.ID()
	}

	delivered := 0
	for _, conn := range conns {
		if excludeID != "" && conn.ID() == excludeID {
			continue
		}
		if b.deliver(key, conn, payload) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster[K]) deliver(key K, conn Conn, payload []byte) bool {
	if !conn.Open() {
		b.recorder.RecordLiveDeliveryFailure(b.channel, ReasonClosed)
		return false
	}

	err := conn.Send(payload)
	switch {
	case err == nil:
		b.recorder.RecordLiveDelivery(b.channel)
		return true
	case errors.Is(err, ErrConnClosed):
		// Lost a race with the connection's own teardown.
		b.recorder.RecordLiveDeliveryFailure(b.channel, ReasonClosed)
	case errors.Is(err, ErrSendBufferFull):
		b.recorder.RecordLiveDeliveryFailure(b.channel, ReasonBufferFull)
		b.log.Warn("live delivery dropped",
			"channel", b.channel,
			"key", key,
			"conn_id", conn.ID(),
			"error", err,
		)
	default:
		b.recorder.RecordLiveDeliveryFailure(b.channel, ReasonError)
		b.log.Warn("live delivery failed",
			"channel", b.channel,
			"key", key,
			"conn_id", conn.ID(),
			"error", err,
		)
	}
	return false
}
