// Package dispatch routes decrypted UserPackets to per-channel UDP sinks
// (spec.md §4.D) and maintains the delivery/drop counters surfaced through
// internal/metrics.
package dispatch

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/wfb-go/gofpvlink/internal/metrics"
	"github.com/wfb-go/gofpvlink/internal/wire"
)

// ErrUnknownChannel indicates a UserPacket arrived for a channel_id with no
// configured route.
var ErrUnknownChannel = errors.New("dispatch: unknown channel_id")

// Sink receives the raw bytes of one delivered UserPacket payload.
type Sink interface {
	Send(payload []byte) error
	Close() error
}

// udpSink is the production Sink, a connected UDP socket (spec.md §4.D:
// video/mavlink/tunnel each map to a fixed loopback UDP target).
type udpSink struct {
	conn *net.UDPConn
}

// NewUDPSink dials a connected UDP socket to addr.
func NewUDPSink(addr string) (Sink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("new udp sink %s: %w", addr, err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("new udp sink %s: %w", addr, err)
	}

	return &udpSink{conn: conn}, nil
}

func (s *udpSink) Send(payload []byte) error {
	if _, err := s.conn.Write(payload); err != nil {
		return fmt.Errorf("udp sink send: %w", err)
	}
	return nil
}

func (s *udpSink) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("udp sink close: %w", err)
	}
	return nil
}

// route pairs one channel's delivery sink with its counters and an optional
// DVR tap.
type route struct {
	sink Sink
	dvr  *DVRTap

	delivered atomic.Uint64
	dropped   atomic.Uint64

	idrRequested atomic.Bool
}

// Dispatcher is the routing table keyed on channel_id (spec.md's
// ChannelRoute entity). One Dispatcher instance serves the whole daemon;
// OrchestratorCore registers one route per configured radio port.
type Dispatcher struct {
	routes      map[uint32]*route
	streamNames map[uint32]string
	collector   *metrics.Collector

	clearStats atomic.Bool
}

// New creates an empty Dispatcher. collector may be nil (metrics disabled).
func New(collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		routes:      make(map[uint32]*route),
		streamNames: make(map[uint32]string),
		collector:   collector,
	}
}

// Register binds channelID to sink, with a name used as the Prometheus
// stream label and an optional DVR tap. Registering a channelID already
// present replaces the prior route, closing its sink.
func (d *Dispatcher) Register(channelID uint32, name string, sink Sink, dvr *DVRTap) {
	if old, ok := d.routes[channelID]; ok {
		_ = old.sink.Close()
	}
	d.routes[channelID] = &route{sink: sink, dvr: dvr}
	d.streamNames[channelID] = name
}

// Deliver routes one channel's batch of UserPackets (the direct output of
// fec.RXChannel.Dispatch) to its registered sink, filtering FEC_ONLY and
// IDR-request padding packets, which never carry payload destined for a
// consumer.
func (d *Dispatcher) Deliver(channelID uint32, packets []wire.UserPacket) {
	r, ok := d.routes[channelID]
	if !ok {
		if d.collector != nil {
			d.collector.IncDispatchDropped(fmt.Sprintf("channel-%d", channelID))
		}
		return
	}

	name := d.streamNames[channelID]

	for _, pkt := range packets {
		if pkt.Flags&(wire.FECOnly|wire.IDRRequest) != 0 {
			continue
		}

		if err := r.sink.Send(pkt.Payload); err != nil {
			r.dropped.Add(1)
			if d.collector != nil {
				d.collector.IncDispatchDropped(name)
			}
			continue
		}

		r.delivered.Add(1)
		if d.collector != nil {
			d.collector.IncDispatchDelivered(name)
		}

		if r.dvr != nil {
			r.dvr.Write(pkt.Payload)
		}
	}

	if d.clearStats.Swap(false) {
		for _, rt := range d.routes {
			rt.delivered.Store(0)
			rt.dropped.Store(0)
		}
	}
}

// ClearStats schedules the next Deliver call on any channel to zero all
// per-channel counters (spec.md §4.D: "an atomic clear_stats flag honored
// at the next packet boundary").
func (d *Dispatcher) ClearStats() {
	d.clearStats.Store(true)
}

// Stats reports the current delivered/dropped counters for channelID. ok is
// false if channelID has no registered route.
func (d *Dispatcher) Stats(channelID uint32) (delivered, dropped uint64, ok bool) {
	r, ok := d.routes[channelID]
	if !ok {
		return 0, 0, false
	}
	return r.delivered.Load(), r.dropped.Load(), true
}

// RequestIDR marks channelID's route as having an outstanding keyframe
// request, which IDRRequested later reports and clears. The flag is only
// recorded here: the orchestrator's TX feeder does not poll it, and no
// IDRRequest-flagged packet is injected as a result of it.
func (d *Dispatcher) RequestIDR(channelID uint32) error {
	r, ok := d.routes[channelID]
	if !ok {
		return fmt.Errorf("request idr for channel %d: %w", channelID, ErrUnknownChannel)
	}
	r.idrRequested.Store(true)
	return nil
}

// IDRRequested reports and clears channelID's outstanding keyframe request.
func (d *Dispatcher) IDRRequested(channelID uint32) bool {
	r, ok := d.routes[channelID]
	if !ok {
		return false
	}
	return r.idrRequested.Swap(false)
}

// Close closes every registered sink and DVR tap.
func (d *Dispatcher) Close() error {
	var firstErr error
	for _, r := range d.routes {
		if err := r.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if r.dvr != nil {
			r.dvr.Close()
		}
	}
	return firstErr
}
