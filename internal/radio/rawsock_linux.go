//go:build linux

package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// MonitorSocket is a monitor-mode 802.11 capture/injection socket bound to
// one network interface via an AF_PACKET raw socket (spec.md §11.6).
type MonitorSocket struct {
	fd     int
	ifName string
	mu     sync.Mutex
	closed bool
}

// NewMonitorSocket opens an AF_PACKET/SOCK_RAW socket on ifName (which must
// already be in monitor mode — interface setup is the orchestrator's job,
// not this package's), applies a classic-BPF filter restricting capture to
// frames whose radiotap length is one this codec emits (see
// attachDataFrameFilter), and enables PACKET_AUXDATA so
// radiotap signal fields arrive as ancillary data on some drivers.
func NewMonitorSocket(ifName string, rcvBuf int) (*MonitorSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("new monitor socket %s: socket: %w", ifName, err)
	}

	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("new monitor socket %s: interface lookup: %w", ifName, err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("new monitor socket %s: bind: %w", ifName, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_AUXDATA, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("new monitor socket %s: set PACKET_AUXDATA: %w", ifName, err)
	}

	if rcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("new monitor socket %s: set SO_RCVBUF: %w", ifName, err)
		}
	}

	if err := attachDataFrameFilter(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("new monitor socket %s: attach filter: %w", ifName, err)
	}

	return &MonitorSocket{fd: fd, ifName: ifName}, nil
}

// htons converts a 16-bit value from host to network byte order.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}

// attachDataFrameFilter installs a classic-BPF program restricting capture
// to frames whose radiotap "it_len" field (a little-endian u16 at a fixed
// offset 2, so its low byte is readable with a single-byte absolute load)
// matches one of the two fixed radiotap lengths this codec emits. Filtering
// this early in the kernel avoids copying frames to userspace this codec
// would reject anyway (spec.md §11.6: "a golang.org/x/net/bpf classic-BPF
// filter restricting capture to the configured data-injection frame
// subtype").
func attachDataFrameFilter(fd int) error {
	const radiotapLenLowByteOffset = 2

	raw, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: radiotapLenLowByteOffset, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: htRadiotapLen, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.LoadAbsolute{Off: radiotapLenLowByteOffset, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: vhtRadiotapLen, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return fmt.Errorf("assemble bpf program: %w", err)
	}

	prog := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		prog[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	sockProg := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}

	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &sockProg); err != nil {
		return fmt.Errorf("attach filter: %w", err)
	}

	return nil
}

// SetReadTimeout bounds ReadFrame to at most d before it returns a timeout
// error, so the event pump can re-check its stop flag without blocking
// indefinitely on recvfrom (spec.md §4.F: "a bounded wait (500 ms)").
func (s *MonitorSocket) SetReadTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set read timeout on %s: %w", s.ifName, err)
	}
	return nil
}

// ReadFrame reads one captured frame into buf, returning the frame length
// and its PACKET_AUXDATA-derived metadata when the driver supplies one.
func (s *MonitorSocket) ReadFrame(buf []byte) (int, Metadata, error) {
	oob := make([]byte, 128)

	n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, Metadata{}, fmt.Errorf("read frame on %s: %w", s.ifName, errTimeout{})
		}
		return 0, Metadata{}, fmt.Errorf("read frame on %s: %w", s.ifName, err)
	}

	meta := parseAuxdata(oob[:oobn])
	return n, meta, nil
}

// errTimeout implements net.Error so callers bounding blocking calls with
// SetReadTimeout can distinguish "nothing arrived within the deadline" from
// a real transport failure without importing golang.org/x/sys/unix
// themselves.
type errTimeout struct{}

func (errTimeout) Error() string   { return "read frame: timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

// parseAuxdata extracts a single RSSI value (antenna 0) from PACKET_AUXDATA
// ancillary data when the driver attaches it; other fields stay zero. Drivers that instead encode signal
// fields in the radiotap header itself are handled upstream by the
// orchestrator's driver-specific capture path; this codec's Decode does not
// parse radiotap field values (see radiotap.go's parseRadiotap doc
// comment).
func parseAuxdata(oob []byte) Metadata {
	var meta Metadata

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return meta
	}

	for _, m := range msgs {
		if m.Header.Level != unix.SOL_PACKET || m.Header.Type != unix.PACKET_AUXDATA {
			continue
		}
		if len(m.Data) < 4 {
			continue
		}
		// tp_status low byte carries driver-specific RSSI on some
		// monitor-mode drivers; antenna/SNR fields are driver-specific
		// and not universally present in struct tpacket_auxdata, so
		// this codec reports what it can and leaves the rest zero.
		meta.RSSI[0] = m.Data[0]
	}

	return meta
}

// WriteFrame injects a complete frame (as built by Codec.Encode).
func (s *MonitorSocket) WriteFrame(frame []byte) error {
	if _, err := unix.Write(s.fd, frame); err != nil {
		return fmt.Errorf("write frame on %s: %w", s.ifName, err)
	}
	return nil
}

// Close releases the socket.
func (s *MonitorSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if err := unix.Close(s.fd); err != nil {
		return fmt.Errorf("close monitor socket %s: %w", s.ifName, err)
	}
	return nil
}
