package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
)

// DoIP payload types (ISO 13400-2).
const (
	doipPayloadRoutingActivationRequest  = 0x0005
	doipPayloadRoutingActivationResponse = 0x0006
	doipPayloadAliveCheckRequest         = 0x0007
	doipPayloadAliveCheckResponse        = 0x0008
	doipPayloadDiagMessage               = 0x8001
	doipPayloadDiagMessageAck            = 0x8002
	doipPayloadDiagMessageNack           = 0x8003
	doipPayloadVehicleAnnouncement       = 0x0004

	doipProtocolVersion = 0x02

	doipRoutingActivationTypeDefault = 0x00
)

// DoIPConfig configures a DoIP transport connection.
type DoIPConfig struct {
	Addr                string // host:port of the DoIP gateway/ECU.
	SourceAddress       uint16 // this tester's logical address.
	TargetAddress       uint16 // the addressed ECU's logical address.
	ActivationType      byte
	DialTimeout         time.Duration
	KeepaliveInterval   time.Duration
	ReconnectBackoff    time.Duration
	Logger              *logging.Logger
}

// DoIP implements Transport over a DoIP (ISO 13400) TCP connection: it
// performs the routing-activation handshake on connect, wraps each UDS
// request in a diagnostic message addressed source->target, and reads
// back the diagnostic message response, reconnecting transparently if
// the connection drops.
type DoIP struct {
	cfg DoIPConfig

	mu        sync.Mutex
	conn      net.Conn
	activated bool

	keepaliveStop chan struct{}
	keepaliveDone chan struct{}
}

// NewDoIP constructs an unconnected DoIP transport; the first SendReceive
// call dials and performs routing activation.
func NewDoIP(cfg DoIPConfig) *DoIP {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &DoIP{cfg: cfg}
}

func (d *DoIP) ensureConnected(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil && d.activated {
		return nil
	}
	return d.connectLocked(ctx)
}

func (d *DoIP) connectLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: d.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return errors.NewTransport("doip: dial failed", err)
	}

	req := make([]byte, 7)
	binary.BigEndian.PutUint16(req[0:2], d.cfg.SourceAddress)
	req[2] = d.cfg.ActivationType
	binary.BigEndian.PutUint32(req[3:7], 0) // reserved, ISO default

	if err := writeDoIPMessage(conn, doipPayloadRoutingActivationRequest, req); err != nil {
		conn.Close()
		return errors.NewTransport("doip: routing activation request failed", err)
	}

	payloadType, payload, err := readDoIPMessage(conn, d.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return errors.NewTransport("doip: routing activation response read failed", err)
	}
	if payloadType != doipPayloadRoutingActivationResponse || len(payload) < 5 {
		conn.Close()
		return errors.NewProtocol("doip: unexpected routing activation response")
	}
	responseCode := payload[4]
	if responseCode != 0x10 {
		conn.Close()
		return errors.NewProtocol(fmt.Sprintf("doip: routing activation denied, code 0x%02X", responseCode))
	}

	d.conn = conn
	d.activated = true
	if d.cfg.KeepaliveInterval > 0 {
		d.startKeepaliveLocked()
	}
	return nil
}

func (d *DoIP) startKeepaliveLocked() {
	d.keepaliveStop = make(chan struct{})
	d.keepaliveDone = make(chan struct{})
	stop := d.keepaliveStop
	done := d.keepaliveDone
	conn := d.conn
	interval := d.cfg.KeepaliveInterval
	logger := d.cfg.Logger

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := writeDoIPMessage(conn, doipPayloadAliveCheckRequest, nil); err != nil {
					if logger != nil {
						logger.LogTransportError(context.Background(), err)
					}
					return
				}
			}
		}
	}()
}

// SendReceive implements Transport.
func (d *DoIP) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	if err := d.ensureConnected(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	payload := make([]byte, 4+len(request))
	binary.BigEndian.PutUint16(payload[0:2], d.cfg.SourceAddress)
	binary.BigEndian.PutUint16(payload[2:4], d.cfg.TargetAddress)
	copy(payload[4:], request)

	if err := writeDoIPMessage(conn, doipPayloadDiagMessage, payload); err != nil {
		d.dropConnection()
		return nil, errors.NewTransport("doip: diagnostic message send failed", err)
	}

	return d.readDiagResponse(conn, time.Now().Add(timeout))
}

// Receive implements Transport: it reads the next diagnostic message
// frame without sending anything, used to read the follow-up response
// after a 0x78 pending.
func (d *DoIP) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return nil, errors.NewTransport("doip: not connected", nil)
	}
	return d.readDiagResponse(conn, time.Now().Add(timeout))
}

func (d *DoIP) readDiagResponse(conn net.Conn, deadline time.Time) ([]byte, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.NewTimeout("doip-send-receive")
		}
		payloadType, resp, err := readDoIPMessage(conn, remaining)
		if err != nil {
			d.dropConnection()
			return nil, errors.NewTransport("doip: response read failed", err)
		}
		switch payloadType {
		case doipPayloadDiagMessageAck:
			continue // ack is just delivery confirmation; keep waiting for the real response.
		case doipPayloadDiagMessageNack:
			return nil, errors.NewProtocol("doip: ECU routing rejected diagnostic message")
		case doipPayloadDiagMessage:
			if len(resp) < 4 {
				return nil, errors.NewProtocol("doip: malformed diagnostic message response")
			}
			return append([]byte(nil), resp[4:]...), nil
		case doipPayloadAliveCheckResponse:
			continue
		default:
			continue
		}
	}
}

func (d *DoIP) dropConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keepaliveStop != nil {
		close(d.keepaliveStop)
		d.keepaliveStop = nil
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.conn = nil
	d.activated = false
}

// Close implements Transport.
func (d *DoIP) Close() error {
	d.dropConnection()
	return nil
}

func writeDoIPMessage(conn net.Conn, payloadType uint16, payload []byte) error {
	header := make([]byte, 8)
	header[0] = doipProtocolVersion
	header[1] = ^byte(doipProtocolVersion)
	binary.BigEndian.PutUint16(header[2:4], payloadType)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func readDoIPMessage(conn net.Conn, timeout time.Duration) (uint16, []byte, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, 8)
	if _, err := readFull(conn, header); err != nil {
		return 0, nil, err
	}
	payloadType := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint32(header[4:8])
	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			return 0, nil, err
		}
	}
	return payloadType, payload, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ Transport = (*DoIP)(nil)

// VehicleAnnouncement is the information a DoIP entity broadcasts over
// UDP on power-up (ISO 13400-2 vehicle announcement message).
type VehicleAnnouncement struct {
	VIN             string
	LogicalAddress  uint16
	EID             [6]byte
	GID             [6]byte
	FurtherActionReq byte
}

// ListenForAnnouncements listens on addr (typically ":13400") for DoIP
// vehicle announcement UDP broadcasts until ctx is cancelled, delivering
// each one to out. Intended for the bundled ECU discovery flow, not the
// request/response transport path.
func ListenForAnnouncements(ctx context.Context, addr string, out chan<- VehicleAnnouncement) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return errors.NewTransport("doip: resolve announcement address failed", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.NewTransport("doip: listen for announcements failed", err)
	}
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, 256)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil // ctx cancellation closes conn and surfaces here.
		}
		if n < 8 {
			continue
		}
		payloadType := binary.BigEndian.Uint16(buf[2:4])
		length := binary.BigEndian.Uint32(buf[4:8])
		if payloadType != doipPayloadVehicleAnnouncement || int(length) > n-8 {
			continue
		}
		payload := buf[8 : 8+length]
		if len(payload) < 25 {
			continue
		}
		var ann VehicleAnnouncement
		ann.VIN = string(payload[0:17])
		ann.LogicalAddress = binary.BigEndian.Uint16(payload[17:19])
		copy(ann.EID[:], payload[19:25])
		if len(payload) >= 31 {
			copy(ann.GID[:], payload[25:31])
		}
		if len(payload) >= 32 {
			ann.FurtherActionReq = payload[31]
		}
		select {
		case out <- ann:
		case <-ctx.Done():
			return nil
		}
	}
}
