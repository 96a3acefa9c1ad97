package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// CANFrame is one classic CAN frame: up to 8 data bytes, addressed by an
// 11-bit standard or 29-bit extended arbitration id.
type CANFrame struct {
	ID       uint32
	Extended bool
	Data     []byte
}

// FrameSink is the abstract CAN bus a Transport segments/reassembles
// ISO-TP (ISO 15765-2) PDUs over. A real implementation wraps a SocketCAN
// or vendor CAN interface; tests use an in-memory pair.
type FrameSink interface {
	Send(ctx context.Context, f CANFrame) error
	Recv(ctx context.Context, timeout time.Duration) (CANFrame, error)
}

const (
	isotpFrameSingle      = 0x0
	isotpFrameFirst       = 0x1
	isotpFrameConsecutive = 0x2
	isotpFrameFlowControl = 0x3

	isotpFlowStatusContinue = 0x0
	isotpFlowStatusWait     = 0x1
	isotpFlowStatusOverflow = 0x2

	isotpMaxSingleFrameData = 7
)

// ISOTP implements Transport by segmenting/reassembling UDS requests over
// a FrameSink per ISO 15765-2: single-frame for payloads up to 7 bytes,
// first-frame + flow-control + consecutive-frames above that, honoring
// the peer's advertised block size and separation time.
type ISOTP struct {
	Sink FrameSink

	// TxID/RxID are the arbitration ids this ECU is addressed on.
	TxID, RxID uint32
	Extended   bool

	// PaddingByte fills unused bytes of frames shorter than 8 bytes
	// (ISO 15765-2 recommends 0xCC; 0x00 is also common).
	PaddingByte byte

	// BlockSize/STmin are what this node advertises in its own
	// flow-control frames when it is the receiver of a multi-frame PDU.
	// 0 block size means "no limit"; STmin is in milliseconds.
	BlockSize uint8
	STmin     time.Duration
}

func (t *ISOTP) pad(b []byte) []byte {
	out := make([]byte, 8)
	copy(out, b)
	for i := len(b); i < 8; i++ {
		out[i] = t.PaddingByte
	}
	return out
}

// SendReceive implements Transport.
func (t *ISOTP) SendReceive(ctx context.Context, request []byte, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if err := t.send(ctx, request, deadline); err != nil {
		return nil, err
	}
	return t.receive(ctx, deadline)
}

func (t *ISOTP) send(ctx context.Context, data []byte, deadline time.Time) error {
	if len(data) <= isotpMaxSingleFrameData {
		frame := make([]byte, 1+len(data))
		frame[0] = byte(isotpFrameSingle<<4) | byte(len(data))
		copy(frame[1:], data)
		return t.sink(ctx, frame)
	}
	return t.sendMultiFrame(ctx, data, deadline)
}

func (t *ISOTP) sink(ctx context.Context, payload []byte) error {
	return t.Sink.Send(ctx, CANFrame{ID: t.TxID, Extended: t.Extended, Data: t.pad(payload)})
}

func (t *ISOTP) sendMultiFrame(ctx context.Context, data []byte, deadline time.Time) error {
	total := len(data)
	first := make([]byte, 8)
	first[0] = byte(isotpFrameFirst<<4) | byte((total>>8)&0x0F)
	first[1] = byte(total & 0xFF)
	n := copy(first[2:], data)
	if err := t.sink(ctx, first); err != nil {
		return err
	}
	sent := n

	fc, err := t.waitFlowControl(ctx, deadline)
	if err != nil {
		return err
	}
	blockSize := fc.blockSize
	stMin := fc.stMin

	seq := byte(1)
	sinceBlock := 0
	for sent < total {
		if blockSize != 0 && sinceBlock == int(blockSize) {
			fc, err = t.waitFlowControl(ctx, deadline)
			if err != nil {
				return err
			}
			blockSize = fc.blockSize
			stMin = fc.stMin
			sinceBlock = 0
		}
		if sinceBlock > 0 || seq > 1 {
			if stMin > 0 {
				select {
				case <-time.After(stMin):
				case <-ctx.Done():
					return errors.NewTimeout("isotp-send")
				}
			}
		}
		cf := make([]byte, 8)
		cf[0] = byte(isotpFrameConsecutive<<4) | (seq & 0x0F)
		end := sent + 7
		if end > total {
			end = total
		}
		copy(cf[1:], data[sent:end])
		if err := t.sink(ctx, cf); err != nil {
			return err
		}
		sent = end
		seq = (seq + 1) & 0x0F
		sinceBlock++
	}
	return nil
}

type flowControl struct {
	blockSize uint8
	stMin     time.Duration
}

func (t *ISOTP) waitFlowControl(ctx context.Context, deadline time.Time) (flowControl, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return flowControl{}, errors.NewTimeout("isotp-flow-control")
		}
		frame, err := t.Sink.Recv(ctx, remaining)
		if err != nil {
			return flowControl{}, errors.NewTransport("isotp: flow control read failed", err)
		}
		if len(frame.Data) < 3 || frame.Data[0]>>4 != isotpFrameFlowControl {
			continue
		}
		status := frame.Data[0] & 0x0F
		switch status {
		case isotpFlowStatusContinue:
			return flowControl{blockSize: frame.Data[1], stMin: decodeSTmin(frame.Data[2])}, nil
		case isotpFlowStatusWait:
			continue
		case isotpFlowStatusOverflow:
			return flowControl{}, errors.NewProtocol("isotp: peer reported buffer overflow")
		default:
			return flowControl{}, errors.NewProtocol(fmt.Sprintf("isotp: unknown flow status 0x%X", status))
		}
	}
}

func decodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 0
	}
}

func (t *ISOTP) receive(ctx context.Context, deadline time.Time) ([]byte, error) {
	frame, err := t.recvFrame(ctx, deadline)
	if err != nil {
		return nil, err
	}
	if len(frame.Data) == 0 {
		return nil, errors.NewProtocol("isotp: empty frame")
	}

	switch frame.Data[0] >> 4 {
	case isotpFrameSingle:
		length := int(frame.Data[0] & 0x0F)
		if length == 0 || len(frame.Data) < 1+length {
			return nil, errors.NewProtocol("isotp: malformed single frame")
		}
		return append([]byte(nil), frame.Data[1:1+length]...), nil
	case isotpFrameFirst:
		return t.receiveMultiFrame(ctx, frame, deadline)
	default:
		return nil, errors.NewProtocol("isotp: unexpected frame type waiting for response")
	}
}

func (t *ISOTP) recvFrame(ctx context.Context, deadline time.Time) (CANFrame, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return CANFrame{}, errors.NewTimeout("isotp-recv")
	}
	frame, err := t.Sink.Recv(ctx, remaining)
	if err != nil {
		return CANFrame{}, errors.NewTransport("isotp: frame read failed", err)
	}
	return frame, nil
}

func (t *ISOTP) receiveMultiFrame(ctx context.Context, first CANFrame, deadline time.Time) ([]byte, error) {
	if len(first.Data) < 2 {
		return nil, errors.NewProtocol("isotp: malformed first frame")
	}
	total := int(first.Data[0]&0x0F)<<8 | int(first.Data[1])
	buf := make([]byte, 0, total)
	buf = append(buf, first.Data[2:]...)

	fcFrame := make([]byte, 8)
	fcFrame[0] = byte(isotpFrameFlowControl<<4) | isotpFlowStatusContinue
	fcFrame[1] = t.BlockSize
	fcFrame[2] = encodeSTmin(t.STmin)
	if err := t.sink(ctx, fcFrame); err != nil {
		return nil, err
	}

	wantSeq := byte(1)
	received := 0
	for len(buf) < total {
		frame, err := t.recvFrame(ctx, deadline)
		if err != nil {
			return nil, err
		}
		if len(frame.Data) < 1 || frame.Data[0]>>4 != isotpFrameConsecutive {
			continue
		}
		seq := frame.Data[0] & 0x0F
		if seq != wantSeq {
			return nil, errors.NewProtocol("isotp: consecutive frame sequence mismatch")
		}
		need := total - len(buf)
		chunk := frame.Data[1:]
		if len(chunk) > need {
			chunk = chunk[:need]
		}
		buf = append(buf, chunk...)
		wantSeq = (wantSeq + 1) & 0x0F
		received++
		if t.BlockSize != 0 && received == int(t.BlockSize) && len(buf) < total {
			received = 0
			if err := t.sink(ctx, fcFrame); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func encodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0
	}
	if d < time.Millisecond {
		return 0xF0 | byte(d/(100*time.Microsecond))
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		return 0x7F
	}
	return byte(ms)
}

// Receive implements Transport: it waits for the next frame (or
// multi-frame PDU) without sending anything, used to read the follow-up
// response after a 0x78 pending.
func (t *ISOTP) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return t.receive(ctx, time.Now().Add(timeout))
}

var _ Transport = (*ISOTP)(nil)

// Close is a no-op: the underlying FrameSink's lifecycle is owned by its
// caller, since the same CAN bus is typically shared by several ECU
// addresses.
func (t *ISOTP) Close() error { return nil }
