package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// chanSink is a FrameSink backed by two channels, used to splice an ISOTP
// tester to an in-test ECU simulator goroutine.
type chanSink struct {
	out chan CANFrame
	in  chan CANFrame
}

func newChanSinkPair() (a, b *chanSink) {
	c1 := make(chan CANFrame, 16)
	c2 := make(chan CANFrame, 16)
	return &chanSink{out: c1, in: c2}, &chanSink{out: c2, in: c1}
}

func (s *chanSink) Send(ctx context.Context, f CANFrame) error {
	select {
	case s.out <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSink) Recv(ctx context.Context, timeout time.Duration) (CANFrame, error) {
	select {
	case f := <-s.in:
		return f, nil
	case <-time.After(timeout):
		return CANFrame{}, errors.NewTimeout("chan-sink-recv")
	case <-ctx.Done():
		return CANFrame{}, ctx.Err()
	}
}

func TestISOTPSingleFrameRoundTrip(t *testing.T) {
	testerSink, ecuSink := newChanSinkPair()
	tester := &ISOTP{Sink: testerSink, TxID: 0x7E0, RxID: 0x7E8}
	ecu := &ISOTP{Sink: ecuSink, TxID: 0x7E8, RxID: 0x7E0}

	req := []byte{0x3E, 0x00} // tester present

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := ecu.receive(context.Background(), time.Now().Add(time.Second))
		if err != nil {
			t.Errorf("ecu receive error = %v", err)
			return
		}
		if !bytes.Equal(got, req) {
			t.Errorf("ecu received %x, want %x", got, req)
			return
		}
		if err := ecu.send(context.Background(), []byte{0x7E, 0x00}, time.Now().Add(time.Second)); err != nil {
			t.Errorf("ecu send error = %v", err)
		}
	}()

	resp, err := tester.SendReceive(context.Background(), req, time.Second)
	<-done
	if err != nil {
		t.Fatalf("SendReceive() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x7E, 0x00}) {
		t.Errorf("SendReceive() = %x, want 7e00", resp)
	}
}

func TestISOTPMultiFrameRoundTrip(t *testing.T) {
	testerSink, ecuSink := newChanSinkPair()
	tester := &ISOTP{Sink: testerSink, TxID: 0x7E0, RxID: 0x7E8, BlockSize: 0, STmin: 0}
	ecu := &ISOTP{Sink: ecuSink, TxID: 0x7E8, RxID: 0x7E0, BlockSize: 0, STmin: 0}

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	request := append([]byte{0x36, 0x01}, payload...) // TransferData block 1

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := ecu.receive(context.Background(), time.Now().Add(time.Second))
		if err != nil {
			t.Errorf("ecu receive error = %v", err)
			return
		}
		if !bytes.Equal(got, request) {
			t.Errorf("ecu received %x, want %x", got, request)
			return
		}
		if err := ecu.send(context.Background(), []byte{0x76, 0x01}, time.Now().Add(time.Second)); err != nil {
			t.Errorf("ecu send error = %v", err)
		}
	}()

	resp, err := tester.SendReceive(context.Background(), request, time.Second)
	<-done
	if err != nil {
		t.Fatalf("SendReceive() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x76, 0x01}) {
		t.Errorf("SendReceive() = %x, want 7601", resp)
	}
}

func TestDecodeEncodeSTminRoundTrip(t *testing.T) {
	for _, ms := range []time.Duration{0, 1, 10, 127} {
		got := decodeSTmin(encodeSTmin(ms * time.Millisecond))
		if got != ms*time.Millisecond {
			t.Errorf("STmin round trip for %v = %v", ms*time.Millisecond, got)
		}
	}
}
