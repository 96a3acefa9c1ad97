package uds

import (
	"context"
	"encoding/binary"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// Diagnostic session types (ISO 14229-1 §B.2), the ones the session
// manager and spec §3 Session model care about.
const (
	SessionDefault         byte = 0x01
	SessionProgramming     byte = 0x02
	SessionExtendedDiag    byte = 0x03
	SessionSafetySystem    byte = 0x04
)

// ECU reset types (ISO 14229-1 §B.3).
const (
	ResetHard        byte = 0x01
	ResetKeyOffOn    byte = 0x02
	ResetSoft        byte = 0x03
)

// DiagnosticSessionControl requests a session change, returning the
// ECU-reported P2/P2* (in milliseconds, per ISO 14229-1 response format).
func (c *Client) DiagnosticSessionControl(ctx context.Context, session byte) (p2ms, p2starMs uint16, err error) {
	resp, err := c.Request(ctx, SIDDiagnosticSessionControl, []byte{session})
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 5 {
		return 0, 0, errors.NewProtocol("uds: diagnostic session control response too short")
	}
	// resp[0] = echoed session, resp[1:3] = P2, resp[3:5] = P2*.
	return binary.BigEndian.Uint16(resp[1:3]), binary.BigEndian.Uint16(resp[3:5]) * 10, nil
}

// ECUReset requests the ECU to reset, returning the echoed reset type.
func (c *Client) ECUReset(ctx context.Context, resetType byte) (byte, error) {
	resp, err := c.Request(ctx, SIDECUReset, []byte{resetType})
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, errors.NewProtocol("uds: ECU reset response too short")
	}
	return resp[0], nil
}

// SecurityAccessRequestSeed requests a seed for the given security level
// (an odd sub-function per ISO 14229-1 §B.4). An all-zero seed means the
// security level is already unlocked.
func (c *Client) SecurityAccessRequestSeed(ctx context.Context, level byte) ([]byte, error) {
	resp, err := c.Request(ctx, SIDSecurityAccess, []byte{level})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.NewProtocol("uds: security access seed response too short")
	}
	return resp[1:], nil
}

// SecurityAccessSendKey sends the computed key for the given level+1
// sub-function.
func (c *Client) SecurityAccessSendKey(ctx context.Context, level byte, key []byte) error {
	req := append([]byte{level}, key...)
	_, err := c.Request(ctx, SIDSecurityAccess, req)
	return err
}

// ReadDataByIdentifier reads the raw bytes behind a DID.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.Request(ctx, SIDReadDataByIdentifier, didBytes(did))
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, errors.NewProtocol("uds: read data by identifier response too short")
	}
	return resp[2:], nil
}

// WriteDataByIdentifier writes raw bytes to a DID.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	req := append(didBytes(did), data...)
	_, err := c.Request(ctx, SIDWriteDataByIdentifier, req)
	return err
}

// RoutineControl starts/stops/polls a routine. subFunc is one of
// start/stop/requestResults (0x01/0x02/0x03).
func (c *Client) RoutineControl(ctx context.Context, subFunc byte, rid uint16, data []byte) ([]byte, error) {
	req := append([]byte{subFunc, byte(rid >> 8), byte(rid)}, data...)
	resp, err := c.Request(ctx, SIDRoutineControl, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, errors.NewProtocol("uds: routine control response too short")
	}
	return resp[3:], nil
}

// ReadDTCInformation issues one of the ReadDTCInformation sub-functions
// (report-number-of-DTC, report-DTC-by-status-mask, etc).
func (c *Client) ReadDTCInformation(ctx context.Context, subFunc byte, params []byte) ([]byte, error) {
	req := append([]byte{subFunc}, params...)
	resp, err := c.Request(ctx, SIDReadDTCInformation, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.NewProtocol("uds: read DTC information response too short")
	}
	return resp[1:], nil
}

// ClearDiagnosticInformation clears a DTC group (3-byte group mask,
// 0xFFFFFF for all groups).
func (c *Client) ClearDiagnosticInformation(ctx context.Context, group [3]byte) error {
	_, err := c.Request(ctx, SIDClearDiagnosticInformation, group[:])
	return err
}

// InputOutputControlByIdentifier controls an output under a DID
// (return-control-to-ECU, reset-to-default, freeze-current, short-term-adjustment).
func (c *Client) InputOutputControlByIdentifier(ctx context.Context, did uint16, controlParam byte, state []byte) ([]byte, error) {
	req := append(append(didBytes(did), controlParam), state...)
	resp, err := c.Request(ctx, SIDInputOutputControlByIdentifier, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 {
		return nil, errors.NewProtocol("uds: IO control response too short")
	}
	return resp[3:], nil
}

// RequestDownload opens a block transfer, returning the ECU's maximum
// block length (including the 2-byte transfer-data SID+counter prefix).
func (c *Client) RequestDownload(ctx context.Context, dataFormatID, addrLenFormatID byte, memAddr, memSize []byte) (uint32, error) {
	req := append([]byte{dataFormatID, addrLenFormatID}, memAddr...)
	req = append(req, memSize...)
	resp, err := c.Request(ctx, SIDRequestDownload, req)
	if err != nil {
		return 0, err
	}
	if len(resp) < 1 {
		return 0, errors.NewProtocol("uds: request download response too short")
	}
	lengthFormatSize := int(resp[0] >> 4)
	if lengthFormatSize == 0 || len(resp) < 1+lengthFormatSize {
		return 0, errors.NewProtocol("uds: request download max block length missing")
	}
	var maxLen uint64
	for _, b := range resp[1 : 1+lengthFormatSize] {
		maxLen = maxLen<<8 | uint64(b)
	}
	return uint32(maxLen), nil
}

// TransferData sends (or requests, for upload) one block. blockCounter
// wraps 0x00-0xFF per ISO 14229-1 §11.4.1 starting at 0x01.
func (c *Client) TransferData(ctx context.Context, blockCounter byte, data []byte) ([]byte, error) {
	req := append([]byte{blockCounter}, data...)
	resp, err := c.Request(ctx, SIDTransferData, req)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.NewProtocol("uds: transfer data response too short")
	}
	if resp[0] != blockCounter {
		return nil, errors.NewProtocol("uds: transfer data block counter mismatch")
	}
	return resp[1:], nil
}

// RequestTransferExit finalizes a block transfer.
func (c *Client) RequestTransferExit(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, SIDRequestTransferExit, data)
}

// LinkControl negotiates/applies a diagnostic link's baud rate.
func (c *Client) LinkControl(ctx context.Context, subFunc byte, params []byte) error {
	req := append([]byte{subFunc}, params...)
	_, err := c.Request(ctx, SIDLinkControl, req)
	return err
}

// TesterPresent sends the keepalive frame. When suppressPositiveResponse
// is true, sub-function 0x80 asks the ECU not to reply at all (the
// session manager's keepalive scheduler uses this to avoid doubling bus
// load on every tick).
func (c *Client) TesterPresent(ctx context.Context, suppressPositiveResponse bool) error {
	sub := byte(0x00)
	if suppressPositiveResponse {
		sub = 0x80
	}
	if suppressPositiveResponse {
		req := make([]byte, 2)
		req[0] = SIDTesterPresent
		req[1] = sub
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.transport.SendReceive(ctx, req, c.cfg.P2)
		if err != nil {
			// The ECU is not expected to answer; a transport timeout here
			// is the normal case, not a failure, so swallow it.
			if errors.Is(err, errors.Timeout) {
				return nil
			}
			return c.wrapTransportErr(err)
		}
		return nil
	}
	_, err := c.Request(ctx, SIDTesterPresent, []byte{sub})
	return err
}

// DynamicallyDefineDataIdentifier defines a DDID by source DID
// position/size triples (define-by-identifier sub-function 0x01).
func (c *Client) DynamicallyDefineDataIdentifier(ctx context.Context, ddid uint16, sources []DDIDSource) error {
	req := append([]byte{0x01}, didBytes(ddid)...)
	for _, s := range sources {
		req = append(req, byte(s.SourceDID>>8), byte(s.SourceDID), s.Position, s.Size)
	}
	_, err := c.Request(ctx, SIDDynamicallyDefineDataIdentifier, req)
	return err
}

// DDIDSource is one (sourceDID, position, size) triple composing a
// dynamically-defined data identifier.
type DDIDSource struct {
	SourceDID uint16
	Position  byte
	Size      byte
}

func didBytes(did uint16) []byte {
	return []byte{byte(did >> 8), byte(did)}
}
