// Package uds implements the ISO 14229 UDS service layer (spec §4.1): one
// Client per ECU, serializing requests over a transport.Transport,
// absorbing 0x78 response-pending frames within the P2* budget, and
// translating negative responses to the structured error taxonomy.
package uds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
	"github.com/sovd-project/sovd-server/infrastructure/metrics"
	"github.com/sovd-project/sovd-server/transport"
)

// Service identifiers (ISO 14229-1 §B.1).
const (
	SIDDiagnosticSessionControl        byte = 0x10
	SIDECUReset                        byte = 0x11
	SIDClearDiagnosticInformation      byte = 0x14
	SIDReadDTCInformation              byte = 0x19
	SIDReadDataByIdentifier            byte = 0x22
	SIDReadMemoryByAddress             byte = 0x23
	SIDSecurityAccess                  byte = 0x27
	SIDCommunicationControl            byte = 0x28
	SIDDynamicallyDefineDataIdentifier byte = 0x2C
	SIDWriteDataByIdentifier           byte = 0x2E
	SIDInputOutputControlByIdentifier  byte = 0x2F
	SIDRoutineControl                  byte = 0x31
	SIDRequestDownload                 byte = 0x34
	SIDRequestUpload                   byte = 0x35
	SIDTransferData                    byte = 0x36
	SIDRequestTransferExit             byte = 0x37
	SIDWriteMemoryByAddress            byte = 0x3D
	SIDTesterPresent                   byte = 0x3E
	SIDLinkControl                     byte = 0x87

	negativeResponseSID byte = 0x7F
)

// Negative response codes (ISO 14229-1 Table A.1).
const (
	NRCGeneralReject                            byte = 0x10
	NRCServiceNotSupported                      byte = 0x11
	NRCSubFunctionNotSupported                  byte = 0x12
	NRCIncorrectMessageLength                   byte = 0x13
	NRCBusyRepeatRequest                        byte = 0x21
	NRCConditionsNotCorrect                     byte = 0x22
	NRCRequestSequenceError                     byte = 0x24
	NRCRequestOutOfRange                        byte = 0x31
	NRCSecurityAccessDenied                     byte = 0x33
	NRCInvalidKey                               byte = 0x35
	NRCExceedNumberOfAttempts                   byte = 0x36
	NRCGeneralProgrammingFailure                byte = 0x72
	NRCResponsePending                          byte = 0x78
	NRCSubFunctionNotSupportedInActiveSession   byte = 0x7E
	NRCServiceNotSupportedInActiveSession       byte = 0x7F
)

// Config holds the per-ECU timing and identity parameters that govern a
// Client's requests.
type Config struct {
	// ECUID names the addressed ECU for logging/metrics and Busy errors.
	ECUID string
	// P2 is the nominal response timeout (ISO 14229-1 default 50ms, most
	// OEM configs extend it; always set explicitly here).
	P2 time.Duration
	// P2Star is the extended timeout granted by a 0x78 response pending,
	// re-armed on every successive 0x78.
	P2Star time.Duration
	// MaxPendingExtensions bounds how many consecutive 0x78 frames a
	// single request tolerates before failing with Timeout.
	MaxPendingExtensions int
}

// DefaultConfig returns ISO 14229-1's suggested P2/P2* defaults.
func DefaultConfig(ecuID string) Config {
	return Config{
		ECUID:                ecuID,
		P2:                   50 * time.Millisecond,
		P2Star:               5 * time.Second,
		MaxPendingExtensions: 8,
	}
}

// Client issues UDS requests to one ECU over one Transport. Requests are
// serialized: the UDS wire protocol has no multiplexing, so a second
// caller's Request blocks until the first's completes.
type Client struct {
	cfg       Config
	transport transport.Transport
	logger    *logging.Logger
	metrics   *metrics.Metrics

	mu sync.Mutex // the per-ECU request gate (spec §5).
}

// New constructs a Client bound to one ECU's transport.
func New(t transport.Transport, cfg Config, logger *logging.Logger, m *metrics.Metrics) *Client {
	return &Client{cfg: cfg, transport: t, logger: logger, metrics: m}
}

// Request issues one UDS service, blocking through any 0x78 response
// pending frames, and returns the positive response's parameter bytes.
// The echoed service id (sid+0x40) is checked and stripped here; an
// echoed sub-function or identifier, if any, is left in place for the
// caller to skip.
func (c *Client) Request(ctx context.Context, sid byte, params []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetUDSInFlight(c.cfg.ECUID, 1)
		defer c.metrics.SetUDSInFlight(c.cfg.ECUID, 0)
	}

	req := make([]byte, 1+len(params))
	req[0] = sid
	copy(req[1:], params)

	resp, err := c.transport.SendReceive(ctx, req, c.cfg.P2)
	if err != nil {
		return nil, c.wrapTransportErr(err)
	}

	extensions := 0
	for {
		if len(resp) == 0 {
			return nil, errors.NewProtocol("uds: empty response")
		}
		if resp[0] != negativeResponseSID {
			return c.validatePositive(sid, resp)
		}
		if len(resp) < 3 {
			return nil, errors.NewProtocol("uds: malformed negative response")
		}
		nrc := resp[2]
		if nrc != NRCResponsePending {
			return nil, c.negativeResponseError(sid, nrc)
		}

		extensions++
		if extensions > c.cfg.MaxPendingExtensions {
			return nil, errors.NewTimeout(fmt.Sprintf("uds-sid-0x%02X", sid))
		}
		if c.logger != nil {
			c.logger.LogNegativeResponse(ctx, sid, nrc, "response pending, extending P2*")
		}
		resp, err = c.transport.Receive(ctx, c.cfg.P2Star)
		if err != nil {
			return nil, c.wrapTransportErr(err)
		}
	}
}

func (c *Client) wrapTransportErr(err error) error {
	if errors.As(err) != nil {
		return err
	}
	return errors.NewTransport("uds: transport exchange failed", err)
}

// validatePositive checks the echoed service id (sid+0x40) and strips it,
// returning the remaining parameter bytes.
func (c *Client) validatePositive(sid byte, resp []byte) ([]byte, error) {
	if resp[0] != sid+0x40 {
		return nil, errors.NewProtocol(fmt.Sprintf("uds: response sid 0x%02X does not match request sid 0x%02X", resp[0], sid))
	}
	return resp[1:], nil
}

// negativeResponseError maps a terminal NRC to the structured error
// taxonomy per spec §4.1/§7.
func (c *Client) negativeResponseError(sid, nrc byte) error {
	if c.logger != nil {
		c.logger.LogNegativeResponse(context.Background(), sid, nrc, "terminal negative response")
	}
	if c.metrics != nil {
		c.metrics.RecordNegativeResponse(c.cfg.ECUID, fmt.Sprintf("0x%02X", sid), nrc)
	}

	switch nrc {
	case NRCGeneralReject, NRCGeneralProgrammingFailure:
		return errors.NewEcuError(nrc, "ECU rejected request")
	case NRCServiceNotSupported, NRCSubFunctionNotSupported:
		return errors.New(errors.NotSupported, fmt.Sprintf("service/sub-function not supported (NRC 0x%02X)", nrc)).WithDetails("nrc", fmt.Sprintf("0x%02X", nrc))
	case NRCIncorrectMessageLength:
		return errors.NewProtocol(fmt.Sprintf("incorrect message length or invalid format (NRC 0x%02X)", nrc))
	case NRCBusyRepeatRequest:
		return errors.NewBusy(c.cfg.ECUID)
	case NRCConditionsNotCorrect, NRCSubFunctionNotSupportedInActiveSession, NRCServiceNotSupportedInActiveSession:
		return errors.NewSessionRequired("required-session").WithDetails("nrc", fmt.Sprintf("0x%02X", nrc))
	case NRCRequestSequenceError:
		return errors.New(errors.EcuError, "request sequence error").WithDetails("nrc", fmt.Sprintf("0x%02X", nrc))
	case NRCRequestOutOfRange:
		return errors.NewInvalidRequest("parameter", fmt.Sprintf("request out of range (NRC 0x%02X)", nrc))
	case NRCSecurityAccessDenied:
		return errors.New(errors.SecurityRequired, fmt.Sprintf("security access denied (NRC 0x%02X)", nrc)).WithDetails("nrc", fmt.Sprintf("0x%02X", nrc))
	case NRCInvalidKey, NRCExceedNumberOfAttempts:
		return errors.NewEcuError(nrc, "security access rejected")
	default:
		return errors.NewEcuError(nrc, fmt.Sprintf("unmapped negative response code 0x%02X", nrc))
	}
}
