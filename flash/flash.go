// Package flash implements the flash engine (spec §4.5): the firmware
// transfer state machine (Queued -> Preparing -> Transferring ->
// AwaitingExit -> AwaitingReset -> Activated -> Committed/RolledBack),
// its block-wise transfer_data loop with block-counter wraparound, and
// the activation/commit/rollback sequence run after the ECU reboots on
// the new image.
package flash

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
	"github.com/sovd-project/sovd-server/infrastructure/metrics"
	"github.com/sovd-project/sovd-server/infrastructure/transaction"
	"github.com/sovd-project/sovd-server/uds"
)

// EngineConfig configures one ECU's flash engine. These routine/format
// identifiers vary per OEM flash bootloader; there is no ISO default.
type EngineConfig struct {
	ECUID              string
	EraseRoutineID     uint16
	DataFormatID       byte
	AddrLengthFormatID byte
	// BlockSize caps how many payload bytes go in one transfer_data
	// request; the ECU's RequestDownload response may further reduce it.
	BlockSize int
	// StartBlockCounter is the first transfer_data block counter (usually
	// 0x01); on wraparound past 0xFF the counter returns to this value
	// rather than to 0x00, per this ECU family's bootloader convention.
	StartBlockCounter byte
	// ProgressBufferSize bounds each subscriber's progress channel; a
	// slow consumer has its oldest unread update dropped, never blocking
	// the transfer loop.
	ProgressBufferSize int
}

// DefaultEngineConfig fills in the non-OEM-specific defaults.
func DefaultEngineConfig(ecuID string, eraseRoutineID uint16) EngineConfig {
	return EngineConfig{
		ECUID:              ecuID,
		EraseRoutineID:     eraseRoutineID,
		DataFormatID:       0x00,
		AddrLengthFormatID: 0x44,
		BlockSize:          4096,
		StartBlockCounter:  0x01,
		ProgressBufferSize: 16,
	}
}

// Engine drives one ECU's flash transfer state machine. At most one
// non-terminal transfer is active at a time.
type Engine struct {
	cfg     EngineConfig
	client  *uds.Client
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	transfer *sovd.FlashTransfer
	pkg      *sovd.Package
	cancel   context.CancelFunc

	activation   sovd.Activation
	activationMu sync.Mutex // always acquired before mu, per lock-ordering rule below.

	subMu sync.Mutex
	subs  map[int]chan sovd.FlashTransfer
	nextSub int
}

// New constructs a flash Engine for one ECU.
func New(client *uds.Client, cfg EngineConfig, logger *logging.Logger, m *metrics.Metrics) *Engine {
	if cfg.BlockSize == 0 {
		cfg = DefaultEngineConfig(cfg.ECUID, cfg.EraseRoutineID)
	}
	return &Engine{cfg: cfg, client: client, logger: logger, metrics: m, subs: make(map[int]chan sovd.FlashTransfer)}
}

// Subscribe returns a channel of transfer state snapshots and an
// unsubscribe function. The channel is buffered; a slow reader loses its
// oldest unread update rather than stalling the transfer.
func (e *Engine) Subscribe() (<-chan sovd.FlashTransfer, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSub
	e.nextSub++
	ch := make(chan sovd.FlashTransfer, e.cfg.ProgressBufferSize)
	e.subs[id] = ch
	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
	}
}

func (e *Engine) publish(snapshot sovd.FlashTransfer) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- snapshot:
		default:
			// Drop the oldest buffered update to make room, then retry
			// once; never block the transfer loop on a slow subscriber.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
	if e.metrics != nil {
		e.metrics.SetFlashTransferState(e.cfg.ECUID, string(snapshot.State), !snapshot.State.Terminal())
	}
}

func (e *Engine) setState(state sovd.FlashState, errMsg string) sovd.FlashTransfer {
	e.mu.Lock()
	e.transfer.State = state
	e.transfer.Error = errMsg
	snapshot := *e.transfer
	e.mu.Unlock()
	if e.logger != nil {
		e.logger.LogFlashTransition(context.Background(), snapshot.TransferID, "", string(state))
	}
	e.publish(snapshot)
	return snapshot
}

// Status returns a snapshot of the active (or most recent) transfer.
func (e *Engine) Status() (*sovd.FlashTransfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.transfer == nil {
		return nil, false
	}
	snapshot := *e.transfer
	return &snapshot, true
}

// StartFlash begins a new transfer. It fails with Busy if a non-terminal
// transfer is already in progress.
func (e *Engine) StartFlash(ctx context.Context, transferID string, pkg *sovd.Package, memAddr, memSize []byte) (*sovd.FlashTransfer, error) {
	e.mu.Lock()
	if e.transfer != nil && !e.transfer.State.Terminal() {
		e.mu.Unlock()
		return nil, errors.NewBusy(e.cfg.ECUID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.transfer = &sovd.FlashTransfer{
		TransferID: transferID,
		PackageID:  pkg.ID,
		State:      sovd.FlashQueued,
		Progress:   sovd.TransferProgress{BytesTotal: int64(len(pkg.Bytes))},
		StartedAt:  time.Now(),
	}
	e.pkg = pkg
	e.cancel = cancel
	e.mu.Unlock()

	e.publish(*e.transfer)
	go e.run(runCtx, memAddr, memSize)

	e.mu.Lock()
	snapshot := *e.transfer
	e.mu.Unlock()
	return &snapshot, nil
}

func (e *Engine) run(ctx context.Context, memAddr, memSize []byte) {
	tx := transaction.NewTransaction()

	tx.AddStep("erase", func(ctx context.Context) error {
		e.setState(sovd.FlashPreparing, "")
		_, err := e.client.RoutineControl(ctx, 0x01, e.cfg.EraseRoutineID, nil)
		return err
	}, nil)

	var maxBlockLen uint32
	tx.AddStep("request_download", func(ctx context.Context) error {
		var err error
		maxBlockLen, err = e.client.RequestDownload(ctx, e.cfg.DataFormatID, e.cfg.AddrLengthFormatID, memAddr, memSize)
		return err
	}, nil)

	tx.AddStep("transfer_blocks", func(ctx context.Context) error {
		e.setState(sovd.FlashTransferring, "")
		return e.transferBlocks(ctx, maxBlockLen)
	}, func(ctx context.Context) error {
		// Best-effort: tell the ECU to abandon the partially transferred
		// image so it doesn't boot a torn write.
		_, _ = e.client.RequestTransferExit(ctx, nil)
		return nil
	})

	tx.AddStep("transfer_exit", func(ctx context.Context) error {
		e.setState(sovd.FlashAwaitingExit, "")
		_, err := e.client.RequestTransferExit(ctx, nil)
		return err
	}, nil)

	// Any step failure, including a no-retry NRC 0x24 mid-transfer, goes
	// straight to Failed; transaction.Execute has already run the failed
	// step's compensation before returning.
	if err := tx.Execute(ctx); err != nil {
		e.setState(sovd.FlashFailed, err.Error())
		return
	}

	e.setState(sovd.FlashAwaitingReset, "")
}

func (e *Engine) transferBlocks(ctx context.Context, maxBlockLen uint32) error {
	blockSize := e.cfg.BlockSize
	if maxBlockLen > 2 && int(maxBlockLen)-2 < blockSize {
		blockSize = int(maxBlockLen) - 2
	}
	if blockSize <= 0 {
		return errors.NewProtocol("flash: ECU advertised a zero-length transfer block")
	}

	e.mu.Lock()
	data := e.pkg.Bytes
	total := int64(len(data))
	e.mu.Unlock()

	counter := e.cfg.StartBlockCounter
	var sent int64
	for sent < total {
		select {
		case <-ctx.Done():
			return errors.NewTimeout("flash-transfer")
		default:
		}

		end := sent + int64(blockSize)
		if end > total {
			end = total
		}
		_, err := e.client.TransferData(ctx, counter, data[sent:end])
		if err != nil {
			if errors.Is(err, errors.EcuError) {
				return fmt.Errorf("block at offset %d rejected, no retry: %w", sent, err)
			}
			return err
		}
		sent = end

		e.mu.Lock()
		e.transfer.Progress.BytesSent = sent
		snapshot := *e.transfer
		e.mu.Unlock()
		e.publish(snapshot)

		if counter == 0xFF {
			counter = e.cfg.StartBlockCounter
		} else {
			counter++
		}
	}
	return nil
}

// Abort cancels an in-progress transfer. Valid only while the transfer is
// in Queued, Preparing, Transferring, or AwaitingExit; terminal and
// post-transfer states reject it with InvalidRequest.
func (e *Engine) Abort(ctx context.Context) error {
	e.mu.Lock()
	if e.transfer == nil {
		e.mu.Unlock()
		return errors.NewInvalidRequest("transfer", "no active transfer")
	}
	switch e.transfer.State {
	case sovd.FlashQueued, sovd.FlashPreparing, sovd.FlashTransferring, sovd.FlashAwaitingExit:
	default:
		e.mu.Unlock()
		return errors.NewInvalidRequest("state", fmt.Sprintf("cannot abort a transfer in state %q", e.transfer.State))
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.setState(sovd.FlashRolledBack, "aborted by caller")
	return nil
}

// Activate reads versionDID after the ECU's post-flash reboot and records
// whether it matches expectedVersion. Acquires the activation lock before
// the transfer lock, the fixed ordering every lock-holding method here
// follows to avoid deadlock with Abort/Status.
func (e *Engine) Activate(ctx context.Context, versionDID sovd.DID, previousVersion, expectedVersion string) (*sovd.Activation, error) {
	e.activationMu.Lock()
	defer e.activationMu.Unlock()

	e.mu.Lock()
	if e.transfer == nil || e.transfer.State != sovd.FlashAwaitingReset {
		state := sovd.FlashState("none")
		if e.transfer != nil {
			state = e.transfer.State
		}
		e.mu.Unlock()
		return nil, errors.NewInvalidRequest("state", fmt.Sprintf("cannot activate from state %q", state))
	}
	e.mu.Unlock()

	raw, err := e.client.ReadDataByIdentifier(ctx, uint16(versionDID))
	if err != nil {
		return nil, err
	}
	activeVersion := string(raw)

	act := sovd.Activation{
		ActiveVersion:   activeVersion,
		PreviousVersion: previousVersion,
	}
	if activeVersion == expectedVersion {
		act.State = sovd.ActivationActivated
		e.setState(sovd.FlashActivated, "")
	} else {
		act.State = sovd.ActivationRolledBack
		e.setState(sovd.FlashFailed, "activated image version does not match expected version")
	}

	e.mu.Lock()
	e.activation = act
	e.mu.Unlock()
	return &act, nil
}

// Commit finalizes a successfully activated transfer. Valid only from
// Activated.
func (e *Engine) Commit(ctx context.Context) error {
	e.mu.Lock()
	if e.transfer == nil || e.transfer.State != sovd.FlashActivated {
		e.mu.Unlock()
		return errors.NewInvalidRequest("state", "cannot commit: transfer is not in Activated state")
	}
	e.mu.Unlock()

	e.setState(sovd.FlashCommitted, "")
	e.activationMu.Lock()
	e.activation.State = sovd.ActivationCommitted
	e.activationMu.Unlock()
	return nil
}

// Rollback abandons an Activated (but not yet committed) transfer.
func (e *Engine) Rollback(ctx context.Context) error {
	e.mu.Lock()
	if e.transfer == nil || e.transfer.State != sovd.FlashActivated {
		e.mu.Unlock()
		return errors.NewInvalidRequest("state", "cannot roll back: transfer is not in Activated state")
	}
	e.mu.Unlock()

	e.setState(sovd.FlashRolledBack, "")
	e.activationMu.Lock()
	e.activation.State = sovd.ActivationRolledBack
	e.activationMu.Unlock()
	return nil
}
