package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sovd-project/sovd-server/convert"
	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/flash"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/session"
	"github.com/sovd-project/sovd-server/subscribe"
	"github.com/sovd-project/sovd-server/uds"
)

// ECUConfig is the static catalog one ECU's backend exposes: which
// parameters/operations/outputs it has, and the DIDs that carry version
// information. This catalog is configuration, not something discovered
// over the wire.
type ECUConfig struct {
	ID                 string
	Name               string
	Parameters         []sovd.ParameterInfo
	Operations         []sovd.Operation
	Outputs            []sovd.Output
	VersionDID         sovd.DID
	PreviousVersionDID sovd.DID
	EraseRoutineID     uint16
}

// ECU is the Backend facade for a single ECU, composing the UDS client,
// session manager, flash engine, and conversion store into the §4.4
// operation set.
type ECU struct {
	Unimplemented

	cfg     ECUConfig
	client  *uds.Client
	session *session.Manager
	flash   *flash.Engine
	store   *convert.Store
	pkgs    *PackageStore
	subs    *subscribe.Manager

	params map[string]sovd.ParameterInfo
	ops    map[string]sovd.Operation

	executions map[string]*sovd.OperationExecution
	link       string
}

// NewECU constructs an ECU backend from its wired subsystems. Its
// subscription manager (spec §4.6) polls the ECU itself, so ReadMany
// below is what every subscription tick calls.
func NewECU(cfg ECUConfig, client *uds.Client, sess *session.Manager, flashEngine *flash.Engine, store *convert.Store, pkgs *PackageStore) *ECU {
	e := &ECU{
		cfg:        cfg,
		client:     client,
		session:    sess,
		flash:      flashEngine,
		store:      store,
		pkgs:       pkgs,
		params:     make(map[string]sovd.ParameterInfo, len(cfg.Parameters)),
		ops:        make(map[string]sovd.Operation, len(cfg.Operations)),
		executions: make(map[string]*sovd.OperationExecution),
	}
	e.subs = subscribe.New(e, subscribe.Config{}, nil, nil)
	for _, p := range cfg.Parameters {
		e.params[p.ID] = p
		if p.Definition != nil {
			store.Register(p.DID, p.Definition)
		}
	}
	for _, op := range cfg.Operations {
		e.ops[op.ID] = op
	}
	return e
}

func (e *ECU) capabilities() sovd.CapabilitySet {
	caps := sovd.CapabilitySet{
		sovd.CapSessions: true,
		sovd.CapSecurity: true,
	}
	if len(e.params) > 0 {
		caps[sovd.CapReadData] = true
		caps[sovd.CapWriteData] = true
	}
	if len(e.ops) > 0 {
		caps[sovd.CapOperations] = true
	}
	if len(e.cfg.Outputs) > 0 {
		caps[sovd.CapIOControl] = true
	}
	caps[sovd.CapFaults] = true
	caps[sovd.CapClearFaults] = true
	if e.flash != nil {
		caps[sovd.CapSoftwareUpdate] = true
	}
	return caps
}

// EntityInfo implements Backend.
func (e *ECU) EntityInfo(ctx context.Context) (*sovd.EntityInfo, error) {
	return &sovd.EntityInfo{ID: e.cfg.ID, Name: e.cfg.Name, Capabilities: e.capabilities()}, nil
}

// Capabilities implements Backend.
func (e *ECU) Capabilities() sovd.CapabilitySet { return e.capabilities() }

// ListParameters implements Backend.
func (e *ECU) ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error) {
	out := make([]sovd.ParameterInfo, 0, len(e.params))
	for _, p := range e.params {
		out = append(out, p)
	}
	return out, nil
}

func (e *ECU) lookupParam(paramID string) (sovd.ParameterInfo, error) {
	p, ok := e.params[paramID]
	if !ok {
		return sovd.ParameterInfo{}, errors.NotFound(errors.ParameterNotFound, "parameter", paramID)
	}
	return p, nil
}

// ReadData implements Backend.
func (e *ECU) ReadData(ctx context.Context, paramID string) (interface{}, error) {
	p, err := e.lookupParam(paramID)
	if err != nil {
		return nil, err
	}
	raw, err := e.client.ReadDataByIdentifier(ctx, uint16(p.DID))
	if err != nil {
		return nil, err
	}
	return e.store.Decode(p.DID, raw)
}

// ReadMany implements Backend by calling ReadData for each parameter,
// short-circuiting on the first failure.
func (e *ECU) ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(paramIDs))
	for _, id := range paramIDs {
		v, err := e.ReadData(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}

// WriteData implements Backend.
func (e *ECU) WriteData(ctx context.Context, paramID string, value interface{}) error {
	p, err := e.lookupParam(paramID)
	if err != nil {
		return err
	}
	raw, err := e.store.Encode(p.DID, value)
	if err != nil {
		return err
	}
	return e.client.WriteDataByIdentifier(ctx, uint16(p.DID), raw)
}

// Read-DTC-information sub-function and status-mask constants (ISO
// 14229-1 §B.5).
const (
	rdtciReportDTCByStatusMask byte = 0x02
	allDTCStatusMask           byte = 0xFF
	allDTCGroup                     = 0xFFFFFF
)

// ListFaults implements Backend: reportDTCByStatusMask against an
// all-bits mask, parsed as a repeating (3-byte code, 1-byte status) table.
func (e *ECU) ListFaults(ctx context.Context) ([]sovd.Fault, error) {
	resp, err := e.client.ReadDTCInformation(ctx, rdtciReportDTCByStatusMask, []byte{allDTCStatusMask})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, errors.NewProtocol("ecu: read DTC information response missing status availability mask")
	}
	records := resp[1:]
	if len(records)%4 != 0 {
		return nil, errors.NewProtocol("ecu: DTC record table is not a multiple of 4 bytes")
	}
	faults := make([]sovd.Fault, 0, len(records)/4)
	for i := 0; i+4 <= len(records); i += 4 {
		var code [3]byte
		copy(code[:], records[i:i+3])
		status := sovd.DTCStatus(records[i+3])
		faults = append(faults, sovd.Fault{
			Code:     code,
			CodeHex:  hex.EncodeToString(code[:]),
			Status:   status,
			Category: sovd.DTCCategoryFromCode(code),
		})
	}
	return faults, nil
}

// FaultDetail implements Backend by filtering ListFaults.
func (e *ECU) FaultDetail(ctx context.Context, codeHex string) (*sovd.Fault, error) {
	faults, err := e.ListFaults(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range faults {
		if f.CodeHex == codeHex {
			return &f, nil
		}
	}
	return nil, errors.NotFound(errors.EntityNotFound, "fault", codeHex)
}

// ClearFaults implements Backend by clearing every DTC group.
func (e *ECU) ClearFaults(ctx context.Context) error {
	return e.client.ClearDiagnosticInformation(ctx, [3]byte{0xFF, 0xFF, 0xFF})
}

// ListOperations implements Backend.
func (e *ECU) ListOperations(ctx context.Context) ([]sovd.Operation, error) {
	out := make([]sovd.Operation, 0, len(e.ops))
	for _, op := range e.ops {
		out = append(out, op)
	}
	return out, nil
}

const (
	routineControlStart          byte = 0x01
	routineControlStop           byte = 0x02
	routineControlRequestResults byte = 0x03
)

// ExecuteOperation implements Backend by starting the configured routine.
func (e *ECU) ExecuteOperation(ctx context.Context, operationID string, data []byte) (*sovd.OperationExecution, error) {
	op, ok := e.ops[operationID]
	if !ok {
		return nil, errors.NotFound(errors.OperationNotFound, "operation", operationID)
	}
	result, err := e.client.RoutineControl(ctx, routineControlStart, uint16(op.RoutineIdentifier), data)
	exec := &sovd.OperationExecution{OperationID: operationID}
	if err != nil {
		exec.Status = sovd.ExecutionFailed
		e.executions[operationID] = exec
		return exec, err
	}
	exec.Status = sovd.ExecutionRunning
	exec.ResultBytes = result
	e.executions[operationID] = exec
	return exec, nil
}

// OperationStatus implements Backend by polling requestResults.
func (e *ECU) OperationStatus(ctx context.Context, operationID string) (*sovd.OperationExecution, error) {
	op, ok := e.ops[operationID]
	if !ok {
		return nil, errors.NotFound(errors.OperationNotFound, "operation", operationID)
	}
	result, err := e.client.RoutineControl(ctx, routineControlRequestResults, uint16(op.RoutineIdentifier), nil)
	exec, tracked := e.executions[operationID]
	if !tracked {
		exec = &sovd.OperationExecution{OperationID: operationID}
	}
	if err != nil {
		exec.Status = sovd.ExecutionFailed
	} else {
		exec.Status = sovd.ExecutionCompleted
		exec.ResultBytes = result
	}
	e.executions[operationID] = exec
	return exec, err
}

// StopOperation implements Backend.
func (e *ECU) StopOperation(ctx context.Context, operationID string) error {
	op, ok := e.ops[operationID]
	if !ok {
		return errors.NotFound(errors.OperationNotFound, "operation", operationID)
	}
	_, err := e.client.RoutineControl(ctx, routineControlStop, uint16(op.RoutineIdentifier), nil)
	if err == nil {
		if exec, tracked := e.executions[operationID]; tracked {
			exec.Status = sovd.ExecutionStopped
		}
	}
	return err
}

// ListOutputs implements Backend.
func (e *ECU) ListOutputs(ctx context.Context) ([]sovd.Output, error) {
	return append([]sovd.Output(nil), e.cfg.Outputs...), nil
}

// GetOutput implements Backend.
func (e *ECU) GetOutput(ctx context.Context, outputID string) (*sovd.Output, error) {
	for _, o := range e.cfg.Outputs {
		if o.ID == outputID {
			return &o, nil
		}
	}
	return nil, errors.NotFound(errors.OutputNotFound, "output", outputID)
}

// ControlOutput implements Backend.
func (e *ECU) ControlOutput(ctx context.Context, outputID string, action sovd.OutputAction, value []byte) (*sovd.IoControlResult, error) {
	output, err := e.GetOutput(ctx, outputID)
	if err != nil {
		return nil, err
	}
	controlParam, err := ioControlParam(action)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.InputOutputControlByIdentifier(ctx, uint16(output.Identifier), controlParam, value)
	if err != nil {
		return nil, err
	}
	result := &sovd.IoControlResult{Raw: resp}
	if output.Definition != nil {
		e.store.Register(output.Identifier, output.Definition)
		if decoded, derr := e.store.Decode(output.Identifier, resp); derr == nil {
			result.Decoded = decoded
		}
	}
	return result, nil
}

func ioControlParam(action sovd.OutputAction) (byte, error) {
	switch action {
	case sovd.OutputReturnToEcu:
		return 0x00, nil
	case sovd.OutputResetToDefault:
		return 0x01, nil
	case sovd.OutputFreeze:
		return 0x02, nil
	case sovd.OutputShortTermAdjust:
		return 0x03, nil
	default:
		return 0, errors.NewInvalidRequest("action", fmt.Sprintf("unknown output action %q", action))
	}
}

// GetSession implements Backend.
func (e *ECU) GetSession(ctx context.Context) (sovd.Session, sovd.SecurityState, error) {
	session, security := e.session.Current()
	return session, security, nil
}

// SetSession implements Backend.
func (e *ECU) SetSession(ctx context.Context, target sovd.Session) error {
	return e.session.SetSession(ctx, target)
}

// RequestSecuritySeed implements Backend.
func (e *ECU) RequestSecuritySeed(ctx context.Context, level int) ([]byte, error) {
	return e.session.RequestSeed(ctx, level)
}

// Unlock implements Backend.
func (e *ECU) Unlock(ctx context.Context, level int, seed []byte) error {
	return e.session.Unlock(ctx, level, seed)
}

// Link control sub-functions (ISO 14229-1 §B.6): the two-step
// verify-then-transition handshake, and the one-step fixed-baud-rate
// transition this facade uses for configured baud rate ids.
const linkControlTransitionFixedBaudRate byte = 0x03

// GetLink implements Backend by returning the last baud rate id applied.
func (e *ECU) GetLink(ctx context.Context) (string, error) {
	if e.link == "" {
		return "default", nil
	}
	return e.link, nil
}

// SetLink implements Backend.
func (e *ECU) SetLink(ctx context.Context, baudRateID byte) error {
	if err := e.client.LinkControl(ctx, linkControlTransitionFixedBaudRate, []byte{baudRateID}); err != nil {
		return err
	}
	e.link = fmt.Sprintf("0x%02X", baudRateID)
	return nil
}

// ResetECU implements Backend.
func (e *ECU) ResetECU(ctx context.Context, resetType byte) error {
	return e.session.Reset(ctx, resetType)
}

// StartFlash implements Backend.
func (e *ECU) StartFlash(ctx context.Context, transferID string, pkg *sovd.Package, memAddr, memSize []byte) (*sovd.FlashTransfer, error) {
	if e.flash == nil {
		return nil, errors.NewNotSupported("software_update")
	}
	return e.flash.StartFlash(ctx, transferID, pkg, memAddr, memSize)
}

func (e *ECU) checkTransfer(transferID string) (*sovd.FlashTransfer, error) {
	if e.flash == nil {
		return nil, errors.NewNotSupported("software_update")
	}
	status, ok := e.flash.Status()
	if !ok || status.TransferID != transferID {
		return nil, errors.NotFound(errors.EntityNotFound, "flash_transfer", transferID)
	}
	return status, nil
}

// FlashStatus implements Backend.
func (e *ECU) FlashStatus(ctx context.Context, transferID string) (*sovd.FlashTransfer, error) {
	return e.checkTransfer(transferID)
}

// AbortFlash implements Backend.
func (e *ECU) AbortFlash(ctx context.Context, transferID string) error {
	if _, err := e.checkTransfer(transferID); err != nil {
		return err
	}
	return e.flash.Abort(ctx)
}

// ActivateFlash implements Backend.
func (e *ECU) ActivateFlash(ctx context.Context, transferID string, versionDID sovd.DID, expectedVersion string) (*sovd.Activation, error) {
	status, err := e.checkTransfer(transferID)
	if err != nil {
		return nil, err
	}
	previous, _ := e.client.ReadDataByIdentifier(ctx, uint16(e.cfg.PreviousVersionDID))
	_ = status
	return e.flash.Activate(ctx, versionDID, string(previous), expectedVersion)
}

// CommitFlash implements Backend.
func (e *ECU) CommitFlash(ctx context.Context, transferID string) error {
	if _, err := e.checkTransfer(transferID); err != nil {
		return err
	}
	return e.flash.Commit(ctx)
}

// RollbackFlash implements Backend.
func (e *ECU) RollbackFlash(ctx context.Context, transferID string) error {
	if _, err := e.checkTransfer(transferID); err != nil {
		return err
	}
	return e.flash.Rollback(ctx)
}

// ReceivePackage implements Backend.
func (e *ECU) ReceivePackage(ctx context.Context, pkg *sovd.Package) error {
	return e.pkgs.Receive(pkg)
}

// ListPackages implements Backend.
func (e *ECU) ListPackages(ctx context.Context) ([]sovd.Package, error) {
	return e.pkgs.List(), nil
}

// GetPackage implements Backend.
func (e *ECU) GetPackage(ctx context.Context, packageID string) (*sovd.Package, error) {
	return e.pkgs.Get(packageID)
}

// VerifyPackage implements Backend.
func (e *ECU) VerifyPackage(ctx context.Context, packageID string) (bool, error) {
	return e.pkgs.Verify(packageID)
}

// DeletePackage implements Backend.
func (e *ECU) DeletePackage(ctx context.Context, packageID string) error {
	return e.pkgs.Delete(packageID)
}

// SoftwareInfo implements Backend.
func (e *ECU) SoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error) {
	active, err := e.client.ReadDataByIdentifier(ctx, uint16(e.cfg.VersionDID))
	if err != nil {
		return nil, err
	}
	info := &sovd.SoftwareInfo{ActiveVersion: string(active)}
	if e.cfg.PreviousVersionDID != 0 {
		if previous, err := e.client.ReadDataByIdentifier(ctx, uint16(e.cfg.PreviousVersionDID)); err == nil {
			info.PreviousVersion = string(previous)
		}
	}
	return info, nil
}

// Subscribe creates a periodic-delivery subscription against this ECU's
// own parameters (spec §4.6). paramIDs are plain parameter ids, not
// gateway-prefixed; a gateway validates cross-child membership before
// routing a subscription request down to one child's ECU.
func (e *ECU) Subscribe(ctx context.Context, paramIDs []string, rateHz float64, deadline *time.Time) (*subscribe.Handle, error) {
	return e.subs.Create(ctx, paramIDs, rateHz, deadline)
}

// Unsubscribe terminates a subscription created via Subscribe.
func (e *ECU) Unsubscribe(id string) error {
	return e.subs.Delete(id)
}

// ListSubscriptions returns metadata for every live subscription against
// this ECU.
func (e *ECU) ListSubscriptions() []sovd.Subscription {
	return e.subs.List()
}

// Close shuts down the ECU's background subsystems: its keepalive
// scheduler and every live subscription poller.
func (e *ECU) Close() {
	e.session.Close()
	e.subs.Close()
}

var _ Backend = (*ECU)(nil)
