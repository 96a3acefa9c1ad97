package backend

import (
	"context"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

// Unimplemented satisfies Backend with NotSupported for every operation.
// Concrete backends embed it and override only the operations they
// actually implement, per §9's dynamic-dispatch-with-defaults design.
type Unimplemented struct{}

func (Unimplemented) EntityInfo(ctx context.Context) (*sovd.EntityInfo, error) {
	return nil, errors.NewNotSupported("entity_info")
}
func (Unimplemented) Capabilities() sovd.CapabilitySet { return sovd.CapabilitySet{} }

func (Unimplemented) ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error) {
	return nil, errors.NewNotSupported("list_parameters")
}
func (Unimplemented) ReadData(ctx context.Context, paramID string) (interface{}, error) {
	return nil, errors.NewNotSupported("read_data")
}
func (Unimplemented) ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error) {
	return nil, errors.NewNotSupported("read_data")
}
func (Unimplemented) WriteData(ctx context.Context, paramID string, value interface{}) error {
	return errors.NewNotSupported("write_data")
}

func (Unimplemented) ListFaults(ctx context.Context) ([]sovd.Fault, error) {
	return nil, errors.NewNotSupported("faults")
}
func (Unimplemented) FaultDetail(ctx context.Context, codeHex string) (*sovd.Fault, error) {
	return nil, errors.NewNotSupported("faults")
}
func (Unimplemented) ClearFaults(ctx context.Context) error {
	return errors.NewNotSupported("clear_faults")
}

func (Unimplemented) ListOperations(ctx context.Context) ([]sovd.Operation, error) {
	return nil, errors.NewNotSupported("operations")
}
func (Unimplemented) ExecuteOperation(ctx context.Context, operationID string, data []byte) (*sovd.OperationExecution, error) {
	return nil, errors.NewNotSupported("operations")
}
func (Unimplemented) OperationStatus(ctx context.Context, operationID string) (*sovd.OperationExecution, error) {
	return nil, errors.NewNotSupported("operations")
}
func (Unimplemented) StopOperation(ctx context.Context, operationID string) error {
	return errors.NewNotSupported("operations")
}

func (Unimplemented) ListOutputs(ctx context.Context) ([]sovd.Output, error) {
	return nil, errors.NewNotSupported("io_control")
}
func (Unimplemented) GetOutput(ctx context.Context, outputID string) (*sovd.Output, error) {
	return nil, errors.NewNotSupported("io_control")
}
func (Unimplemented) ControlOutput(ctx context.Context, outputID string, action sovd.OutputAction, value []byte) (*sovd.IoControlResult, error) {
	return nil, errors.NewNotSupported("io_control")
}

func (Unimplemented) GetSession(ctx context.Context) (sovd.Session, sovd.SecurityState, error) {
	return 0, sovd.SecurityState{}, errors.NewNotSupported("sessions")
}
func (Unimplemented) SetSession(ctx context.Context, session sovd.Session) error {
	return errors.NewNotSupported("sessions")
}
func (Unimplemented) RequestSecuritySeed(ctx context.Context, level int) ([]byte, error) {
	return nil, errors.NewNotSupported("security")
}
func (Unimplemented) Unlock(ctx context.Context, level int, seed []byte) error {
	return errors.NewNotSupported("security")
}

func (Unimplemented) GetLink(ctx context.Context) (string, error) {
	return "", errors.NewNotSupported("link_control")
}
func (Unimplemented) SetLink(ctx context.Context, baudRateID byte) error {
	return errors.NewNotSupported("link_control")
}

func (Unimplemented) ResetECU(ctx context.Context, resetType byte) error {
	return errors.NewNotSupported("reset")
}

func (Unimplemented) StartFlash(ctx context.Context, transferID string, pkg *sovd.Package, memAddr, memSize []byte) (*sovd.FlashTransfer, error) {
	return nil, errors.NewNotSupported("software_update")
}
func (Unimplemented) FlashStatus(ctx context.Context, transferID string) (*sovd.FlashTransfer, error) {
	return nil, errors.NewNotSupported("software_update")
}
func (Unimplemented) AbortFlash(ctx context.Context, transferID string) error {
	return errors.NewNotSupported("software_update")
}
func (Unimplemented) ActivateFlash(ctx context.Context, transferID string, versionDID sovd.DID, expectedVersion string) (*sovd.Activation, error) {
	return nil, errors.NewNotSupported("software_update")
}
func (Unimplemented) CommitFlash(ctx context.Context, transferID string) error {
	return errors.NewNotSupported("software_update")
}
func (Unimplemented) RollbackFlash(ctx context.Context, transferID string) error {
	return errors.NewNotSupported("software_update")
}

func (Unimplemented) ReceivePackage(ctx context.Context, pkg *sovd.Package) error {
	return errors.NewNotSupported("software_update")
}
func (Unimplemented) ListPackages(ctx context.Context) ([]sovd.Package, error) {
	return nil, errors.NewNotSupported("software_update")
}
func (Unimplemented) GetPackage(ctx context.Context, packageID string) (*sovd.Package, error) {
	return nil, errors.NewNotSupported("software_update")
}
func (Unimplemented) VerifyPackage(ctx context.Context, packageID string) (bool, error) {
	return false, errors.NewNotSupported("software_update")
}
func (Unimplemented) DeletePackage(ctx context.Context, packageID string) error {
	return errors.NewNotSupported("software_update")
}

func (Unimplemented) ListSubEntities(ctx context.Context) ([]sovd.EntityInfo, error) {
	return nil, errors.NewNotSupported("sub_entities")
}

func (Unimplemented) SoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error) {
	return nil, errors.NewNotSupported("software_update")
}

var _ Backend = Unimplemented{}
