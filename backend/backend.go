// Package backend defines the backend facade (spec §4.4): the full
// operation set a SOVD client can address, whether the concrete backend
// is one ECU (package ecu) or a gateway composing several (package
// gateway). Every operation a backend does not implement returns
// NotSupported rather than panicking or silently no-op'ing, so a partial
// backend composed behind a gateway degrades operation-by-operation.
package backend

import (
	"context"

	"github.com/sovd-project/sovd-server/domain/sovd"
)

// Backend is the full §4.4 operation set.
type Backend interface {
	EntityInfo(ctx context.Context) (*sovd.EntityInfo, error)
	Capabilities() sovd.CapabilitySet

	ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error)
	ReadData(ctx context.Context, paramID string) (interface{}, error)
	ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error)
	WriteData(ctx context.Context, paramID string, value interface{}) error

	ListFaults(ctx context.Context) ([]sovd.Fault, error)
	FaultDetail(ctx context.Context, codeHex string) (*sovd.Fault, error)
	ClearFaults(ctx context.Context) error

	ListOperations(ctx context.Context) ([]sovd.Operation, error)
	ExecuteOperation(ctx context.Context, operationID string, data []byte) (*sovd.OperationExecution, error)
	OperationStatus(ctx context.Context, operationID string) (*sovd.OperationExecution, error)
	StopOperation(ctx context.Context, operationID string) error

	ListOutputs(ctx context.Context) ([]sovd.Output, error)
	GetOutput(ctx context.Context, outputID string) (*sovd.Output, error)
	ControlOutput(ctx context.Context, outputID string, action sovd.OutputAction, value []byte) (*sovd.IoControlResult, error)

	GetSession(ctx context.Context) (sovd.Session, sovd.SecurityState, error)
	SetSession(ctx context.Context, session sovd.Session) error
	RequestSecuritySeed(ctx context.Context, level int) ([]byte, error)
	Unlock(ctx context.Context, level int, seed []byte) error

	GetLink(ctx context.Context) (string, error)
	SetLink(ctx context.Context, baudRateID byte) error

	ResetECU(ctx context.Context, resetType byte) error

	StartFlash(ctx context.Context, transferID string, pkg *sovd.Package, memAddr, memSize []byte) (*sovd.FlashTransfer, error)
	FlashStatus(ctx context.Context, transferID string) (*sovd.FlashTransfer, error)
	AbortFlash(ctx context.Context, transferID string) error
	ActivateFlash(ctx context.Context, transferID string, versionDID sovd.DID, expectedVersion string) (*sovd.Activation, error)
	CommitFlash(ctx context.Context, transferID string) error
	RollbackFlash(ctx context.Context, transferID string) error

	ReceivePackage(ctx context.Context, pkg *sovd.Package) error
	ListPackages(ctx context.Context) ([]sovd.Package, error)
	GetPackage(ctx context.Context, packageID string) (*sovd.Package, error)
	VerifyPackage(ctx context.Context, packageID string) (bool, error)
	DeletePackage(ctx context.Context, packageID string) error

	ListSubEntities(ctx context.Context) ([]sovd.EntityInfo, error)

	SoftwareInfo(ctx context.Context) (*sovd.SoftwareInfo, error)
}
