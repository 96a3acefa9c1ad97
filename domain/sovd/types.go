// Package sovd defines the domain model shared by the UDS service layer,
// conversion store, flash engine, and backend facade: identifiers,
// parameters, definitions, session/security state, firmware packages and
// transfers, faults, operations, outputs, and subscriptions.
package sovd

import "time"

// DID is a 16-bit UDS data identifier naming a datum on the ECU. Some are
// standardised (ISO 14229 Annex C); most are OEM-specific.
type DID uint16

// RID is a 16-bit UDS routine identifier.
type RID uint16

// ParameterInfo is the client-facing handle for a DID. Parameter ids are
// unique within a backend; DIDs may repeat across parameters that present
// different semantic views, but the conversion store associates at most
// one Definition per DID.
type ParameterInfo struct {
	ID          string      `json:"id"`
	DID         DID         `json:"did"`
	DisplayName string      `json:"display_name,omitempty"`
	Unit        string      `json:"unit,omitempty"`
	Definition  *Definition `json:"definition,omitempty"`
}

// DefinitionKind discriminates the Definition variants.
type DefinitionKind string

const (
	DefinitionScalar   DefinitionKind = "scalar"
	DefinitionEnum     DefinitionKind = "enum"
	DefinitionBitfield DefinitionKind = "bitfield"
	DefinitionArray    DefinitionKind = "array"
	DefinitionMap2D    DefinitionKind = "map2d"
	DefinitionHistogram DefinitionKind = "histogram"
	DefinitionString   DefinitionKind = "string"
	DefinitionBytes    DefinitionKind = "bytes"
)

// ScalarType names the fixed-width numeric encoding of a Scalar/Array/Map2D
// element.
type ScalarType string

const (
	ScalarUint8   ScalarType = "uint8"
	ScalarInt8    ScalarType = "int8"
	ScalarUint16  ScalarType = "uint16"
	ScalarInt16   ScalarType = "int16"
	ScalarUint32  ScalarType = "uint32"
	ScalarInt32   ScalarType = "int32"
	ScalarFloat32 ScalarType = "float32"
)

// ByteOrder selects big- or little-endian interpretation of multi-byte
// scalar values. Big-endian is the default per the conversion semantics.
type ByteOrder string

const (
	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

// BitfieldField names one extracted range within a Bitfield definition.
type BitfieldField struct {
	Name  string `json:"name"`
	Bit   int    `json:"bit"`
	Width int    `json:"width"`
}

// Definition is a conversion rule describing how raw DID bytes map to a
// structured value and back. Exactly one of the kind-specific fields is
// populated, selected by Kind.
type Definition struct {
	Kind DefinitionKind `json:"kind"`

	// Scalar
	ScalarElemType ScalarType `json:"scalar_type,omitempty"`
	Scale          float64    `json:"scale,omitempty"`
	Offset         float64    `json:"offset,omitempty"`
	ByteOrder      ByteOrder  `json:"byte_order,omitempty"`

	// Enum
	LabelMap map[int64]string `json:"label_map,omitempty"`

	// Bitfield
	Fields []BitfieldField `json:"fields,omitempty"`

	// Array
	ElementType ScalarType `json:"element_type,omitempty"`
	Length      int        `json:"length,omitempty"`
	Labels      []string   `json:"labels,omitempty"`

	// Map2D
	RowAxis     []float64  `json:"row_axis,omitempty"`
	ColAxis     []float64  `json:"col_axis,omitempty"`
	Rows        int        `json:"rows,omitempty"`
	Cols        int        `json:"cols,omitempty"`
	CellType    ScalarType `json:"cell_type,omitempty"`

	// Histogram
	BinEdges []float64 `json:"bin_edges,omitempty"`

	// String
	StringLength int    `json:"string_length,omitempty"`
	Encoding     string `json:"encoding,omitempty"`

	// Bytes
	ByteLength int `json:"byte_length,omitempty"`
}

// Session is one of the standard UDS diagnostic sessions; OEM-specific
// levels are carried as arbitrary positive values above the standard four.
type Session uint8

const (
	SessionDefault        Session = 0x01
	SessionProgramming    Session = 0x02
	SessionExtended       Session = 0x03
	SessionSafetySystem   Session = 0x04
)

// String renders the well-known session names; OEM-specific levels all
// render as "oem".
func (s Session) String() string {
	switch s {
	case SessionDefault:
		return "default"
	case SessionProgramming:
		return "programming"
	case SessionExtended:
		return "extended"
	case SessionSafetySystem:
		return "safety_system"
	default:
		return "oem"
	}
}

// SecurityState captures whether a security level is currently unlocked.
// Invariant: an ECU reset, session drop to Default, or keepalive failure
// forces Locked=true.
type SecurityState struct {
	Locked bool      `json:"locked"`
	Level  int       `json:"level,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// Package is an opaque firmware blob awaiting or consumed by a flash
// transfer.
type Package struct {
	ID               string    `json:"id"`
	Bytes            []byte    `json:"-"`
	SHAChecksum      string    `json:"sha_checksum"`
	DeclaredTarget   string    `json:"declared_target,omitempty"`
	DeclaredVersion  string    `json:"declared_version,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
	Verified         bool      `json:"verified"`
}

// FlashState is a tagged state in the flash transfer state machine (§4.5).
// Transitions are total functions of (state, event); there is no separate
// "progress"/"error" field hanging off a different variant than the one
// that produced it — both live on FlashTransfer directly, keyed by the
// current State.
type FlashState string

const (
	FlashQueued        FlashState = "queued"
	FlashPreparing     FlashState = "preparing"
	FlashTransferring  FlashState = "transferring"
	FlashAwaitingExit  FlashState = "awaiting_exit"
	FlashAwaitingReset FlashState = "awaiting_reset"
	FlashActivated     FlashState = "activated"
	FlashCommitted     FlashState = "committed"
	FlashRolledBack    FlashState = "rolled_back"
	FlashFailed        FlashState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s FlashState) Terminal() bool {
	switch s {
	case FlashCommitted, FlashRolledBack, FlashFailed:
		return true
	default:
		return false
	}
}

// TransferProgress tracks byte-level advancement of a flash transfer.
type TransferProgress struct {
	BytesSent  int64 `json:"bytes_sent"`
	BytesTotal int64 `json:"bytes_total"`
}

// FlashTransfer is the full record of one firmware transfer attempt.
// Invariant: at most one active (non-terminal) transfer per backend.
type FlashTransfer struct {
	TransferID string           `json:"transfer_id"`
	PackageID  string           `json:"package_id"`
	State      FlashState       `json:"state"`
	Progress   TransferProgress `json:"progress"`
	StartedAt  time.Time        `json:"started_at"`
	Error      string           `json:"error,omitempty"`
}

// ActivationState tracks the post-flash version comparison.
type ActivationState string

const (
	ActivationNone       ActivationState = "none"
	ActivationActivated  ActivationState = "activated"
	ActivationCommitted  ActivationState = "committed"
	ActivationRolledBack ActivationState = "rolled_back"
)

// Activation is derived by reading a version DID after reboot and
// comparing it against the pre-flash snapshot.
type Activation struct {
	State           ActivationState `json:"state"`
	ActiveVersion   string          `json:"active_version,omitempty"`
	PreviousVersion string          `json:"previous_version,omitempty"`
}

// DTCCategory is derived from the high bits of a DTC code's first byte.
type DTCCategory string

const (
	DTCPowertrain DTCCategory = "powertrain"
	DTCChassis    DTCCategory = "chassis"
	DTCBody       DTCCategory = "body"
	DTCNetwork    DTCCategory = "network"
)

// DTCCategoryFromCode derives the category from the top two bits of the
// first code byte, per ISO 14229.
func DTCCategoryFromCode(code [3]byte) DTCCategory {
	switch code[0] >> 6 {
	case 0:
		return DTCPowertrain
	case 1:
		return DTCChassis
	case 2:
		return DTCBody
	default:
		return DTCNetwork
	}
}

// DTCStatus is the raw ISO 14229 status-byte bit pattern. Per spec.md §9,
// OEMs disagree on the exact semantics of historical bits; this type is
// kept opaque (callers read individual bits via the Has helper) rather
// than normalized into an OEM-specific enum.
type DTCStatus uint8

const (
	DTCStatusTestFailed                 DTCStatus = 1 << 0
	DTCStatusTestFailedThisOperationCycle DTCStatus = 1 << 1
	DTCStatusPending                    DTCStatus = 1 << 2
	DTCStatusConfirmed                  DTCStatus = 1 << 3
	DTCStatusTestNotCompletedSinceClear DTCStatus = 1 << 4
	DTCStatusTestFailedSinceLastClear   DTCStatus = 1 << 5
	DTCStatusTestNotCompletedThisCycle  DTCStatus = 1 << 6
	DTCStatusWarningIndicator           DTCStatus = 1 << 7
)

func (s DTCStatus) Has(bit DTCStatus) bool { return s&bit != 0 }

// Fault is a single diagnostic trouble code as reported by read-DTC-info.
type Fault struct {
	Code      [3]byte     `json:"-"`
	CodeHex   string      `json:"code"`
	Status    DTCStatus   `json:"status"`
	Category  DTCCategory `json:"category"`
	Snapshot  []byte      `json:"snapshot,omitempty"`
	Extended  []byte      `json:"extended,omitempty"`
}

// OperationExecutionStatus is the lifecycle state of one routine-control
// invocation.
type OperationExecutionStatus string

const (
	ExecutionRunning   OperationExecutionStatus = "running"
	ExecutionCompleted OperationExecutionStatus = "completed"
	ExecutionFailed    OperationExecutionStatus = "failed"
	ExecutionStopped   OperationExecutionStatus = "stopped"
)

// Operation describes a UDS routine exposed through the backend facade.
type Operation struct {
	ID                    string  `json:"id"`
	RoutineIdentifier     RID     `json:"routine_identifier"`
	RequiredSession       Session `json:"required_session"`
	RequiredSecurityLevel int     `json:"required_security_level"`
	Description           string  `json:"description,omitempty"`
}

// OperationExecution is the handle returned by starting/polling a routine.
type OperationExecution struct {
	OperationID string                   `json:"operation_id"`
	Status      OperationExecutionStatus `json:"status"`
	ResultBytes []byte                   `json:"result_bytes,omitempty"`
}

// OutputAction selects an I/O-control-by-identifier sub-function.
type OutputAction string

const (
	OutputReturnToEcu     OutputAction = "return_to_ecu"
	OutputResetToDefault  OutputAction = "reset_to_default"
	OutputFreeze          OutputAction = "freeze"
	OutputShortTermAdjust OutputAction = "short_term_adjust"
)

// Output describes an I/O-control-by-identifier target.
type Output struct {
	ID                    string      `json:"id"`
	Identifier            DID         `json:"identifier"`
	RequiredSecurityLevel int         `json:"required_security_level"`
	DefaultValue          []byte      `json:"default_value,omitempty"`
	Definition            *Definition `json:"definition,omitempty"`
}

// IoControlResult is the response to an output-control call.
type IoControlResult struct {
	Raw     []byte      `json:"raw"`
	Decoded interface{} `json:"decoded,omitempty"`
}

// Subscription is a client's standing request for periodic data delivery.
// All ParamIDs must address a single backend.
type Subscription struct {
	ID        string     `json:"id"`
	ParamIDs  []string   `json:"param_ids"`
	RateHz    float64    `json:"rate_hz"`
	CreatedAt time.Time  `json:"created_at"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// DataPoint is one fanned-out sample delivered to subscribers.
type DataPoint struct {
	Timestamp time.Time              `json:"ts"`
	Seq       uint64                 `json:"seq"`
	Values    map[string]interface{} `json:"values"`
}

// Capability names one bit of the backend capability set (§4.4).
type Capability string

const (
	CapReadData       Capability = "read_data"
	CapWriteData      Capability = "write_data"
	CapFaults         Capability = "faults"
	CapClearFaults    Capability = "clear_faults"
	CapLogs           Capability = "logs"
	CapOperations     Capability = "operations"
	CapSoftwareUpdate Capability = "software_update"
	CapIOControl      Capability = "io_control"
	CapSessions       Capability = "sessions"
	CapSecurity       Capability = "security"
	CapSubEntities    Capability = "sub_entities"
	CapSubscriptions  Capability = "subscriptions"
)

// CapabilitySet is a bitset over Capability, cheap to OR across gateway
// children.
type CapabilitySet map[Capability]bool

// Union returns the bitwise OR of the receiver and other, per the gateway's
// capability computation (§4.7).
func (c CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	out := make(CapabilitySet, len(c)+len(other))
	for k, v := range c {
		out[k] = out[k] || v
	}
	for k, v := range other {
		out[k] = out[k] || v
	}
	return out
}

// EntityInfo identifies a backend and advertises its capability set.
type EntityInfo struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Capabilities CapabilitySet `json:"capabilities"`
}

// SoftwareInfo reports the active/previous firmware versions and bank
// identity of a backend.
type SoftwareInfo struct {
	ActiveVersion   string `json:"active_version"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Bank            string `json:"bank,omitempty"`
}
