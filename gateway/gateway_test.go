package gateway

import (
	"context"
	"testing"

	"github.com/sovd-project/sovd-server/backend"
	"github.com/sovd-project/sovd-server/domain/sovd"
)

// fakeBackend is a minimal in-memory backend.Backend for gateway tests.
type fakeBackend struct {
	backend.Unimplemented
	id     string
	values map[string]interface{}
	faults []sovd.Fault
}

func (f *fakeBackend) EntityInfo(ctx context.Context) (*sovd.EntityInfo, error) {
	return &sovd.EntityInfo{ID: f.id, Capabilities: f.Capabilities()}, nil
}
func (f *fakeBackend) Capabilities() sovd.CapabilitySet {
	return sovd.CapabilitySet{sovd.CapReadData: true}
}
func (f *fakeBackend) ReadData(ctx context.Context, paramID string) (interface{}, error) {
	return f.values[paramID], nil
}
func (f *fakeBackend) ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(paramIDs))
	for _, id := range paramIDs {
		out[id] = f.values[id]
	}
	return out, nil
}
func (f *fakeBackend) ListFaults(ctx context.Context) ([]sovd.Fault, error) {
	return f.faults, nil
}

// TestGatewayScenarioS5 reproduces spec scenario S5: a gateway composing
// two ECU children, reading one parameter from each in a single call and
// listing faults tagged by child.
func TestGatewayScenarioS5(t *testing.T) {
	gw := New("vehicle-gw", "Vehicle Gateway")
	gw.AddChild("bcm", &fakeBackend{id: "bcm", values: map[string]interface{}{"door_status": "closed"}})
	gw.AddChild("ecm", &fakeBackend{id: "ecm", values: map[string]interface{}{"rpm": float64(850)},
		faults: []sovd.Fault{{CodeHex: "012345", Category: sovd.DTCPowertrain}}})

	results, err := gw.ReadMany(context.Background(), []string{"bcm.door_status", "ecm.rpm"})
	if err != nil {
		t.Fatalf("ReadMany() error = %v", err)
	}
	if results["bcm.door_status"] != "closed" {
		t.Errorf("bcm.door_status = %v, want closed", results["bcm.door_status"])
	}
	if results["ecm.rpm"] != float64(850) {
		t.Errorf("ecm.rpm = %v, want 850", results["ecm.rpm"])
	}

	faults, err := gw.ListFaults(context.Background())
	if err != nil {
		t.Fatalf("ListFaults() error = %v", err)
	}
	if len(faults) != 1 || faults[0].CodeHex != "ecm:012345" {
		t.Fatalf("faults = %+v, want one fault tagged ecm:012345", faults)
	}
}

func TestGatewayCapabilitiesUnion(t *testing.T) {
	gw := New("vehicle-gw", "Vehicle Gateway")
	gw.AddChild("bcm", &fakeBackend{id: "bcm"})
	gw.AddChild("ecm", &fakeBackend{id: "ecm"})

	caps := gw.Capabilities()
	if !caps[sovd.CapReadData] {
		t.Error("expected CapReadData in unioned capabilities")
	}
	if !caps[sovd.CapSubEntities] {
		t.Error("expected CapSubEntities on any gateway")
	}
}

func TestGatewayListSubEntities(t *testing.T) {
	gw := New("vehicle-gw", "Vehicle Gateway")
	gw.AddChild("bcm", &fakeBackend{id: "bcm"})
	gw.AddChild("ecm", &fakeBackend{id: "ecm"})

	entities, err := gw.ListSubEntities(context.Background())
	if err != nil {
		t.Fatalf("ListSubEntities() error = %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("len(entities) = %d, want 2", len(entities))
	}
}

func TestGatewayReadDataUnprefixedFails(t *testing.T) {
	gw := New("vehicle-gw", "Vehicle Gateway")
	gw.AddChild("bcm", &fakeBackend{id: "bcm", values: map[string]interface{}{"x": 1}})

	if _, err := gw.ReadData(context.Background(), "door_status"); err == nil {
		t.Error("expected error for an unprefixed paramID")
	}
}

func TestGatewayNesting(t *testing.T) {
	inner := New("body-gw", "Body Gateway")
	inner.AddChild("bcm", &fakeBackend{id: "bcm", values: map[string]interface{}{"x": 1}})

	outer := New("vehicle-gw", "Vehicle Gateway")
	outer.AddChild("body", inner)

	v, err := outer.ReadData(context.Background(), "body.bcm.x")
	if err != nil {
		t.Fatalf("ReadData() error = %v", err)
	}
	if v != 1 {
		t.Errorf("ReadData() = %v, want 1", v)
	}
}
