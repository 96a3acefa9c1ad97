package convert

import (
	"reflect"
	"testing"

	"github.com/sovd-project/sovd-server/domain/sovd"
)

// TestScalarScenarioS1 reproduces spec scenario S1: DID 0xF405 defined as
// {scalar uint8, scale=1.0, offset=-40.0}. Raw response byte 0x84 (132)
// decodes to 92 and re-encodes to 0x84.
func TestScalarScenarioS1(t *testing.T) {
	store := New(nil)
	store.Register(0xF405, &sovd.Definition{
		Kind:           sovd.DefinitionScalar,
		ScalarElemType: sovd.ScalarUint8,
		Scale:          1.0,
		Offset:         -40.0,
	})

	decoded, err := store.Decode(0xF405, []byte{0x84})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded != float64(92) {
		t.Errorf("Decode() = %v, want 92", decoded)
	}

	encoded, err := store.Encode(0xF405, float64(92))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, []byte{0x84}) {
		t.Errorf("Encode() = %v, want [0x84]", encoded)
	}
}

func TestDecodeUnknownDIDReturnsHex(t *testing.T) {
	store := New(nil)
	got, err := store.Decode(0x1234, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "deadbeef" {
		t.Errorf("Decode() = %v, want deadbeef", got)
	}
}

func TestEncodeUnknownDIDFails(t *testing.T) {
	store := New(nil)
	if _, err := store.Encode(0x1234, float64(1)); err == nil {
		t.Error("Encode() with no definition should fail")
	}
}

func TestEnumRoundTrip(t *testing.T) {
	store := New(nil)
	store.Register(0x0100, &sovd.Definition{
		Kind:           sovd.DefinitionEnum,
		ScalarElemType: sovd.ScalarUint8,
		LabelMap:       map[int64]string{0: "off", 1: "on", 2: "fault"},
	})

	decoded, err := store.Decode(0x0100, []byte{0x01})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded != "on" {
		t.Errorf("Decode() = %v, want on", decoded)
	}

	encoded, err := store.Encode(0x0100, "fault")
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, []byte{0x02}) {
		t.Errorf("Encode() = %v, want [0x02]", encoded)
	}

	if _, err := store.Encode(0x0100, "unknown"); err == nil {
		t.Error("Encode() with unknown label should fail")
	}
}

func TestBitfieldRoundTrip(t *testing.T) {
	store := New(nil)
	store.Register(0x0200, &sovd.Definition{
		Kind:       sovd.DefinitionBitfield,
		ByteLength: 1,
		Fields: []sovd.BitfieldField{
			{Name: "enabled", Bit: 0, Width: 1},
			{Name: "mode", Bit: 1, Width: 2},
		},
	})

	decoded, err := store.Decode(0x0200, []byte{0b0000_0101})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	fields := decoded.(map[string]uint64)
	if fields["enabled"] != 1 {
		t.Errorf("enabled = %d, want 1", fields["enabled"])
	}
	if fields["mode"] != 2 {
		t.Errorf("mode = %d, want 2", fields["mode"])
	}

	encoded, err := store.Encode(0x0200, fields)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, []byte{0b0000_0101}) {
		t.Errorf("Encode() = %v, want [0b0101]", encoded)
	}
}

func TestArrayRoundTrip(t *testing.T) {
	store := New(nil)
	store.Register(0x0300, &sovd.Definition{
		Kind:        sovd.DefinitionArray,
		ElementType: sovd.ScalarUint8,
		Length:      3,
	})

	raw := []byte{1, 2, 3}
	decoded, err := store.Decode(0x0300, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	values := decoded.([]float64)
	want := []float64{1, 2, 3}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("Decode() = %v, want %v", values, want)
	}

	encoded, err := store.Encode(0x0300, values)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, raw) {
		t.Errorf("Encode() = %v, want %v", encoded, raw)
	}
}

func TestMap2DRoundTrip(t *testing.T) {
	store := New(nil)
	store.Register(0x0400, &sovd.Definition{
		Kind:     sovd.DefinitionMap2D,
		CellType: sovd.ScalarUint8,
		Rows:     2,
		Cols:     2,
	})

	raw := []byte{1, 2, 3, 4}
	decoded, err := store.Decode(0x0400, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	grid := decoded.([][]float64)
	want := [][]float64{{1, 2}, {3, 4}}
	if !reflect.DeepEqual(grid, want) {
		t.Errorf("Decode() = %v, want %v", grid, want)
	}

	encoded, err := store.Encode(0x0400, grid)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, raw) {
		t.Errorf("Encode() = %v, want %v", encoded, raw)
	}
}

func TestHistogramRoundTrip(t *testing.T) {
	store := New(nil)
	store.Register(0x0500, &sovd.Definition{
		Kind:     sovd.DefinitionHistogram,
		BinEdges: []float64{0, 10, 20, 30},
	})

	raw := []byte{5, 12, 3}
	decoded, err := store.Decode(0x0500, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	counts := decoded.([]uint64)
	want := []uint64{5, 12, 3}
	if !reflect.DeepEqual(counts, want) {
		t.Errorf("Decode() = %v, want %v", counts, want)
	}

	encoded, err := store.Encode(0x0500, counts)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !reflect.DeepEqual(encoded, raw) {
		t.Errorf("Encode() = %v, want %v", encoded, raw)
	}
}

func TestClearAndListAndRemove(t *testing.T) {
	store := New(nil)
	store.Register(1, &sovd.Definition{Kind: sovd.DefinitionBytes})
	store.Register(2, &sovd.Definition{Kind: sovd.DefinitionBytes})

	if len(store.List()) != 2 {
		t.Fatalf("List() length = %d, want 2", len(store.List()))
	}

	store.Remove(1)
	if len(store.List()) != 1 {
		t.Fatalf("List() length after Remove = %d, want 1", len(store.List()))
	}

	store.Clear()
	if len(store.List()) != 0 {
		t.Fatalf("List() length after Clear = %d, want 0", len(store.List()))
	}
}
