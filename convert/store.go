// Package convert implements the conversion store (spec §4.3): a
// concurrent DID→Definition registry plus the encode/decode semantics for
// every Definition variant. Multiple readers run concurrently; writers
// never let a reader observe a partially applied update.
package convert

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
	"github.com/sovd-project/sovd-server/infrastructure/logging"
)

// Store is the concurrent DID → Definition registry.
type Store struct {
	mu   sync.RWMutex
	defs map[sovd.DID]*sovd.Definition

	logger *logging.Logger
}

// New creates an empty conversion store.
func New(logger *logging.Logger) *Store {
	return &Store{
		defs:   make(map[sovd.DID]*sovd.Definition),
		logger: logger,
	}
}

// Register associates a Definition with a DID, replacing any prior one.
func (s *Store) Register(did sovd.DID, def *sovd.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[did] = def
}

// Get returns the Definition registered for did, if any.
func (s *Store) Get(did sovd.DID) (*sovd.Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[did]
	return def, ok
}

// Remove deletes the Definition registered for did, if any.
func (s *Store) Remove(did sovd.DID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, did)
}

// Clear removes every registered Definition.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs = make(map[sovd.DID]*sovd.Definition)
}

// List returns every registered DID, in no particular order.
func (s *Store) List() []sovd.DID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sovd.DID, 0, len(s.defs))
	for did := range s.defs {
		out = append(out, did)
	}
	return out
}

// Decode converts raw DID bytes to a structured value per the registered
// Definition. A DID with no Definition decodes to the raw bytes rendered
// as a lowercase hex string, per §4.3.
func (s *Store) Decode(did sovd.DID, raw []byte) (interface{}, error) {
	def, ok := s.Get(did)
	if !ok {
		return hex.EncodeToString(raw), nil
	}

	switch def.Kind {
	case sovd.DefinitionScalar:
		return decodeScalar(def, raw)
	case sovd.DefinitionEnum:
		return decodeEnum(def, raw)
	case sovd.DefinitionBitfield:
		return decodeBitfield(def, raw)
	case sovd.DefinitionArray:
		values, err := decodeArray(def, raw)
		if err != nil {
			return nil, err
		}
		if len(def.Labels) == len(values) {
			labeled := make(map[string]float64, len(values))
			for i, v := range values {
				labeled[def.Labels[i]] = v
			}
			return labeled, nil
		}
		return values, nil
	case sovd.DefinitionMap2D:
		return decodeMap2D(def, raw)
	case sovd.DefinitionHistogram:
		return decodeHistogram(def, raw)
	case sovd.DefinitionString:
		return decodeString(def, raw)
	case sovd.DefinitionBytes:
		return append([]byte(nil), raw...), nil
	default:
		if s.logger != nil {
			s.logger.Warn(context.Background(), "conversion store: unknown definition kind, returning raw hex",
				map[string]interface{}{"did": fmt.Sprintf("0x%04X", did), "kind": def.Kind})
		}
		return hex.EncodeToString(raw), nil
	}
}

// Encode converts a structured value back to raw DID bytes. A DID with no
// registered Definition fails with InvalidRequest, per §4.3's "definition
// missing" rule.
func (s *Store) Encode(did sovd.DID, value interface{}) ([]byte, error) {
	def, ok := s.Get(did)
	if !ok {
		return nil, errors.NewInvalidRequest("did", fmt.Sprintf("no definition registered for DID 0x%04X", did))
	}

	switch def.Kind {
	case sovd.DefinitionScalar:
		v, err := asFloat64(value)
		if err != nil {
			return nil, err
		}
		return encodeScalar(def, v)
	case sovd.DefinitionEnum:
		label, ok := value.(string)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "enum value must be a string label")
		}
		return encodeEnum(def, label)
	case sovd.DefinitionBitfield:
		fields, ok := value.(map[string]uint64)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "bitfield value must be map[string]uint64")
		}
		return encodeBitfield(def, fields)
	case sovd.DefinitionArray:
		values, err := asFloat64Slice(value)
		if err != nil {
			return nil, err
		}
		return encodeArray(def, values)
	case sovd.DefinitionMap2D:
		grid, ok := value.([][]float64)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "map2d value must be [][]float64")
		}
		return encodeMap2D(def, grid)
	case sovd.DefinitionHistogram:
		counts, ok := value.([]uint64)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "histogram value must be []uint64")
		}
		return encodeHistogram(counts)
	case sovd.DefinitionString:
		str, ok := value.(string)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "string value must be a string")
		}
		return encodeString(def, str)
	case sovd.DefinitionBytes:
		b, ok := value.([]byte)
		if !ok {
			return nil, errors.NewInvalidRequest("value", "bytes value must be []byte")
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, errors.NewInternal(fmt.Sprintf("unknown definition kind %q", def.Kind), nil)
	}
}

func asFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, errors.NewInvalidRequest("value", "scalar value must be numeric")
	}
}

func asFloat64Slice(value interface{}) ([]float64, error) {
	switch v := value.(type) {
	case []float64:
		return v, nil
	case map[string]float64:
		out := make([]float64, 0, len(v))
		for _, x := range v {
			out = append(out, x)
		}
		return out, nil
	default:
		return nil, errors.NewInvalidRequest("value", "array value must be []float64")
	}
}
