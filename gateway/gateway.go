// Package gateway implements the gateway facade (spec §4.7): a Backend
// that composes several child backends under one address space, routing
// by a "<child_id>.<rest>" prefix and unioning their capabilities. A
// gateway is itself a backend.Backend, so gateways nest.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sovd-project/sovd-server/backend"
	"github.com/sovd-project/sovd-server/domain/sovd"
	"github.com/sovd-project/sovd-server/infrastructure/errors"
)

const prefixSeparator = "."

// Gateway composes child backends. Session, security, link, reset,
// flash, and package operations are scoped to one entity's own address
// and are not aggregated here — a client reaches them by addressing the
// child directly. Gateway implements the entity-spanning operations:
// read/write data, faults, operations, outputs, entity info, and
// sub-entity listing.
type Gateway struct {
	backend.Unimplemented

	id   string
	name string

	mu       sync.RWMutex
	children map[string]backend.Backend
	order    []string
}

// New constructs an empty Gateway.
func New(id, name string) *Gateway {
	return &Gateway{id: id, name: name, children: make(map[string]backend.Backend)}
}

// AddChild registers a child backend under childID. Replacing an
// existing id's backend is allowed (hot-swap), but does not change its
// position in ListSubEntities' ordering.
func (g *Gateway) AddChild(childID string, b backend.Backend) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.children[childID]; !exists {
		g.order = append(g.order, childID)
	}
	g.children[childID] = b
}

func (g *Gateway) child(childID string) (backend.Backend, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.children[childID]
	if !ok {
		return nil, errors.NotFound(errors.EntityNotFound, "child", childID)
	}
	return b, nil
}

// split divides a prefixed id into its child id and the remainder
// addressed within that child.
func split(id string) (childID, rest string, err error) {
	idx := strings.Index(id, prefixSeparator)
	if idx <= 0 || idx == len(id)-1 {
		return "", "", errors.NewInvalidRequest("id", fmt.Sprintf("%q is not prefixed with a child id", id))
	}
	return id[:idx], id[idx+1:], nil
}

func prefixed(childID, id string) string {
	return childID + prefixSeparator + id
}

// EntityInfo implements backend.Backend: the gateway's own identity and
// its union of every child's capabilities.
func (g *Gateway) EntityInfo(ctx context.Context) (*sovd.EntityInfo, error) {
	return &sovd.EntityInfo{ID: g.id, Name: g.name, Capabilities: g.Capabilities()}, nil
}

// Capabilities implements backend.Backend as the bitwise-OR of every
// child's capability set, per §4.7.
func (g *Gateway) Capabilities() sovd.CapabilitySet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := sovd.CapabilitySet{sovd.CapSubEntities: true}
	for _, b := range g.children {
		out = out.Union(b.Capabilities())
	}
	return out
}

// ListSubEntities implements backend.Backend: one EntityInfo per direct
// child, in registration order. A child that is itself a Gateway appears
// as one entry here — its own children are reached by a further
// ListSubEntities call against it, not flattened into this list.
func (g *Gateway) ListSubEntities(ctx context.Context) ([]sovd.EntityInfo, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	children := make(map[string]backend.Backend, len(g.children))
	for k, v := range g.children {
		children[k] = v
	}
	g.mu.RUnlock()

	out := make([]sovd.EntityInfo, 0, len(order))
	for _, id := range order {
		info, err := children[id].EntityInfo(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, *info)
	}
	return out, nil
}

// ListParameters implements backend.Backend, prefixing every child's
// parameter ids with "<child_id>.".
func (g *Gateway) ListParameters(ctx context.Context) ([]sovd.ParameterInfo, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	children := make(map[string]backend.Backend, len(g.children))
	for k, v := range g.children {
		children[k] = v
	}
	g.mu.RUnlock()

	var out []sovd.ParameterInfo
	for _, id := range order {
		params, err := children[id].ListParameters(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range params {
			p.ID = prefixed(id, p.ID)
			out = append(out, p)
		}
	}
	return out, nil
}

// ReadData implements backend.Backend by routing to the prefixed child.
func (g *Gateway) ReadData(ctx context.Context, paramID string) (interface{}, error) {
	childID, rest, err := split(paramID)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	return b.ReadData(ctx, rest)
}

// ReadMany implements backend.Backend by grouping paramIDs per child and
// issuing one ReadMany call per child concurrently (§4.7's parallel
// per-child read fan-out).
func (g *Gateway) ReadMany(ctx context.Context, paramIDs []string) (map[string]interface{}, error) {
	byChild := make(map[string][]string)
	restByChildAndID := make(map[string]map[string]string) // childID -> rest -> original paramID
	for _, id := range paramIDs {
		childID, rest, err := split(id)
		if err != nil {
			return nil, err
		}
		byChild[childID] = append(byChild[childID], rest)
		if restByChildAndID[childID] == nil {
			restByChildAndID[childID] = make(map[string]string)
		}
		restByChildAndID[childID][rest] = id
	}

	var mu sync.Mutex
	out := make(map[string]interface{}, len(paramIDs))

	grp, gctx := errgroup.WithContext(ctx)
	for childID, rests := range byChild {
		childID, rests := childID, rests
		grp.Go(func() error {
			b, err := g.child(childID)
			if err != nil {
				return err
			}
			values, err := b.ReadMany(gctx, rests)
			if err != nil {
				return err
			}
			mu.Lock()
			for rest, v := range values {
				out[restByChildAndID[childID][rest]] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteData implements backend.Backend by routing to the prefixed child.
func (g *Gateway) WriteData(ctx context.Context, paramID string, value interface{}) error {
	childID, rest, err := split(paramID)
	if err != nil {
		return err
	}
	b, err := g.child(childID)
	if err != nil {
		return err
	}
	return b.WriteData(ctx, rest, value)
}

// ListFaults implements backend.Backend by gathering every child's
// faults in parallel, tagging each CodeHex with its originating child id
// so codes that collide across children stay distinguishable.
func (g *Gateway) ListFaults(ctx context.Context) ([]sovd.Fault, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	children := make(map[string]backend.Backend, len(g.children))
	for k, v := range g.children {
		children[k] = v
	}
	g.mu.RUnlock()

	results := make([][]sovd.Fault, len(order))
	grp, gctx := errgroup.WithContext(ctx)
	for i, id := range order {
		i, id := i, id
		grp.Go(func() error {
			faults, err := children[id].ListFaults(gctx)
			if err != nil {
				return err
			}
			tagged := make([]sovd.Fault, len(faults))
			for j, f := range faults {
				f.CodeHex = id + ":" + f.CodeHex
				tagged[j] = f
			}
			results[i] = tagged
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	var out []sovd.Fault
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// FaultDetail implements backend.Backend: codeHex must be the
// child-tagged form ListFaults produced ("<child_id>:<code>").
func (g *Gateway) FaultDetail(ctx context.Context, codeHex string) (*sovd.Fault, error) {
	childID, code, err := splitTag(codeHex)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	f, err := b.FaultDetail(ctx, code)
	if err != nil {
		return nil, err
	}
	f.CodeHex = codeHex
	return f, nil
}

func splitTag(tagged string) (childID, rest string, err error) {
	idx := strings.Index(tagged, ":")
	if idx <= 0 {
		return "", "", errors.NewInvalidRequest("code", fmt.Sprintf("%q is not a child-tagged fault code", tagged))
	}
	return tagged[:idx], tagged[idx+1:], nil
}

// ClearFaults implements backend.Backend by clearing every child in
// parallel.
func (g *Gateway) ClearFaults(ctx context.Context) error {
	g.mu.RLock()
	children := make([]backend.Backend, 0, len(g.children))
	for _, b := range g.children {
		children = append(children, b)
	}
	g.mu.RUnlock()

	grp, gctx := errgroup.WithContext(ctx)
	for _, b := range children {
		b := b
		grp.Go(func() error { return b.ClearFaults(gctx) })
	}
	return grp.Wait()
}

// ListOperations implements backend.Backend, prefixing operation ids.
func (g *Gateway) ListOperations(ctx context.Context) ([]sovd.Operation, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	children := make(map[string]backend.Backend, len(g.children))
	for k, v := range g.children {
		children[k] = v
	}
	g.mu.RUnlock()

	var out []sovd.Operation
	for _, id := range order {
		ops, err := children[id].ListOperations(ctx)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			op.ID = prefixed(id, op.ID)
			out = append(out, op)
		}
	}
	return out, nil
}

// ExecuteOperation implements backend.Backend by routing to the
// prefixed child.
func (g *Gateway) ExecuteOperation(ctx context.Context, operationID string, data []byte) (*sovd.OperationExecution, error) {
	childID, rest, err := split(operationID)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	exec, err := b.ExecuteOperation(ctx, rest, data)
	if exec != nil {
		exec.OperationID = operationID
	}
	return exec, err
}

// OperationStatus implements backend.Backend by routing to the
// prefixed child.
func (g *Gateway) OperationStatus(ctx context.Context, operationID string) (*sovd.OperationExecution, error) {
	childID, rest, err := split(operationID)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	exec, err := b.OperationStatus(ctx, rest)
	if exec != nil {
		exec.OperationID = operationID
	}
	return exec, err
}

// StopOperation implements backend.Backend by routing to the prefixed
// child.
func (g *Gateway) StopOperation(ctx context.Context, operationID string) error {
	childID, rest, err := split(operationID)
	if err != nil {
		return err
	}
	b, err := g.child(childID)
	if err != nil {
		return err
	}
	return b.StopOperation(ctx, rest)
}

// ListOutputs implements backend.Backend, prefixing output ids.
func (g *Gateway) ListOutputs(ctx context.Context) ([]sovd.Output, error) {
	g.mu.RLock()
	order := append([]string(nil), g.order...)
	children := make(map[string]backend.Backend, len(g.children))
	for k, v := range g.children {
		children[k] = v
	}
	g.mu.RUnlock()

	var out []sovd.Output
	for _, id := range order {
		outputs, err := children[id].ListOutputs(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range outputs {
			o.ID = prefixed(id, o.ID)
			out = append(out, o)
		}
	}
	return out, nil
}

// GetOutput implements backend.Backend by routing to the prefixed child.
func (g *Gateway) GetOutput(ctx context.Context, outputID string) (*sovd.Output, error) {
	childID, rest, err := split(outputID)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	o, err := b.GetOutput(ctx, rest)
	if o != nil {
		o.ID = outputID
	}
	return o, err
}

// ControlOutput implements backend.Backend by routing to the prefixed
// child.
func (g *Gateway) ControlOutput(ctx context.Context, outputID string, action sovd.OutputAction, value []byte) (*sovd.IoControlResult, error) {
	childID, rest, err := split(outputID)
	if err != nil {
		return nil, err
	}
	b, err := g.child(childID)
	if err != nil {
		return nil, err
	}
	return b.ControlOutput(ctx, rest, action, value)
}

var _ backend.Backend = (*Gateway)(nil)
