package lwm2m

import (
	"fmt"
	"slices"
	"sync"
)

// ResourceDef is one row of a Schema.
type ResourceDef struct {
	ID   ResourceID
	Name string
	Kind Kind
	Ops  Operations
}

// Schema is the static description of an object type.
type Schema struct {
	Name      string
	OID       ObjectID
	Instances []InstanceID // defaults to {1}
	Resources []ResourceDef
}

// ResourceInfo describes a declared resource and whether it currently has a value.
type ResourceInfo struct {
	ID      ResourceID
	Ops     Operations
	Present bool
}

// Snapshot is a consistent copy of the present values of one instance.
type Snapshot struct {
	OID    ObjectID
	IID    InstanceID
	Values map[ResourceID]Value
}

type slot struct {
	value   Value
	present bool
}

// Object is a schema-driven object. Reads take a shared lock and writes
// an exclusive one, so the protocol engine can read while the refresh
// scheduler writes.
type Object struct {
	schema Schema
	index  map[ResourceID]int

	mu        sync.RWMutex
	instances map[InstanceID][]slot
}

// NewObject builds an object with every resource absent. It panics if the
// schema declares a resource twice or without a kind.
func NewObject(schema Schema) *Object {
	schema.Resources = slices.Clone(schema.Resources)
	slices.SortFunc(schema.Resources, func(a, b ResourceDef) int { return int(a.ID) - int(b.ID) })
	if len(schema.Instances) == 0 {
		schema.Instances = []InstanceID{1}
	} else {
		schema.Instances = slices.Clone(schema.Instances)
		slices.Sort(schema.Instances)
		schema.Instances = slices.Compact(schema.Instances)
	}

	index := make(map[ResourceID]int, len(schema.Resources))
	for i, def := range schema.Resources {
		if _, dup := index[def.ID]; dup {
			panic(fmt.Sprintf("lwm2m: object %d declares resource %d twice", schema.OID, def.ID))
		}
		if def.Kind != KindFloat && def.Kind != KindString {
			panic(fmt.Sprintf("lwm2m: object %d resource %d has no kind", schema.OID, def.ID))
		}
		if def.Ops == 0 {
			schema.Resources[i].Ops = OpRead
		}
		index[def.ID] = i
	}

	o := &Object{
		schema:    schema,
		index:     index,
		instances: make(map[InstanceID][]slot, len(schema.Instances)),
	}
	for _, iid := range schema.Instances {
		o.instances[iid] = make([]slot, len(schema.Resources))
	}
	return o
}

func (o *Object) OID() ObjectID { return o.schema.OID }

func (o *Object) Name() string { return o.schema.Name }

func (o *Object) Schema() Schema { return o.schema }

// Instances returns the instance ids in ascending order.
func (o *Object) Instances() []InstanceID {
	return slices.Clone(o.schema.Instances)
}

// Resources lists the declared resources of an instance in ascending id
// order, with their current presence.
func (o *Object) Resources(iid InstanceID) ([]ResourceInfo, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	slots, ok := o.instances[iid]
	if !ok {
		return nil, o.instanceErr(iid)
	}
	out := make([]ResourceInfo, len(o.schema.Resources))
	for i, def := range o.schema.Resources {
		out[i] = ResourceInfo{ID: def.ID, Ops: def.Ops, Present: slots[i].present}
	}
	return out, nil
}

// Read returns the value of a resource. It fails with ErrResourceNotFound
// for an undeclared id and ErrValueNotPresent for a declared but absent one.
func (o *Object) Read(iid InstanceID, rid ResourceID) (Value, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	slots, ok := o.instances[iid]
	if !ok {
		return Value{}, o.instanceErr(iid)
	}
	i, ok := o.index[rid]
	if !ok {
		return Value{}, fmt.Errorf("%w: /%d/%d/%d", ErrResourceNotFound, o.schema.OID, iid, rid)
	}
	if !slots[i].present {
		return Value{}, fmt.Errorf("%w: /%d/%d/%d", ErrValueNotPresent, o.schema.OID, iid, rid)
	}
	return slots[i].value, nil
}

// ResetInstance marks every resource of the instance absent.
func (o *Object) ResetInstance(iid InstanceID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	slots, ok := o.instances[iid]
	if !ok {
		return o.instanceErr(iid)
	}
	clear(slots)
	return nil
}

// Set writes a single resource value.
func (o *Object) Set(iid InstanceID, rid ResourceID, v Value) error {
	return o.Update(iid, func(tx *Tx) error {
		return tx.Set(rid, v)
	})
}

// Update applies a batch of writes to one instance under the write lock.
// Readers observe either none or all of the batch; if fn returns an error
// nothing is applied.
func (o *Object) Update(iid InstanceID, fn func(tx *Tx) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	slots, ok := o.instances[iid]
	if !ok {
		return o.instanceErr(iid)
	}
	tx := &Tx{obj: o, iid: iid}
	if err := fn(tx); err != nil {
		return err
	}
	for _, w := range tx.writes {
		slots[w.index] = slot{value: w.value, present: true}
	}
	return nil
}

// Snapshot copies the present values of an instance.
func (o *Object) Snapshot(iid InstanceID) (Snapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	slots, ok := o.instances[iid]
	if !ok {
		return Snapshot{}, o.instanceErr(iid)
	}
	s := Snapshot{OID: o.schema.OID, IID: iid, Values: make(map[ResourceID]Value, len(slots))}
	for i, def := range o.schema.Resources {
		if slots[i].present {
			s.Values[def.ID] = slots[i].value
		}
	}
	return s, nil
}

func (o *Object) instanceErr(iid InstanceID) error {
	return fmt.Errorf("%w: /%d/%d", ErrInstanceNotFound, o.schema.OID, iid)
}

// Tx collects the writes of one Update call.
type Tx struct {
	obj    *Object
	iid    InstanceID
	writes []pendingWrite
}

type pendingWrite struct {
	index int
	value Value
}

// Set stages a write. The value kind must match the schema.
func (tx *Tx) Set(rid ResourceID, v Value) error {
	i, ok := tx.obj.index[rid]
	if !ok {
		return fmt.Errorf("%w: /%d/%d/%d", ErrResourceNotFound, tx.obj.schema.OID, tx.iid, rid)
	}
	if want := tx.obj.schema.Resources[i].Kind; v.Kind() != want {
		return fmt.Errorf("%w: /%d/%d/%d wants %s, got %s", ErrKindMismatch, tx.obj.schema.OID, tx.iid, rid, want, v.Kind())
	}
	tx.writes = append(tx.writes, pendingWrite{index: i, value: v})
	return nil
}
