package main

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc"
	"github.com/vkngwrapper/suballoc/memutils"
)

const (
	opAlloc = "alloc"
	opFree  = "free"
)

// traceOp is one step of an allocation trace:
//
//	{"op":"alloc","id":"vertices","size":4096,"align":256}
//	{"op":"free","id":"vertices"}
type traceOp struct {
	Op    string
	ID    string
	Size  int
	Align uint
}

// parseTrace reads a json array of trace operations. A missing alignment means 1.
func parseTrace(data []byte) ([]traceOp, error) {
	var ops []traceOp

	r := jreader.NewReader(data)
	for arr := r.Array(); arr.Next(); {
		op := traceOp{Align: 1}
		for obj := r.Object(); obj.Next(); {
			switch string(obj.Name()) {
			case "op":
				op.Op = r.String()
			case "id":
				op.ID = r.String()
			case "size":
				op.Size = r.Int()
			case "align":
				op.Align = uint(r.Int())
			}
		}
		ops = append(ops, op)
	}
	if err := r.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to parse trace")
	}

	for index, op := range ops {
		if op.ID == "" {
			return nil, errors.Newf("trace operation %d has no id", index)
		}

		switch op.Op {
		case opAlloc, opFree:
		default:
			return nil, errors.Newf("trace operation %d has unknown op %q", index, op.Op)
		}
	}

	return ops, nil
}

// writeTrace produces a trace that parseTrace accepts
func writeTrace(ops []traceOp) ([]byte, error) {
	writer := jwriter.NewWriter()

	arr := writer.Array()
	for _, op := range ops {
		obj := arr.Object()
		obj.Name("op").String(op.Op)
		obj.Name("id").String(op.ID)
		if op.Op == opAlloc {
			obj.Name("size").Int(op.Size)
			obj.Name("align").Int(int(op.Align))
		}
		obj.End()
	}
	arr.End()

	if err := writer.Error(); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

// simulator applies trace operations to a collection, tracking live allocations by id
type simulator struct {
	collection *suballoc.Collection
	validate   bool
	live       map[string]suballoc.Allocation

	allocCount   int
	freeCount    int
	failureCount int
}

func newSimulator(collection *suballoc.Collection, validate bool) *simulator {
	return &simulator{
		collection: collection,
		validate:   validate,
		live:       make(map[string]suballoc.Allocation),
	}
}

// apply runs a single operation. Allocations the collection cannot satisfy are counted as failures
// rather than returned, since running out of memory is an expected outcome of a simulation.
func (s *simulator) apply(op traceOp) error {
	switch op.Op {
	case opAlloc:
		if _, exists := s.live[op.ID]; exists {
			return errors.Newf("allocation %q is already live", op.ID)
		}

		alloc, err := s.collection.Allocate(op.Size, op.Align, op.ID)
		if errors.Is(err, memutils.ErrOutOfMemory) || errors.Is(err, memutils.ErrRequestTooLarge) {
			s.failureCount++
			return nil
		} else if err != nil {
			return errors.Wrapf(err, "failed to allocate %q", op.ID)
		}

		s.live[op.ID] = alloc
		s.allocCount++
	case opFree:
		alloc, exists := s.live[op.ID]
		if !exists {
			return errors.Newf("allocation %q is not live", op.ID)
		}

		err := s.collection.Free(alloc)
		if err != nil {
			return errors.Wrapf(err, "failed to free %q", op.ID)
		}

		delete(s.live, op.ID)
		s.freeCount++
	default:
		return errors.Newf("unknown op %q", op.Op)
	}

	if s.validate {
		err := s.collection.Validate()
		if err != nil {
			return errors.Wrapf(err, "collection failed validation after %s of %q", op.Op, op.ID)
		}
	}

	return nil
}

func (s *simulator) run(ops []traceOp) error {
	for index, op := range ops {
		err := s.apply(op)
		if err != nil {
			return errors.Wrapf(err, "trace operation %d", index)
		}
	}

	return nil
}

// liveIDs returns the ids of every live allocation in sorted order
func (s *simulator) liveIDs() []string {
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// finish frees every allocation still live and destroys the collection
func (s *simulator) finish() error {
	for _, id := range s.liveIDs() {
		err := s.apply(traceOp{Op: opFree, ID: id})
		if err != nil {
			return err
		}
	}

	return s.collection.Destroy()
}
