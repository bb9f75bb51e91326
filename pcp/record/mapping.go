// Package record maps typed Go structs onto the untyped atom.Atom tree
// (pcp/atom), generalizing the repository's original serde-derive-based
// schema layer into a single reflection-driven mapper. Each well-known
// record names its own root identifier; struct tags name each field's
// atom identifier, support optional fields via pointers, and support
// "grouped atoms" — a slice of a tuple struct whose tag lists N
// identifiers consumed N-at-a-time from consecutive children.
//
// This is the typed surface of C2; the rewriter (proxy/atomrewrite) uses
// the untyped atom.Atom tree directly since it must walk structures whose
// shape isn't known until it inspects the identifier.
package record

import (
	"net"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/progre/peercastpcp/pcp/atom"
	"github.com/progre/peercastpcp/pcperr"
)

// Record is implemented by every well-known typed record. It names the
// atom identifier the record maps to (e.g. Helo.RecordIdentifier()
// returns atom.HELO), so the mapper never has to guess a root from a Go
// type name.
type Record interface {
	RecordIdentifier() atom.Identifier
}

var ipType = reflect.TypeOf(net.IP{})

// Marshal encodes v, a pointer to a Record-implementing struct, into a
// parent atom named after v's root identifier.
func Marshal(v Record) (*atom.Parent, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errors.Wrap(pcperr.ErrUnsupportedStructure, "record value must be a struct")
	}
	parent := &atom.Parent{Identifier: v.RecordIdentifier()}
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("atom")
		if tag == "" {
			continue
		}
		idents := strings.Split(tag, ",")
		children, err := marshalField(idents, rv.Field(i))
		if err != nil {
			return nil, errors.Wrapf(err, "field %s", t.Field(i).Name)
		}
		parent.Children = append(parent.Children, children...)
	}
	return parent, nil
}

// Unmarshal decodes a (which must be a Parent whose identifier matches
// dst's root identifier) into dst, a pointer to a Record-implementing
// struct. Required (non-pointer) fields missing their matching child are
// a decode error; optional (pointer) fields are left nil.
func Unmarshal(a atom.Atom, dst Record) error {
	parent, ok := a.(*atom.Parent)
	if !ok {
		return errors.Wrapf(pcperr.ErrDecodeMismatch, "expected parent atom for %s", dst.RecordIdentifier())
	}
	if parent.Identifier != dst.RecordIdentifier() {
		return errors.Wrapf(pcperr.ErrDecodeMismatch, "identifier mismatch: got %q want %q",
			parent.Identifier, dst.RecordIdentifier())
	}
	rv := reflect.ValueOf(dst).Elem()
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("atom")
		if tag == "" {
			continue
		}
		idents := strings.Split(tag, ",")
		fv := rv.Field(i)
		if len(idents) > 1 {
			if err := unmarshalGroup(idents, fv, parent.Children); err != nil {
				return errors.Wrapf(err, "field %s", t.Field(i).Name)
			}
			continue
		}
		id := atom.NewIdentifier(idents[0])
		child := findChild(parent.Children, id)
		if child == nil {
			if fv.Kind() == reflect.Ptr {
				continue
			}
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "missing required child %q", id)
		}
		if err := unmarshalField(fv, child); err != nil {
			return errors.Wrapf(err, "field %s", t.Field(i).Name)
		}
	}
	return nil
}

func findChild(children []atom.Atom, id atom.Identifier) atom.Atom {
	for _, c := range children {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// marshalField encodes one struct field into zero or more atoms: zero if
// it is a nil optional field, one for a scalar or nested record, or many
// for a grouped-atom slice.
func marshalField(idents []string, fv reflect.Value) ([]atom.Atom, error) {
	if fv.Kind() == reflect.Ptr && fv.IsNil() {
		return nil, nil
	}
	if len(idents) > 1 {
		return marshalGroup(idents, fv)
	}
	id := atom.NewIdentifier(idents[0])

	if rec, ok := fv.Interface().(Record); ok {
		nested, err := Marshal(rec)
		if err != nil {
			return nil, err
		}
		return []atom.Atom{nested}, nil
	}
	target := fv
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	a, err := marshalScalar(id, target)
	if err != nil {
		return nil, err
	}
	return []atom.Atom{a}, nil
}

func marshalGroup(idents []string, fv reflect.Value) ([]atom.Atom, error) {
	if fv.Kind() != reflect.Slice {
		return nil, errors.Wrap(pcperr.ErrUnsupportedStructure, "grouped atom field must be a slice")
	}
	tupleType := fv.Type().Elem()
	if tupleType.Kind() != reflect.Struct || tupleType.NumField() != len(idents) {
		return nil, errors.Wrap(pcperr.ErrUnsupportedStructure, "grouped atom arity mismatch")
	}
	var out []atom.Atom
	for i := 0; i < fv.Len(); i++ {
		elem := fv.Index(i)
		for j, s := range idents {
			a, err := marshalScalar(atom.NewIdentifier(s), elem.Field(j))
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

func marshalScalar(id atom.Identifier, fv reflect.Value) (atom.Atom, error) {
	switch {
	case fv.Type() == ipType:
		return atom.ChildIP(id, fv.Interface().(net.IP)), nil
	case fv.Kind() == reflect.String:
		return atom.ChildString(id, fv.String()), nil
	case fv.Kind() == reflect.Uint8:
		return atom.ChildU8(id, uint8(fv.Uint())), nil
	case fv.Kind() == reflect.Uint16:
		return atom.ChildU16(id, uint16(fv.Uint())), nil
	case fv.Kind() == reflect.Uint32:
		return atom.ChildU32(id, uint32(fv.Uint())), nil
	case fv.Kind() == reflect.Array && fv.Type().Elem().Kind() == reflect.Uint8 && fv.Len() == 16:
		b := make([]byte, 16)
		reflect.Copy(reflect.ValueOf(b), fv)
		return atom.ChildID16(id, b), nil
	case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8:
		return atom.NewChild(id, fv.Bytes()), nil
	default:
		return nil, errors.Wrapf(pcperr.ErrUnsupportedStructure, "unmappable field type %s", fv.Type())
	}
}

func unmarshalField(fv reflect.Value, a atom.Atom) error {
	if fv.Kind() == reflect.Ptr {
		elemType := fv.Type().Elem()
		ptr := reflect.New(elemType)
		if rec, ok := ptr.Interface().(Record); ok {
			if err := Unmarshal(a, rec); err != nil {
				return err
			}
			fv.Set(ptr)
			return nil
		}
		c, ok := a.(*atom.Child)
		if !ok {
			return errors.Wrap(pcperr.ErrDecodeMismatch, "expected child atom")
		}
		if err := unmarshalScalar(ptr.Elem(), c); err != nil {
			return err
		}
		fv.Set(ptr)
		return nil
	}
	if rec, ok := fv.Addr().Interface().(Record); ok {
		return Unmarshal(a, rec)
	}
	c, ok := a.(*atom.Child)
	if !ok {
		return errors.Wrap(pcperr.ErrDecodeMismatch, "expected child atom")
	}
	return unmarshalScalar(fv, c)
}

func unmarshalScalar(fv reflect.Value, c *atom.Child) error {
	switch {
	case fv.Type() == ipType:
		if len(c.Payload) != net.IPv4len && len(c.Payload) != net.IPv6len {
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "invalid IP payload width %d", len(c.Payload))
		}
		fv.Set(reflect.ValueOf(c.IP()))
	case fv.Kind() == reflect.String:
		fv.SetString(c.String())
	case fv.Kind() == reflect.Uint8:
		if len(c.Payload) != 1 {
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "invalid u8 payload width %d", len(c.Payload))
		}
		fv.SetUint(uint64(c.U8()))
	case fv.Kind() == reflect.Uint16:
		if len(c.Payload) != 2 {
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "invalid u16 payload width %d", len(c.Payload))
		}
		fv.SetUint(uint64(c.U16()))
	case fv.Kind() == reflect.Uint32:
		if len(c.Payload) != 4 {
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "invalid u32 payload width %d", len(c.Payload))
		}
		fv.SetUint(uint64(c.U32()))
	case fv.Kind() == reflect.Array && fv.Type().Elem().Kind() == reflect.Uint8 && fv.Len() == 16:
		if len(c.Payload) != 16 {
			return errors.Wrapf(pcperr.ErrDecodeMismatch, "invalid 16-byte id width %d", len(c.Payload))
		}
		reflect.Copy(fv, reflect.ValueOf(c.Payload))
	case fv.Kind() == reflect.Slice && fv.Type().Elem().Kind() == reflect.Uint8:
		b := make([]byte, len(c.Payload))
		copy(b, c.Payload)
		fv.SetBytes(b)
	default:
		return errors.Wrapf(pcperr.ErrUnsupportedStructure, "unmappable field type %s", fv.Type())
	}
	return nil
}

// unmarshalGroup scans children for every run of len(idents) consecutive
// children matching idents in order, decoding each run into one element
// of the destination slice. Non-matching children are skipped rather
// than treated as errors, so a grouped field can coexist with unrelated
// siblings in the same parent.
func unmarshalGroup(idents []string, fv reflect.Value, children []atom.Atom) error {
	if fv.Kind() != reflect.Slice {
		return errors.Wrap(pcperr.ErrUnsupportedStructure, "grouped atom field must be a slice")
	}
	tupleType := fv.Type().Elem()
	if tupleType.Kind() != reflect.Struct || tupleType.NumField() != len(idents) {
		return errors.Wrap(pcperr.ErrUnsupportedStructure, "grouped atom arity mismatch")
	}
	wantIDs := make([]atom.Identifier, len(idents))
	for i, s := range idents {
		wantIDs[i] = atom.NewIdentifier(s)
	}

	out := reflect.MakeSlice(fv.Type(), 0, 0)
	i := 0
	for i+len(wantIDs) <= len(children) {
		matched := true
		for j, id := range wantIDs {
			c, ok := children[i+j].(*atom.Child)
			if !ok || c.Identifier != id {
				matched = false
				break
			}
		}
		if !matched {
			i++
			continue
		}
		elem := reflect.New(tupleType).Elem()
		for j := range wantIDs {
			c := children[i+j].(*atom.Child)
			if err := unmarshalScalar(elem.Field(j), c); err != nil {
				return err
			}
		}
		out = reflect.Append(out, elem)
		i += len(wantIDs)
	}
	fv.Set(out)
	return nil
}
