// Package record provides read/write access to hierarchical key/value records
// (objects, arrays, scalars) parsed from the upstream transaction API.
//
// The rest of the engine depends only on the Node interface; Parse returns the
// JSON-backed implementation.
package record

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Node mutations.
var (
	ErrNotFound   = errors.New("record: not found")
	ErrWrongKind  = errors.New("record: wrong kind")
	ErrOutOfRange = errors.New("record: index out of range")
)

// Kind classifies a record value.
type Kind int

const (
	KindNull Kind = iota
	KindObject
	KindArray
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Node is one value inside a record tree. Children returned by Get and At
// share storage with their parent, so mutating a child mutates the tree.
type Node interface {
	Kind() Kind
	// Get returns the child stored under key of an object.
	Get(key string) (Node, bool)
	// At returns the i-th child of an array.
	At(i int) (Node, bool)
	// Count is the number of children of an object or array, 0 for scalars.
	Count() int
	// Keys returns object keys in document order.
	Keys() []string
	// Set stores v under key of an object, replacing any existing value.
	Set(key string, v any) error
	// RemoveAt deletes the i-th child of an array, shifting later entries down.
	RemoveAt(i int) error
	Str() string
	Float() float64
	Int() int64
	Marshal() ([]byte, error)
}

// ParseFunc builds a Node tree from serialized text.
type ParseFunc func([]byte) (Node, error)

// Clone copies the JSON text of n and parses the copy.
func Clone(n Node, parse ParseFunc) (Node, error) {
	if parse == nil {
		parse = Parse
	}
	data, err := n.Marshal()
	if err != nil {
		return nil, fmt.Errorf("record: clone marshal: %w", err)
	}
	c, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("record: clone parse: %w", err)
	}
	return c, nil
}

// Path follows a chain of object keys from n.
func Path(n Node, keys ...string) (Node, bool) {
	cur := n
	for _, k := range keys {
		next, ok := cur.Get(k)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Len returns the child count of n[key], or 0 when the key is missing.
func Len(n Node, key string) int {
	c, ok := n.Get(key)
	if !ok {
		return 0
	}
	return c.Count()
}

// String is Path followed by Str, "" when the path is missing.
func String(n Node, keys ...string) string {
	v, ok := Path(n, keys...)
	if !ok {
		return ""
	}
	return v.Str()
}

// Float is Path followed by Float, 0 when the path is missing.
func Float(n Node, keys ...string) float64 {
	v, ok := Path(n, keys...)
	if !ok {
		return 0
	}
	return v.Float()
}

// Int is Path followed by Int, 0 when the path is missing.
func Int(n Node, keys ...string) int64 {
	v, ok := Path(n, keys...)
	if !ok {
		return 0
	}
	return v.Int()
}
