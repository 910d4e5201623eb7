package record

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// doc owns the raw JSON text every node of one record reads and edits.
type doc struct{ raw []byte }

// jsonNode addresses one value inside a doc by its gjson path. The empty
// path is the document root.
type jsonNode struct {
	d    *doc
	path string
}

var _ Node = (*jsonNode)(nil)

// Parse wraps JSON text in a Node. The text is copied and kept verbatim, so
// Marshal reproduces the original layout and key order.
func Parse(data []byte) (Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("record: parse: invalid JSON")
	}
	return &jsonNode{d: &doc{raw: bytes.Clone(data)}}, nil
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) Node {
	n, err := Parse([]byte(s))
	if err != nil {
		panic(err)
	}
	return n
}

// pathSpecial lists the characters gjson and sjson treat as path syntax.
const pathSpecial = `\.*?|#@!:=<>%"`

func escapeKey(key string) string {
	if !strings.ContainsAny(key, pathSpecial) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(pathSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (n *jsonNode) child(comp string) string {
	if n.path == "" {
		return comp
	}
	return n.path + "." + comp
}

func (n *jsonNode) result() gjson.Result {
	if n.path == "" {
		return gjson.ParseBytes(n.d.raw)
	}
	return gjson.GetBytes(n.d.raw, n.path)
}

func (n *jsonNode) Kind() Kind {
	r := n.result()
	switch r.Type {
	case gjson.True, gjson.False:
		return KindBool
	case gjson.Number:
		return KindNumber
	case gjson.String:
		return KindString
	case gjson.JSON:
		if r.IsArray() {
			return KindArray
		}
		return KindObject
	default:
		return KindNull
	}
}

func (n *jsonNode) Get(key string) (Node, bool) {
	if n.Kind() != KindObject {
		return nil, false
	}
	p := n.child(escapeKey(key))
	if !gjson.GetBytes(n.d.raw, p).Exists() {
		return nil, false
	}
	return &jsonNode{d: n.d, path: p}, true
}

func (n *jsonNode) At(i int) (Node, bool) {
	if n.Kind() != KindArray || i < 0 || i >= n.Count() {
		return nil, false
	}
	return &jsonNode{d: n.d, path: n.child(strconv.Itoa(i))}, true
}

func (n *jsonNode) Count() int {
	r := n.result()
	if !r.IsObject() && !r.IsArray() {
		return 0
	}
	c := 0
	r.ForEach(func(_, _ gjson.Result) bool {
		c++
		return true
	})
	return c
}

func (n *jsonNode) Keys() []string {
	r := n.result()
	if !r.IsObject() {
		return nil
	}
	var keys []string
	r.ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	return keys
}

func (n *jsonNode) Set(key string, x any) error {
	if k := n.Kind(); k != KindObject {
		return fmt.Errorf("set %q on %s: %w", key, k, ErrWrongKind)
	}
	p := n.child(escapeKey(key))
	var (
		raw []byte
		err error
	)
	switch t := x.(type) {
	case Node:
		var data []byte
		if data, err = t.Marshal(); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
		raw, err = sjson.SetRawBytes(n.d.raw, p, data)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("set %q: unsupported float %v", key, t)
		}
		raw, err = sjson.SetBytes(n.d.raw, p, t)
	default:
		raw, err = sjson.SetBytes(n.d.raw, p, x)
	}
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	n.d.raw = raw
	return nil
}

func (n *jsonNode) RemoveAt(i int) error {
	if k := n.Kind(); k != KindArray {
		return fmt.Errorf("remove %d on %s: %w", i, k, ErrWrongKind)
	}
	if c := n.Count(); i < 0 || i >= c {
		return fmt.Errorf("remove %d of %d: %w", i, c, ErrOutOfRange)
	}
	raw, err := sjson.DeleteBytes(n.d.raw, n.child(strconv.Itoa(i)))
	if err != nil {
		return fmt.Errorf("remove %d: %w", i, err)
	}
	n.d.raw = raw
	return nil
}

func (n *jsonNode) Str() string {
	r := n.result()
	switch r.Type {
	case gjson.String:
		return r.Str
	case gjson.Number:
		return r.Raw
	case gjson.True, gjson.False:
		return strconv.FormatBool(r.Bool())
	default:
		return ""
	}
}

func (n *jsonNode) Float() float64 {
	switch r := n.result(); r.Type {
	case gjson.Number, gjson.String, gjson.True:
		return r.Float()
	}
	return 0
}

func (n *jsonNode) Int() int64 {
	switch r := n.result(); r.Type {
	case gjson.Number, gjson.String, gjson.True:
		return r.Int()
	}
	return 0
}

// Marshal returns a copy of the JSON text of this value.
func (n *jsonNode) Marshal() ([]byte, error) {
	if n.path == "" {
		return bytes.Clone(n.d.raw), nil
	}
	r := n.result()
	if !r.Exists() {
		return nil, fmt.Errorf("marshal %s: %w", n.path, ErrNotFound)
	}
	return []byte(r.Raw), nil
}

// String renders the record as JSON text, or "" if it cannot be encoded.
func (n *jsonNode) String() string {
	b, err := n.Marshal()
	if err != nil {
		return ""
	}
	return string(b)
}
