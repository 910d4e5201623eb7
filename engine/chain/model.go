// Package chain defines the graph entities built from blockchain data:
// address and transaction nodes, and the spend edges linking them.
package chain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Epsilon is the threshold at or below which a monetary value is treated as
// unknown rather than zero, absorbing floating point noise.
const Epsilon = 0.000001

// NodeType tags which payload a Node carries.
type NodeType int

const (
	NodeUnknown NodeType = iota
	NodeAddress
	NodeTransaction
)

func (t NodeType) String() string {
	switch t {
	case NodeAddress:
		return "Addr"
	case NodeTransaction:
		return "Tx"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t NodeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *NodeType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Addr":
		*t = NodeAddress
	case "Tx":
		*t = NodeTransaction
	case "Unknown", "":
		*t = NodeUnknown
	default:
		return fmt.Errorf("chain: unknown node type %q", b)
	}
	return nil
}

// EdgeType is the spend relationship an edge represents.
type EdgeType int

const (
	EdgeUnknown EdgeType = iota
	EdgeInput
	EdgeOutput
	// EdgeMixed links a node pair through both an input and an output.
	EdgeMixed
)

func (t EdgeType) String() string {
	switch t {
	case EdgeInput:
		return "Input"
	case EdgeOutput:
		return "Output"
	case EdgeMixed:
		return "Mixed"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t EdgeType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *EdgeType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Input":
		*t = EdgeInput
	case "Output":
		*t = EdgeOutput
	case "Mixed":
		*t = EdgeMixed
	case "Unknown", "":
		*t = EdgeUnknown
	default:
		return fmt.Errorf("chain: unknown edge type %q", b)
	}
	return nil
}

// Known reports whether t carries spend information.
func (t EdgeType) Known() bool { return t != EdgeUnknown }

// AddressData holds fields only addresses carry. Values at or below Epsilon
// are unknown.
type AddressData struct {
	FinalBalance  float64 `json:"final_balance"`
	TotalReceived float64 `json:"total_received"`
	TotalSent     float64 `json:"total_sent"`
}

// TxData holds fields only transactions carry. Zero values are unknown.
type TxData struct {
	BlockHeight int64     `json:"block_height"`
	RelayedBy   string    `json:"relayed_by"`
	VinSize     int       `json:"vin_size"`
	VoutSize    int       `json:"vout_size"`
	Time        time.Time `json:"time"`
}

// Node is an address or a transaction. Exactly one of Addr or Tx is set,
// matching Type.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	// EdgeCountTotal of 0 means unknown, not a confirmed zero.
	EdgeCountTotal int     `json:"edge_count_total"`
	Value          float64 `json:"value"`

	Addr *AddressData `json:"addr,omitempty"`
	Tx   *TxData      `json:"tx,omitempty"`
}

// NewAddress returns an address node with an empty payload.
func NewAddress(id string) Node {
	return Node{ID: id, Type: NodeAddress, Addr: &AddressData{}}
}

// NewTransaction returns a transaction node with an empty payload.
func NewTransaction(id string) Node {
	return Node{ID: id, Type: NodeTransaction, Tx: &TxData{}}
}

// Clone returns a copy that shares no payload pointers with n.
func (n Node) Clone() Node {
	c := n
	if n.Addr != nil {
		a := *n.Addr
		c.Addr = &a
	}
	if n.Tx != nil {
		t := *n.Tx
		c.Tx = &t
	}
	return c
}

// Validate checks that n has an id and a payload matching its type tag.
func (n Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node: empty id")
	}
	if n.EdgeCountTotal < 0 {
		return fmt.Errorf("node %s: negative edge count %d", n.ID, n.EdgeCountTotal)
	}
	switch n.Type {
	case NodeAddress:
		if n.Addr == nil || n.Tx != nil {
			return fmt.Errorf("node %s: address must carry only an address payload", n.ID)
		}
	case NodeTransaction:
		if n.Tx == nil || n.Addr != nil {
			return fmt.Errorf("node %s: transaction must carry only a transaction payload", n.ID)
		}
	default:
		return fmt.Errorf("node %s: type %s", n.ID, n.Type)
	}
	return nil
}

// Edge links a transaction and an address. Merge identity is the unordered
// {SourceID, TargetID} pair; direction is kept as first seen.
type Edge struct {
	ID       string   `json:"id"`
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	Type     EdgeType `json:"type"`

	ValueInSource float64 `json:"value_in_source"`
	ValueInTarget float64 `json:"value_in_target"`

	// Ordinal positions among the source/target node's edges; 0 is unknown.
	EdgeNumberInSource int `json:"edge_number_in_source"`
	EdgeNumberInTarget int `json:"edge_number_in_target"`
}

// Validate checks that e names both endpoints and a defined type.
func (e Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("edge %q: missing endpoint", e.ID)
	}
	if e.SourceID == e.TargetID {
		return fmt.Errorf("edge %q: self loop on %s", e.ID, e.SourceID)
	}
	if e.Type < EdgeUnknown || e.Type > EdgeMixed {
		return fmt.Errorf("edge %q: type %d", e.ID, int(e.Type))
	}
	return nil
}

// Other returns the endpoint of e opposite id, or "" if id is not an endpoint.
func (e Edge) Other(id string) string {
	switch id {
	case e.SourceID:
		return e.TargetID
	case e.TargetID:
		return e.SourceID
	default:
		return ""
	}
}

// PairKey identifies the unordered endpoint pair of an edge.
type PairKey struct{ A, B string }

// Pair returns the unordered key for endpoints a and b.
func Pair(a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}

// Key is the merge identity of e.
func (e Edge) Key() PairKey { return Pair(e.SourceID, e.TargetID) }

// Fragment is the set of candidate entities extracted from one page of API data.
type Fragment struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// String renders f as JSON for logs.
func (f Fragment) String() string {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("fragment{%d nodes, %d edges}", len(f.Nodes), len(f.Edges))
	}
	return string(b)
}
