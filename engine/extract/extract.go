// Package extract turns transaction pages in blockchain API format into
// graph fragments ready for merging.
package extract

import (
	"errors"
	"fmt"
	"time"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/pager"
	"github.com/WessleyAI/chaingraph/engine/record"
)

// SatoshiDivisor converts API values into the display unit (mBTC).
const SatoshiDivisor = 100000

// ErrNoHash means a transaction record carries no hash to identify it.
var ErrNoHash = errors.New("extract: transaction has no hash")

// ValueFromSatoshi converts a raw API value to mBTC.
func ValueFromSatoshi(raw float64) float64 { return raw / SatoshiDivisor }

// LinkValueFromInputs returns the value of the first input spending from
// addr, or 0 if no input does.
func LinkValueFromInputs(addr string, inputs record.Node) float64 {
	return firstValue(addr, inputs, "prev_out")
}

// LinkValueFromOutputs returns the value of the first output paying addr,
// or 0 if no output does.
func LinkValueFromOutputs(addr string, outputs record.Node) float64 {
	return firstValue(addr, outputs)
}

func firstValue(addr string, entries record.Node, prefix ...string) float64 {
	if entries == nil {
		return 0
	}
	for i := 0; i < entries.Count(); i++ {
		e, _ := entries.At(i)
		if record.String(e, append(prefix, "addr")...) == addr {
			return ValueFromSatoshi(record.Float(e, append(prefix, "value")...))
		}
	}
	return 0
}

// FormatEdgeID builds the display id of an edge.
func FormatEdgeID(a, b string, t chain.EdgeType) string {
	return a + "--" + b + "--" + t.String()
}

// FormatEdgeIDFriendly is a short label built from the first five
// characters of each endpoint id.
func FormatEdgeIDFriendly(a, b string) string {
	return prefix5(a) + "--" + prefix5(b)
}

func prefix5(s string) string {
	r := []rune(s)
	if len(r) > 5 {
		r = r[:5]
	}
	return string(r)
}

// UnixTime converts seconds since the epoch to UTC. Zero stays the zero
// time, which the merge engine treats as unknown.
func UnixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// Fragment extracts the entities of a whole transaction, or of its first page.
func Fragment(tx record.Node) (chain.Fragment, error) {
	return FragmentAt(tx, 0)
}

// FragmentAt extracts one page of a transaction. offset is the position of
// the page's first entry in the full transaction, counting inputs before
// outputs, so edge ordinals stay stable no matter how the transaction was
// paged. Ordinals start at 1; 0 is reserved for unknown.
func FragmentAt(tx record.Node, offset int) (chain.Fragment, error) {
	hash := record.String(tx, "hash")
	if hash == "" {
		return chain.Fragment{}, ErrNoHash
	}
	if offset < 0 {
		return chain.Fragment{}, fmt.Errorf("extract: negative offset %d", offset)
	}

	txNode := chain.NewTransaction(hash)
	vin := int(record.Int(tx, "vin_sz"))
	vout := int(record.Int(tx, "vout_sz"))
	txNode.EdgeCountTotal = vin + vout
	txNode.Tx = &chain.TxData{
		BlockHeight: record.Int(tx, "block_height"),
		RelayedBy:   record.String(tx, "relayed_by"),
		VinSize:     vin,
		VoutSize:    vout,
		Time:        UnixTime(record.Int(tx, "time")),
	}

	f := chain.Fragment{Nodes: []chain.Node{txNode}}
	seen := map[string]bool{hash: true}
	addNode := func(addr string) {
		if !seen[addr] {
			seen[addr] = true
			f.Nodes = append(f.Nodes, chain.NewAddress(addr))
		}
	}

	inputs, _ := tx.Get(pager.InputsKey)
	outputs, _ := tx.Get(pager.OutputsKey)
	nIn := 0
	if inputs != nil {
		nIn = inputs.Count()
	}

	type link struct {
		addr string
		t    chain.EdgeType
	}
	linked := make(map[link]bool)

	each := func(entries record.Node, base int, t chain.EdgeType, addrPath ...string) {
		if entries == nil {
			return
		}
		for i := 0; i < entries.Count(); i++ {
			e, _ := entries.At(i)
			addr := record.String(e, addrPath...)
			// coinbase inputs have no address
			if addr == "" || addr == hash {
				continue
			}
			addNode(addr)
			if linked[link{addr, t}] {
				continue
			}
			linked[link{addr, t}] = true

			edge := chain.Edge{
				ID:                 FormatEdgeID(hash, addr, t),
				SourceID:           hash,
				TargetID:           addr,
				Type:               t,
				EdgeNumberInSource: offset + base + i + 1,
			}
			if t == chain.EdgeInput {
				edge.ValueInSource = LinkValueFromInputs(addr, inputs)
			} else {
				edge.ValueInTarget = LinkValueFromOutputs(addr, outputs)
			}
			f.Edges = append(f.Edges, edge)
		}
	}
	each(inputs, 0, chain.EdgeInput, "prev_out", "addr")
	each(outputs, nIn, chain.EdgeOutput, "addr")
	return f, nil
}

// Pages extracts every page in order. Page i is assumed to start at
// i*pageSize in the full transaction, as pager.Paginate produces them.
func Pages(pages []record.Node, pageSize int) ([]chain.Fragment, error) {
	out := make([]chain.Fragment, 0, len(pages))
	for i, p := range pages {
		f, err := FragmentAt(p, i*pageSize)
		if err != nil {
			return nil, fmt.Errorf("extract: page %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
