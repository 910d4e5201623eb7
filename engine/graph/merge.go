package graph

import "github.com/WessleyAI/chaingraph/engine/chain"

// Merge rules. A field is filled from the candidate only when the existing
// value is at its unknown sentinel and the candidate's is not; two conflicting
// known values keep the existing one (first known value wins).

func fillFloat(existing *float64, candidate float64) {
	if *existing <= chain.Epsilon && candidate > chain.Epsilon {
		*existing = candidate
	}
}

func fillInt(existing *int, candidate int) {
	if *existing == 0 && candidate > 0 {
		*existing = candidate
	}
}

func fillInt64(existing *int64, candidate int64) {
	if *existing == 0 && candidate > 0 {
		*existing = candidate
	}
}

func fillString(existing *string, candidate string) {
	if *existing == "" && candidate != "" {
		*existing = candidate
	}
}

// mergeNode folds cand into existing. Both must carry the same type.
func mergeNode(existing *chain.Node, cand chain.Node) {
	fillInt(&existing.EdgeCountTotal, cand.EdgeCountTotal)
	fillFloat(&existing.Value, cand.Value)

	switch existing.Type {
	case chain.NodeAddress:
		if existing.Addr == nil || cand.Addr == nil {
			return
		}
		fillFloat(&existing.Addr.FinalBalance, cand.Addr.FinalBalance)
		fillFloat(&existing.Addr.TotalReceived, cand.Addr.TotalReceived)
		fillFloat(&existing.Addr.TotalSent, cand.Addr.TotalSent)
	case chain.NodeTransaction:
		if existing.Tx == nil || cand.Tx == nil {
			return
		}
		fillInt64(&existing.Tx.BlockHeight, cand.Tx.BlockHeight)
		fillString(&existing.Tx.RelayedBy, cand.Tx.RelayedBy)
		fillInt(&existing.Tx.VoutSize, cand.Tx.VoutSize)
		fillInt(&existing.Tx.VinSize, cand.Tx.VinSize)
		if existing.Tx.Time.IsZero() && !cand.Tx.Time.IsZero() {
			existing.Tx.Time = cand.Tx.Time
		}
	}
}

// PromoteEdgeType combines the type already recorded for a node pair with
// newly observed evidence: Unknown yields to any known type, equal types are
// unchanged, and two different known types become Mixed.
func PromoteEdgeType(existing, cand chain.EdgeType) chain.EdgeType {
	switch {
	case !cand.Known():
		return existing
	case !existing.Known():
		return cand
	case existing == cand:
		return existing
	default:
		return chain.EdgeMixed
	}
}

// mergeEdge folds cand into existing. cand may record the same pair in the
// opposite direction, in which case its ordinals are cross-mapped.
func mergeEdge(existing *chain.Edge, cand chain.Edge) {
	existing.Type = PromoteEdgeType(existing.Type, cand.Type)

	// Values are only reconciled once the pair is known to be Mixed.
	if existing.Type == chain.EdgeMixed {
		fillFloat(&existing.ValueInSource, cand.ValueInSource)
		fillFloat(&existing.ValueInTarget, cand.ValueInTarget)
	}

	sameWay := cand.SourceID == existing.SourceID
	if existing.EdgeNumberInSource == 0 {
		if sameWay {
			fillInt(&existing.EdgeNumberInSource, cand.EdgeNumberInSource)
		} else {
			fillInt(&existing.EdgeNumberInSource, cand.EdgeNumberInTarget)
		}
	}
	if existing.EdgeNumberInTarget == 0 {
		if sameWay {
			fillInt(&existing.EdgeNumberInTarget, cand.EdgeNumberInTarget)
		} else {
			fillInt(&existing.EdgeNumberInTarget, cand.EdgeNumberInSource)
		}
	}
}
