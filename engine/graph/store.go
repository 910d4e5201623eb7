package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// CypherResult is the part of a Neo4j result the store reads.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// CypherRunner runs one Cypher statement.
type CypherRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
}

// CypherSession is a Neo4j session narrowed to what the store uses.
type CypherSession interface {
	CypherRunner
	Close(ctx context.Context) error
	ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error)
}

// SessionOpener opens sessions; tests substitute fakes for the driver.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

type driverOpener struct{ driver neo4j.DriverWithContext }

func (o driverOpener) OpenSession(ctx context.Context) CypherSession {
	return &driverSession{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

type driverSession struct{ sess neo4j.SessionWithContext }

func (s *driverSession) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	r, err := s.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *driverSession) Close(ctx context.Context) error { return s.sess.Close(ctx) }

func (s *driverSession) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(txRunner{tx: tx})
	})
}

type txRunner struct{ tx neo4j.ManagedTransaction }

func (r txRunner) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	res, err := r.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Store mirrors merged graph entities into Neo4j. Entities are written with
// MERGE on their identity, so exporting the same entity again is idempotent.
type Store struct {
	opener SessionOpener
}

// NewStore creates a Store on top of a Neo4j driver.
func NewStore(driver neo4j.DriverWithContext) *Store {
	return &Store{opener: driverOpener{driver: driver}}
}

// NewStoreWithOpener creates a Store with a custom session source.
func NewStoreWithOpener(o SessionOpener) *Store {
	return &Store{opener: o}
}

const (
	cypherSaveNode = `MERGE (n:ChainNode {id: $id}) SET n:%s, n += $props`
	// Undirected MERGE matches an existing relationship in either direction.
	cypherSaveEdge = `MERGE (a:ChainNode {id: $source})
		MERGE (b:ChainNode {id: $target})
		MERGE (a)-[r:SPENDS]-(b)
		SET r += $props`
)

func nodeLabel(t chain.NodeType) string {
	switch t {
	case chain.NodeAddress:
		return "Address"
	case chain.NodeTransaction:
		return "Transaction"
	default:
		return "Unclassified"
	}
}

func saveNode(ctx context.Context, r CypherRunner, n chain.Node) error {
	_, err := r.Run(ctx, fmt.Sprintf(cypherSaveNode, nodeLabel(n.Type)), map[string]any{
		"id":    n.ID,
		"props": nodeToMap(n),
	})
	return err
}

func saveEdge(ctx context.Context, r CypherRunner, e chain.Edge) error {
	_, err := r.Run(ctx, cypherSaveEdge, map[string]any{
		"source": e.SourceID,
		"target": e.TargetID,
		"props":  edgeToMap(e),
	})
	return err
}

// SaveNode creates or updates one node.
func (s *Store) SaveNode(ctx context.Context, n chain.Node) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	return saveNode(ctx, sess, n)
}

// SaveEdge creates or updates one edge and its endpoint placeholders.
func (s *Store) SaveEdge(ctx context.Context, e chain.Edge) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)
	return saveEdge(ctx, sess, e)
}

// SaveBatch writes nodes then edges in a single write transaction.
func (s *Store) SaveBatch(ctx context.Context, nodes []chain.Node, edges []chain.Edge) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx CypherRunner) (any, error) {
		for _, n := range nodes {
			if err := saveNode(ctx, tx, n); err != nil {
				return nil, fmt.Errorf("save node %s: %w", n.ID, err)
			}
		}
		for _, e := range edges {
			if err := saveEdge(ctx, tx, e); err != nil {
				return nil, fmt.Errorf("save edge %s--%s: %w", e.SourceID, e.TargetID, err)
			}
		}
		return nil, nil
	})
	return err
}

// GetNode reads a node back by id.
func (s *Store) GetNode(ctx context.Context, id string) (chain.Node, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, `MATCH (n:ChainNode {id: $id}) RETURN n`, map[string]any{"id": id})
	if err != nil {
		return chain.Node{}, err
	}
	if !result.Next(ctx) {
		return chain.Node{}, fmt.Errorf("node %s not found", id)
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](result.Record(), "n")
	if err != nil {
		return chain.Node{}, err
	}
	return nodeFromProps(node.Props), nil
}

// NodeCounts returns exported node counts keyed by node type ("Addr", "Tx").
func (s *Store) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n:ChainNode) RETURN coalesce(n.type, 'Unknown') AS type, count(*) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		typ, _ := rec.Get("type")
		cnt, _ := rec.Get("count")
		if t, ok := typ.(string); ok {
			if c, ok := cnt.(int64); ok {
				counts[t] = c
			}
		}
	}
	return counts, nil
}

func nodeToMap(n chain.Node) map[string]any {
	m := map[string]any{
		"id":               n.ID,
		"type":             n.Type.String(),
		"edge_count_total": int64(n.EdgeCountTotal),
		"value":            n.Value,
	}
	if a := n.Addr; a != nil {
		m["final_balance"] = a.FinalBalance
		m["total_received"] = a.TotalReceived
		m["total_sent"] = a.TotalSent
	}
	if t := n.Tx; t != nil {
		m["block_height"] = t.BlockHeight
		m["relayed_by"] = t.RelayedBy
		m["vin_size"] = int64(t.VinSize)
		m["vout_size"] = int64(t.VoutSize)
		if !t.Time.IsZero() {
			m["time"] = t.Time.Unix()
		}
	}
	return m
}

func edgeToMap(e chain.Edge) map[string]any {
	return map[string]any{
		"id":                    e.ID,
		"source":                e.SourceID,
		"target":                e.TargetID,
		"type":                  e.Type.String(),
		"value_in_source":       e.ValueInSource,
		"value_in_target":       e.ValueInTarget,
		"edge_number_in_source": int64(e.EdgeNumberInSource),
		"edge_number_in_target": int64(e.EdgeNumberInTarget),
	}
}

func nodeFromProps(props map[string]any) chain.Node {
	var typ chain.NodeType
	_ = typ.UnmarshalText([]byte(strProp(props, "type")))
	n := chain.Node{
		ID:             strProp(props, "id"),
		Type:           typ,
		EdgeCountTotal: int(intProp(props, "edge_count_total")),
		Value:          floatProp(props, "value"),
	}
	switch typ {
	case chain.NodeAddress:
		n.Addr = &chain.AddressData{
			FinalBalance:  floatProp(props, "final_balance"),
			TotalReceived: floatProp(props, "total_received"),
			TotalSent:     floatProp(props, "total_sent"),
		}
	case chain.NodeTransaction:
		n.Tx = &chain.TxData{
			BlockHeight: intProp(props, "block_height"),
			RelayedBy:   strProp(props, "relayed_by"),
			VinSize:     int(intProp(props, "vin_size")),
			VoutSize:    int(intProp(props, "vout_size")),
		}
		if sec := intProp(props, "time"); sec > 0 {
			n.Tx.Time = time.Unix(sec, 0).UTC()
		}
	}
	return n
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intProp(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
