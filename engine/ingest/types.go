package ingest

import (
	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/record"
)

// Batch is one transaction split into pages.
type Batch struct {
	// ID is derived from the transaction hash and page size, so redelivered
	// transactions get the same id.
	ID       string
	TxHash   string
	PageSize int
	Pages    []record.Node
}

// Extracted holds the fragment of every page of a Batch, in page order.
type Extracted struct {
	ID        string
	TxHash    string
	Fragments []chain.Fragment
}

// Report summarizes what one transaction did to the graph.
type Report struct {
	ID       string `json:"id"`
	TxHash   string `json:"tx_hash"`
	Pages    int    `json:"pages"`
	Nodes    int    `json:"nodes"`
	Edges    int    `json:"edges"`
	Rejected int    `json:"rejected"`
	Exported bool   `json:"exported"`

	nodeIDs []string
	pairs   []chain.PairKey
}

// DeadLetter is published to DLQSubject when a transaction cannot be ingested.
type DeadLetter struct {
	Subject string `json:"subject"`
	Data    string `json:"data"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}
