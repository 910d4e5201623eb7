package graph

import (
	"errors"
	"fmt"
)

// Data-quality rejections. Neither is fatal: the graph is left unchanged and
// the caller may continue with the next fragment.
var (
	// ErrTypeMismatch means a candidate cannot be merged as the expected
	// entity: an invalid payload, or a node whose type differs from the
	// existing node with the same id.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrTopology means an edge's source endpoint is a known node that is not
	// a transaction.
	ErrTopology = errors.New("edge source is not a transaction")
)

// DataQualityError wraps a sentinel with the rejected operation and entity.
type DataQualityError struct {
	Op      string
	ID      string
	Detail  string
	Wrapped error
}

func (e *DataQualityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("graph: %s %s: %s", e.Op, e.ID, e.Wrapped)
	}
	return fmt.Sprintf("graph: %s %s: %s (%s)", e.Op, e.ID, e.Wrapped, e.Detail)
}

func (e *DataQualityError) Unwrap() error { return e.Wrapped }

func reject(op, id string, wrapped error, detail string) *DataQualityError {
	return &DataQualityError{Op: op, ID: id, Detail: detail, Wrapped: wrapped}
}

// IsDataQuality reports whether err is a merge rejection rather than a
// failure of the caller's infrastructure.
func IsDataQuality(err error) bool {
	var dq *DataQualityError
	return errors.As(err, &dq)
}
