// Package pager splits a transaction record with many inputs and outputs into
// a sequence of bounded-size page records.
//
// Inputs and outputs share one concatenated index space: indices [0, nIn)
// address inputs and [nIn, nIn+nOut) address outputs. Page p keeps the
// half-open range [p*size, (p+1)*size). Every page is an independent deep copy
// of the original, so header fields appear unchanged on each page.
package pager

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/chaingraph/engine/record"
)

// Field names of the input and output arrays in the API tx format.
const (
	InputsKey  = "inputs"
	OutputsKey = "out"
)

// DefaultPageSize matches the page size the explorer requests from the API.
const DefaultPageSize = 20

// ErrInvalidPageSize is returned when the page size is below 1.
var ErrInvalidPageSize = errors.New("pager: page size must be at least 1")

// Pager produces page records. The zero value is usable and parses copies
// with record.Parse and logs splits to slog.Default.
type Pager struct {
	parse record.ParseFunc
	log   *slog.Logger
}

// New creates a Pager that deep-copies through parse.
func New(parse record.ParseFunc, log *slog.Logger) *Pager {
	return &Pager{parse: parse, log: log}
}

func (p *Pager) logger() *slog.Logger {
	if p == nil || p.log == nil {
		return slog.Default()
	}
	return p.log
}

func (p *Pager) parser() record.ParseFunc {
	if p == nil || p.parse == nil {
		return record.Parse
	}
	return p.parse
}

// Paginate splits tx with the default JSON parser.
func Paginate(tx record.Node, pageSize int) ([]record.Node, error) {
	var p *Pager
	return p.Paginate(tx, pageSize)
}

// PageCount is ceil(total/pageSize) with a minimum of one page.
func PageCount(total, pageSize int) int {
	if pageSize < 1 {
		return 0
	}
	n := (total + pageSize - 1) / pageSize
	if n < 1 {
		n = 1
	}
	return n
}

// Paginate splits tx into pages of at most pageSize inputs+outputs. A tx with
// no inputs or outputs yields exactly one page, a full copy.
func (p *Pager) Paginate(tx record.Node, pageSize int) ([]record.Node, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPageSize, pageSize)
	}
	nIn := record.Len(tx, InputsKey)
	nOut := record.Len(tx, OutputsKey)
	total := nIn + nOut
	count := PageCount(total, pageSize)
	if count > 1 {
		p.logger().Debug("pager: splitting tx",
			"inputs", nIn, "outputs", nOut, "pages", count, "page_size", pageSize)
	}

	master, err := tx.Marshal()
	if err != nil {
		return nil, fmt.Errorf("pager: marshal tx: %w", err)
	}

	pages := make([]record.Node, 0, count)
	for pi := 0; pi < count; pi++ {
		keepIn, keepOut := keepMasks(pi, pageSize, nIn, nOut)

		page, err := p.parser()(master)
		if err != nil {
			return nil, fmt.Errorf("pager: copy page %d: %w", pi, err)
		}
		if err := prune(page, InputsKey, keepIn); err != nil {
			return nil, fmt.Errorf("pager: page %d: %w", pi, err)
		}
		if err := prune(page, OutputsKey, keepOut); err != nil {
			return nil, fmt.Errorf("pager: page %d: %w", pi, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// keepMasks decides, before any copying, which inputs and outputs page pi
// keeps. The range is clipped to nIn+nOut, so the last page may be short.
func keepMasks(pi, pageSize, nIn, nOut int) (keepIn, keepOut []bool) {
	keepIn = make([]bool, nIn)
	keepOut = make([]bool, nOut)
	lo, hi := pi*pageSize, min((pi+1)*pageSize, nIn+nOut)
	for ri := lo; ri < hi; ri++ {
		if ri < nIn {
			keepIn[ri] = true
		} else {
			keepOut[ri-nIn] = true
		}
	}
	return keepIn, keepOut
}

// prune removes the entries of page[key] whose keep flag is false. Removal
// runs from the highest index down so earlier indices stay valid.
func prune(page record.Node, key string, keep []bool) error {
	arr, ok := page.Get(key)
	if !ok {
		return nil
	}
	if arr.Count() != len(keep) {
		return fmt.Errorf("%s has %d entries after copy, want %d", key, arr.Count(), len(keep))
	}
	for i := len(keep) - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		if err := arr.RemoveAt(i); err != nil {
			return fmt.Errorf("remove %s[%d]: %w", key, i, err)
		}
	}
	return nil
}
