package engine

import (
	"container/heap"
	"io"

	"github.com/GaspardMerten/motion-lake-server/internal/codec"
	"github.com/GaspardMerten/motion-lake-server/internal/metrics"
	"github.com/GaspardMerten/motion-lake-server/internal/types"
)

// partitionStream is one decoder with its next record buffered, so the
// heap can order streams by upcoming timestamp.
type partitionStream struct {
	dec  *codec.Decoder
	next types.Record
	done bool
}

func (s *partitionStream) advance() error {
	rec, err := s.dec.Next()
	if err == io.EOF {
		s.done = true
		return nil
	}
	if err != nil {
		return err
	}
	s.next = rec
	return nil
}

// streamHeap is a min-heap of partition streams keyed by the timestamp
// of each stream's buffered record.
type streamHeap []*partitionStream

func (h streamHeap) Len() int            { return len(h) }
func (h streamHeap) Less(i, j int) bool  { return h[i].next.TimestampMs < h[j].next.TimestampMs }
func (h streamHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *streamHeap) Push(x interface{}) { *h = append(*h, x.(*partitionStream)) }
func (h *streamHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Cursor streams query results in timestamp order. Typical use:
//
//	for cursor.Next() {
//		rec := cursor.Record()
//	}
//	if err := cursor.Err(); err != nil { ... }
//	cursor.Close()
//
// A cursor is not safe for concurrent use. It never returns partial
// data after an error: once Err is non-nil, Next stays false.
type Cursor struct {
	collection string
	rng        types.TimeRange

	// Ascending queries merge decoders lazily through the heap.
	h streamHeap
	// Descending queries iterate a materialized, reversed slice.
	materialized []types.Record
	pos          int

	limit    int
	offset   int
	returned int

	cur    types.Record
	err    error
	closed bool
}

// newAscendingCursor builds a streaming k-way merge over the decoded
// objects. Rows inside each object are already in timestamp order.
func newAscendingCursor(collection string, objects [][]byte, rng types.TimeRange, opts QueryOptions) (*Cursor, error) {
	c := &Cursor{
		collection: collection,
		rng:        rng,
		limit:      opts.Limit,
		offset:     opts.Offset,
	}
	for _, data := range objects {
		dec, err := codec.NewDecoder(data)
		if err != nil {
			c.Close()
			return nil, err
		}
		s := &partitionStream{dec: dec}
		if err := s.advance(); err != nil {
			dec.Close()
			c.Close()
			return nil, err
		}
		if s.done {
			dec.Close()
			continue
		}
		c.h = append(c.h, s)
	}
	heap.Init(&c.h)
	return c, nil
}

// newDescendingCursor materializes and reverses the matching records.
// Partitions never overlap in time, so reversing partition order and
// rows within each partition yields global descending order.
func newDescendingCursor(collection string, objects [][]byte, rng types.TimeRange, opts QueryOptions) (*Cursor, error) {
	c := &Cursor{
		collection: collection,
		rng:        rng,
		limit:      opts.Limit,
		offset:     opts.Offset,
	}
	for i := len(objects) - 1; i >= 0; i-- {
		records, err := codec.DecodeAll(objects[i])
		if err != nil {
			return nil, err
		}
		for j := len(records) - 1; j >= 0; j-- {
			if rng.Contains(records[j].TimestampMs) {
				c.materialized = append(c.materialized, records[j])
			}
		}
	}
	return c, nil
}

// Next advances to the next record, returning false at the end of the
// result set or on error.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.limit > 0 && c.returned >= c.limit {
		return false
	}

	for {
		rec, ok := c.pull()
		if !ok {
			return false
		}
		if !c.rng.Contains(rec.TimestampMs) {
			continue
		}
		if c.offset > 0 {
			c.offset--
			continue
		}
		c.cur = rec
		c.returned++
		metrics.RecordsReturned.WithLabelValues(c.collection).Inc()
		return true
	}
}

// pull produces the next record in order, without range filtering.
func (c *Cursor) pull() (types.Record, bool) {
	if c.materialized != nil {
		if c.pos >= len(c.materialized) {
			return types.Record{}, false
		}
		rec := c.materialized[c.pos]
		c.pos++
		return rec, true
	}

	if c.h.Len() == 0 {
		return types.Record{}, false
	}
	top := c.h[0]
	rec := top.next
	if err := top.advance(); err != nil {
		c.err = err
		return types.Record{}, false
	}
	if top.done {
		heap.Pop(&c.h)
		top.dec.Close()
	} else {
		heap.Fix(&c.h, 0)
	}
	return rec, true
}

// Record returns the record Next positioned the cursor on.
func (c *Cursor) Record() types.Record {
	return c.cur
}

// Err reports the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases any decoders still open. Safe to call twice.
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, s := range c.h {
		s.dec.Close()
	}
	c.h = nil
	c.materialized = nil
	return nil
}
