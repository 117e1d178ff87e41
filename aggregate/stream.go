package aggregate

import (
	"context"
	"sync"
)

// Chunk is one buffered slice of rows from a single source.
type Chunk struct {
	SourceID string
	Rows     []Row
}

// StreamAggregate consumes per-source row streams, buffers up to the
// configured chunk size per source, and applies the callback to each full
// (or final partial) chunk. Transformed chunks are delivered on the returned
// channel, which closes once every input is drained or the context is
// cancelled. Chunks from different sources interleave in arrival order.
func (a *Aggregator) StreamAggregate(ctx context.Context, inputs map[string]<-chan Row, apply func(Chunk) []Row) <-chan []Row {
	out := make(chan []Row)
	var wg sync.WaitGroup

	for sourceID, rows := range inputs {
		wg.Add(1)
		go func(sourceID string, rows <-chan Row) {
			defer wg.Done()
			buffer := make([]Row, 0, a.chunkSize)
			flush := func() bool {
				if len(buffer) == 0 {
					return true
				}
				chunk := Chunk{SourceID: sourceID, Rows: buffer}
				buffer = make([]Row, 0, a.chunkSize)
				select {
				case out <- apply(chunk):
					return true
				case <-ctx.Done():
					return false
				}
			}
			for {
				select {
				case <-ctx.Done():
					return
				case row, ok := <-rows:
					if !ok {
						flush()
						return
					}
					buffer = append(buffer, row)
					if len(buffer) >= a.chunkSize {
						if !flush() {
							return
						}
					}
				}
			}
		}(sourceID, rows)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
