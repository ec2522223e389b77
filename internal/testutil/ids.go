package testutil

import (
	"fmt"
	"sync/atomic"
)

// SeqIDs generates "<prefix>-1", "<prefix>-2", ... so tests can predict
// every change id without listing them up front.
//
// Thread-safety: SeqIDs is safe for concurrent use.
type SeqIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSeqIDs creates a generator. An empty prefix defaults to "change".
func NewSeqIDs(prefix string) *SeqIDs {
	if prefix == "" {
		prefix = "change"
	}
	return &SeqIDs{prefix: prefix}
}

// Generate returns the next id.
func (g *SeqIDs) Generate() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
