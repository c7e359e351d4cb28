package obs

import (
	"hash/fnv"
	"sync/atomic"
	"time"
)

// corrCounterBits splits a correlation id: the top bits carry a tag
// derived from the connector account, the rest count monotonically.
// Tagging keeps ids from different accounts apart on a shared venue
// stream; the time seed keeps a restarted process from reissuing ids
// that may still be in flight at the venue.
const corrCounterBits = 48

const corrCounterMask = uint64(1)<<corrCounterBits - 1

// CorrGenerator issues correlation ids for outbound wire requests.
type CorrGenerator struct {
	tag  uint64
	next uint64
}

// NewCorrGenerator builds a generator tagged with the account name. The
// lowest tag bit is forced on so no issued id is ever zero.
func NewCorrGenerator(account string) *CorrGenerator {
	h := fnv.New64a()
	_, _ = h.Write([]byte(account))
	return &CorrGenerator{
		tag:  (h.Sum64() &^ corrCounterMask) | 1<<corrCounterBits,
		next: uint64(time.Now().UTC().UnixNano()) & corrCounterMask,
	}
}

// Next returns a fresh correlation id. Safe from any goroutine.
func (g *CorrGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.tag | atomic.AddUint64(&g.next, 1)&corrCounterMask
}

// Tag returns the account tag shared by every id this generator issues.
func (g *CorrGenerator) Tag() uint64 {
	if g == nil {
		return 0
	}
	return g.tag
}
