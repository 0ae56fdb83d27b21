package payment

import "sync"

// NoncePool implements the reservation queue of spec.md §5: the payment signer has
// a single monotonic nonce sequence; each forged tx2 takes the next nonce, and
// nonces are released in reverse reservation order when their relay outcome is
// known to be rejected/error. A nonce is consumed permanently once at least one
// accepted outcome exists for its (bundle, builder).
//
// This mirrors the teacher's RateLimiter shape (internal/services/ratelimit/limiter.go):
// a small mutex-guarded map plus counters, no external dependency.
type NoncePool struct {
	mu        sync.Mutex
	next      uint64
	reserved  []uint64 // reservation order, oldest first
	consumed  map[uint64]bool
}

// NewNoncePool seeds the pool at startFrom — typically the on-chain nonce fetched
// at startup, per spec.md §5's "reset the reservation pointer from the node on
// startup" repair strategy.
func NewNoncePool(startFrom uint64) *NoncePool {
	return &NoncePool{
		next:     startFrom,
		consumed: make(map[uint64]bool),
	}
}

// Reserve takes the next nonce in sequence. The caller MUST eventually call either
// Consume or Release for every reserved nonce.
func (p *NoncePool) Reserve() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.next
	p.next++
	p.reserved = append(p.reserved, n)
	return n
}

// Consume marks a nonce as permanently used (its bundle/builder pair saw an
// accepted relay outcome).
func (p *NoncePool) Consume(nonce uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed[nonce] = true
	p.removeReserved(nonce)
}

// Release returns a nonce to the pool (its bundle/builder pair saw only
// rejected/error outcomes). Per spec.md §5, release is only safe in reverse
// reservation order; releasing anything else leaves a gap that must be repaired by
// a filler transaction or a startup reset — Release reports whether this call was
// in-order so the Dispatcher can decide whether a filler is needed.
func (p *NoncePool) Release(nonce uint64) (inOrder bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reserved) > 0 && p.reserved[len(p.reserved)-1] == nonce {
		p.reserved = p.reserved[:len(p.reserved)-1]
		p.next--
		return true
	}
	return false
}

func (p *NoncePool) removeReserved(nonce uint64) {
	for i, n := range p.reserved {
		if n == nonce {
			p.reserved = append(p.reserved[:i], p.reserved[i+1:]...)
			return
		}
	}
}

// PendingGaps reports reserved nonces below the current pointer that were neither
// consumed nor released in order — candidates for a best-effort filler self-transfer
// at the next dispatch (spec.md §5).
func (p *NoncePool) PendingGaps() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	gaps := make([]uint64, len(p.reserved))
	copy(gaps, p.reserved)
	return gaps
}
