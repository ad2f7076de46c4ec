// Package hashchain implements the append-only linked-hash primitive behind
// the session ledger.
//
// Each link commits to the hash of the link before it. The chain never
// reorders or removes links; insertion order is the only order it knows.
package hashchain

import (
	"crypto/sha256"
	"sync"
)

// Digest is a 256-bit link hash.
type Digest = [32]byte

// Link is a single element of a chain.
type Link interface {
	// Prior returns the recorded hash of the preceding link, or nil for the
	// first link.
	Prior() *Digest

	// Hash returns the stored hash of this link.
	Hash() Digest

	// Recompute derives the hash from the link's recorded fields.
	Recompute() Digest
}

// Chain is an append-only sequence of links. It is safe for concurrent use;
// each Append is atomic with respect to reading the head hash, building the
// new link and storing it.
type Chain[T Link] struct {
	mu    sync.Mutex
	links []T
}

// New returns a chain seeded with previously recorded links. The links are
// taken as-is; call Verify to check them.
func New[T Link](links ...T) *Chain[T] {
	c := &Chain[T]{}
	c.links = append(c.links, links...)
	return c
}

// Append builds a new link against the current head and stores it.
// If build returns an error nothing is stored.
func (c *Chain[T]) Append(build func(index int, prior *Digest) (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var prior *Digest
	if n := len(c.links); n > 0 {
		h := c.links[n-1].Hash()
		prior = &h
	}

	link, err := build(len(c.links), prior)
	if err != nil {
		var zero T
		return zero, err
	}

	c.links = append(c.links, link)
	return link, nil
}

// Len returns the number of links.
func (c *Chain[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.links)
}

// Head returns the hash of the last link, or nil if the chain is empty.
func (c *Chain[T]) Head() *Digest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.links) == 0 {
		return nil
	}
	h := c.links[len(c.links)-1].Hash()
	return &h
}

// At returns the link at index i.
func (c *Chain[T]) At(i int) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.links) {
		var zero T
		return zero, false
	}
	return c.links[i], true
}

// Links returns a copy of the links in insertion order.
func (c *Chain[T]) Links() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.links))
	copy(out, c.links)
	return out
}

// Verify checks every link of the chain. See Verify.
func (c *Chain[T]) Verify() Result {
	return Verify(c.Links())
}

// Fold returns SHA-256 over the concatenated link hashes in order.
func (c *Chain[T]) Fold() Digest {
	return Fold(c.Links())
}

// Result is the outcome of a continuity check. A broken chain is a finding,
// not an error.
type Result struct {
	Valid    bool
	Length   int
	BrokenAt *int
	Reason   Reason
}

// Reason describes why a link failed verification.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonHashMismatch Reason = "hash_mismatch"
	ReasonBrokenLink   Reason = "broken_link"
	ReasonRootHasPrior Reason = "root_has_prior"
)

// BrokenRange returns the half-open index range [from, to) that can no longer
// be trusted. Once a link is broken every link after it is suspect.
func (r Result) BrokenRange() (from, to int, ok bool) {
	if r.BrokenAt == nil {
		return 0, 0, false
	}
	return *r.BrokenAt, r.Length, true
}

// Verify recomputes every link's hash and checks the prior-hash linkage.
// It reports the first index where either check fails.
func Verify[T Link](links []T) Result {
	res := Result{Valid: true, Length: len(links)}

	fail := func(i int, reason Reason) Result {
		idx := i
		res.Valid = false
		res.BrokenAt = &idx
		res.Reason = reason
		return res
	}

	for i, link := range links {
		if link.Recompute() != link.Hash() {
			return fail(i, ReasonHashMismatch)
		}

		prior := link.Prior()
		if i == 0 {
			if prior != nil {
				return fail(i, ReasonRootHasPrior)
			}
			continue
		}
		if prior == nil || *prior != links[i-1].Hash() {
			return fail(i, ReasonBrokenLink)
		}
	}

	return res
}

// Fold returns SHA-256 over the concatenated link hashes in order.
func Fold[T Link](links []T) Digest {
	h := sha256.New()
	for _, link := range links {
		d := link.Hash()
		h.Write(d[:])
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
