// Package diff reconciles staged records against current production records by key.
package diff

import "fmt"

// Pair is a staged record matched with the production record of the same key.
type Pair[K comparable, S, P any] struct {
	Key     K
	Staged  S
	Current P
}

// Result partitions every key of both inputs.
type Result[K comparable, S, P any] struct {
	Additions []S
	Updates   []Pair[K, S, P]
	Deletions []P
	Unchanged []Pair[K, S, P]
}

// Detector compares staged and production sets keyed by the same function.
type Detector[K comparable, S, P any] struct {
	stagedKey  func(S) K
	prodKey    func(P) K
	hasChanged func(staged S, current P) bool
}

// NewDetector builds a detector from the key extractors and change comparator.
func NewDetector[K comparable, S, P any](
	stagedKey func(S) K,
	prodKey func(P) K,
	hasChanged func(staged S, current P) bool,
) *Detector[K, S, P] {
	return &Detector[K, S, P]{stagedKey: stagedKey, prodKey: prodKey, hasChanged: hasChanged}
}

// Detect classifies every staged key absent from production as an addition,
// every shared key whose records differ as an update, every production key
// absent from staging as a deletion, and the rest as unchanged.
//
// Duplicate keys within one input are last-write-wins. Additions keep staging
// input order; updates, unchanged and deletions keep production input order.
func (d *Detector[K, S, P]) Detect(staged []S, production []P) Result[K, S, P] {
	stagedByKey := make(map[K]S, len(staged))
	stagedOrder := make([]K, 0, len(staged))

	for _, s := range staged {
		k := d.stagedKey(s)
		if _, seen := stagedByKey[k]; !seen {
			stagedOrder = append(stagedOrder, k)
		}
		stagedByKey[k] = s
	}

	prodByKey := make(map[K]P, len(production))
	prodOrder := make([]K, 0, len(production))

	for _, p := range production {
		k := d.prodKey(p)
		if _, seen := prodByKey[k]; !seen {
			prodOrder = append(prodOrder, k)
		}
		prodByKey[k] = p
	}

	var res Result[K, S, P]

	for _, k := range stagedOrder {
		if _, ok := prodByKey[k]; !ok {
			res.Additions = append(res.Additions, stagedByKey[k])
		}
	}

	for _, k := range prodOrder {
		cur := prodByKey[k]

		s, ok := stagedByKey[k]
		if !ok {
			res.Deletions = append(res.Deletions, cur)
			continue
		}

		pair := Pair[K, S, P]{Key: k, Staged: s, Current: cur}
		if d.hasChanged(s, cur) {
			res.Updates = append(res.Updates, pair)
		} else {
			res.Unchanged = append(res.Unchanged, pair)
		}
	}

	return res
}

// HasChanges reports whether any addition, update or deletion was found.
func (r Result[K, S, P]) HasChanges() bool {
	return len(r.Additions) > 0 || len(r.Updates) > 0 || len(r.Deletions) > 0
}

// AdditionCount returns the number of additions.
func (r Result[K, S, P]) AdditionCount() int { return len(r.Additions) }

// UpdateCount returns the number of updates.
func (r Result[K, S, P]) UpdateCount() int { return len(r.Updates) }

// DeletionCount returns the number of deletions.
func (r Result[K, S, P]) DeletionCount() int { return len(r.Deletions) }

// UnchangedCount returns the number of unchanged keys.
func (r Result[K, S, P]) UnchangedCount() int { return len(r.Unchanged) }

// WithoutDeletions returns a copy with the deletion partition emptied.
func (r Result[K, S, P]) WithoutDeletions() Result[K, S, P] {
	r.Deletions = nil
	return r
}

// Summary renders the partition counts for logs.
func (r Result[K, S, P]) Summary() string {
	return fmt.Sprintf("additions=%d updates=%d deletions=%d unchanged=%d",
		len(r.Additions), len(r.Updates), len(r.Deletions), len(r.Unchanged))
}
