package job

import (
	"encoding/json"
	"reflect"
)

// PreferredWorker applies the worker preference rule: when two workers both
// claim a job, the lexicographically smaller id keeps it.
func PreferredWorker(a, b string) string {
	if b < a {
		return b
	}
	return a
}

// Resolve picks the more authoritative of two versions of the same job. It
// is pure and deterministic. When no rule separates the two, a is returned.
func Resolve(a, b *Record) *Record {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case Identical(a, b):
		return a
	}

	lastA, lastB := a.Last(), b.Last()
	finA, finB := lastA.State == StateFinished, lastB.State == StateFinished

	switch {
	case finA && !finB:
		return a
	case finB && !finA:
		return b
	case finA && finB:
		return earlier(a, b, lastA, lastB)
	}

	if la, lb := len(a.History), len(b.History); la != lb {
		if lb > la {
			return b
		}
		return a
	}

	if lastA.State == lastB.State {
		if lastA.State == StateRunning {
			wa, wb := lastA.Worker(), lastB.Worker()
			if wa != wb {
				if PreferredWorker(wa, wb) == wb {
					return b
				}
				return a
			}
		}
		return earlier(a, b, lastA, lastB)
	}

	switch {
	case lastA.State == StateRunning:
		return a
	case lastB.State == StateRunning:
		return b
	}
	return earlier(a, b, a.First(), b.First())
}

// earlier returns the record whose entry carries the earlier timestamp.
func earlier(a, b *Record, ea, eb StateChange) *Record {
	if eb.Time().Before(ea.Time()) {
		return b
	}
	return a
}

// Identical reports whether two records are structurally equal.
func Identical(a, b *Record) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Hash != b.Hash || a.State != b.State || len(a.History) != len(b.History) {
		return false
	}
	// Compare encoded forms so that time values equal in instant but with
	// different monotonic readings or locations still match.
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}
