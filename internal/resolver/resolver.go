// Package resolver computes the current value of references and reports
// drift between static snapshots and their live sources.
package resolver

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"actionline/internal/domain"
)

// ErrRecordNotFound is returned by a RecordSource when the source record was
// deleted. The resolver degrades it to a stale result; it never reaches the
// caller of Resolve.
var ErrRecordNotFound = errors.New("source record not found")

// RecordSource is the external record store collaborator. One call returns
// the full field map so batch resolution pays one fetch per record.
type RecordSource interface {
	Record(ctx context.Context, id string) (map[string]any, error)
}

// Resolver resolves references against a record source. Static references
// never touch the source; dynamic references are always recomputed live,
// under Timeout when the caller's context has no earlier deadline.
type Resolver struct {
	Source  RecordSource
	Timeout time.Duration
	cache   *lru.Cache[cacheKey, domain.ResolvedValue]
}

type cacheKey struct {
	ReferenceID string
	AsOf        string
}

// New builds a resolver with a bounded read-through cache. cacheSize <= 0
// disables caching.
func New(source RecordSource, timeout time.Duration, cacheSize int) *Resolver {
	r := &Resolver{Source: source, Timeout: timeout}
	if cacheSize > 0 {
		r.cache, _ = lru.New[cacheKey, domain.ResolvedValue](cacheSize)
	}
	return r
}

// Resolve computes the current value of one reference.
func (r *Resolver) Resolve(ctx context.Context, ref domain.Reference) (domain.ResolvedValue, error) {
	if ref.Mode == domain.RefStatic {
		// Snapshot verbatim, zero I/O.
		return domain.ResolvedValue{Value: ref.SnapshotValue, Mode: domain.RefStatic}, nil
	}
	value, err := r.liveValue(ctx, ref.SourceRecordID, ref.SourceFieldKey)
	if err != nil {
		if degradable(err) {
			return domain.ResolvedValue{Mode: domain.RefDynamic, Stale: true}, nil
		}
		return domain.ResolvedValue{}, err
	}
	return domain.ResolvedValue{Value: value, Mode: domain.RefDynamic}, nil
}

// ResolveCached is the read-through form keyed by (referenceID, asOf). The
// caller owns invalidation: pass a new asOf token after every append to the
// owning action.
func (r *Resolver) ResolveCached(ctx context.Context, ref domain.Reference, asOf string) (domain.ResolvedValue, error) {
	if r.cache == nil {
		return r.Resolve(ctx, ref)
	}
	key := cacheKey{ReferenceID: ref.ID, AsOf: asOf}
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}
	resolved, err := r.Resolve(ctx, ref)
	if err != nil {
		return domain.ResolvedValue{}, err
	}
	if !resolved.Stale {
		// Stale results are not cached so a recovered source is picked up
		// on the next read.
		r.cache.Add(key, resolved)
	}
	return resolved, nil
}

// Invalidate drops one cached entry.
func (r *Resolver) Invalidate(referenceID, asOf string) {
	if r.cache != nil {
		r.cache.Remove(cacheKey{ReferenceID: referenceID, AsOf: asOf})
	}
}

// ResolveMany resolves a batch with one source fetch per distinct dynamic
// record. The result is keyed by reference id. A dangling or timed-out
// source marks only its own entries stale; the rest of the batch resolves
// normally.
func (r *Resolver) ResolveMany(ctx context.Context, refs []domain.Reference) (map[string]domain.ResolvedValue, error) {
	out := make(map[string]domain.ResolvedValue, len(refs))
	records := map[string]map[string]any{}
	missing := map[string]bool{}
	for _, ref := range refs {
		if ref.Mode == domain.RefStatic {
			out[ref.ID] = domain.ResolvedValue{Value: ref.SnapshotValue, Mode: domain.RefStatic}
			continue
		}
		fields, fetched := records[ref.SourceRecordID]
		if !fetched && !missing[ref.SourceRecordID] {
			var err error
			fields, err = r.fetchRecord(ctx, ref.SourceRecordID)
			if err != nil {
				if !degradable(err) {
					return nil, err
				}
				missing[ref.SourceRecordID] = true
			} else {
				records[ref.SourceRecordID] = fields
			}
		}
		if missing[ref.SourceRecordID] {
			out[ref.ID] = domain.ResolvedValue{Mode: domain.RefDynamic, Stale: true}
			continue
		}
		value, ok := records[ref.SourceRecordID][ref.SourceFieldKey]
		if !ok {
			out[ref.ID] = domain.ResolvedValue{Mode: domain.RefDynamic, Stale: true}
			continue
		}
		out[ref.ID] = domain.ResolvedValue{Value: value, Mode: domain.RefDynamic}
	}
	return out, nil
}

// CheckDrift compares a static snapshot against the live source value,
// fetched the same way a dynamic reference at the same source would be.
// Dynamic references cannot drift by construction.
func (r *Resolver) CheckDrift(ctx context.Context, ref domain.Reference) (domain.DriftResult, error) {
	if ref.Mode == domain.RefDynamic {
		return domain.DriftResult{}, nil
	}
	live, err := r.liveValue(ctx, ref.SourceRecordID, ref.SourceFieldKey)
	if err != nil {
		if degradable(err) {
			live = nil
		} else {
			return domain.DriftResult{}, err
		}
	}
	return domain.DriftResult{
		HasDrift:      !StructuralEqual(ref.SnapshotValue, live),
		LiveValue:     live,
		SnapshotValue: ref.SnapshotValue,
	}, nil
}

func (r *Resolver) liveValue(ctx context.Context, recordID, fieldKey string) (any, error) {
	fields, err := r.fetchRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	value, ok := fields[fieldKey]
	if !ok {
		// A record that lost the pointed-at field is dangling the same way a
		// deleted record is.
		return nil, ErrRecordNotFound
	}
	return value, nil
}

func (r *Resolver) fetchRecord(ctx context.Context, recordID string) (map[string]any, error) {
	if r.Timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
	}
	return r.Source.Record(ctx, recordID)
}

func degradable(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, context.DeadlineExceeded)
}
