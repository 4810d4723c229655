package pipeline_test

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jonesrussell/north-cloud/staffdir/internal/database"
	"github.com/jonesrussell/north-cloud/staffdir/internal/domain"
)

// memStore is an in-memory pipeline.Store. Transact restores the previous
// state when the callback fails or panics.
type memStore struct {
	mu sync.Mutex

	targets   map[string]*domain.Target
	snapshots map[string]*domain.Snapshot
	profiles  map[string]*domain.Profile
	changes   []*domain.ChangeRecord
	failures  map[string]*domain.FailureRecord

	processed     []processedCall
	panicOnCreate bool
	failOnScrape  error
	upsertFailErr error
}

type processedCall struct {
	targetID        string
	extractorFailed bool
}

func newMemStore(targets ...*domain.Target) *memStore {
	s := &memStore{
		targets:   make(map[string]*domain.Target),
		snapshots: make(map[string]*domain.Snapshot),
		profiles:  make(map[string]*domain.Profile),
		failures:  make(map[string]*domain.FailureRecord),
	}
	for _, t := range targets {
		s.targets[t.ID] = t
	}
	return s
}

type memState struct {
	targets   map[string]domain.Target
	snapshots map[string]*domain.Snapshot
	profiles  map[string]*domain.Profile
	changes   []*domain.ChangeRecord
	failures  map[string]*domain.FailureRecord
}

func (s *memStore) save() memState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := memState{
		targets:   make(map[string]domain.Target, len(s.targets)),
		snapshots: maps.Clone(s.snapshots),
		profiles:  maps.Clone(s.profiles),
		changes:   slices.Clone(s.changes),
		failures:  maps.Clone(s.failures),
	}
	for id, t := range s.targets {
		st.targets[id] = *t
	}
	return st
}

func (s *memStore) restore(st memState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range st.targets {
		*s.targets[id] = t
	}
	s.snapshots, s.profiles, s.changes, s.failures = st.snapshots, st.profiles, st.changes, st.failures
}

func (s *memStore) Transact(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	st := s.save()
	defer func() {
		if p := recover(); p != nil {
			s.restore(st)
			panic(p)
		}
		if err != nil {
			s.restore(st)
		}
	}()
	return fn(ctx)
}

func (s *memStore) LatestSnapshot(_ context.Context, targetID string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok || t.LatestSnapshotID == nil {
		return nil, nil
	}
	return s.snapshots[*t.LatestSnapshotID], nil
}

func (s *memStore) CreateSnapshot(_ context.Context, snap *domain.Snapshot) error {
	if s.panicOnCreate {
		panic("snapshot storage exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.ID] = snap
	return nil
}

func (s *memStore) UpsertProfile(_ context.Context, p *domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[p.Fingerprint]
	if !ok {
		cp := *p
		s.profiles[p.Fingerprint] = &cp
		return nil
	}
	cp := *p
	cp.FirstSeenAt = existing.FirstSeenAt
	merged := append(slices.Clone(existing.Categories), p.Categories...)
	slices.Sort(merged)
	cp.Categories = slices.Compact(merged)
	s.profiles[p.Fingerprint] = &cp
	return nil
}

func (s *memStore) CreateChange(_ context.Context, c *domain.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
	return nil
}

func (s *memStore) RecordScrape(_ context.Context, targetID string, u database.ScrapeUpdate) error {
	if s.failOnScrape != nil {
		return s.failOnScrape
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return database.ErrNotFound
	}
	id, at := u.SnapshotID, u.ScrapedAt
	t.LatestSnapshotID = &id
	t.LastScrapedAt = &at
	t.LastExtractor = u.Extractor
	t.LastExtractorFailed = false
	t.LastRecordCount = u.RecordCount
	return nil
}

func (s *memStore) MarkProcessed(_ context.Context, targetID string, at time.Time, extractorFailed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return database.ErrNotFound
	}
	t.LastProcessedAt = &at
	t.ProcessCount++
	t.LastExtractorFailed = t.LastExtractorFailed || extractorFailed
	s.processed = append(s.processed, processedCall{targetID: targetID, extractorFailed: extractorFailed})
	return nil
}

func (s *memStore) UpsertFailure(_ context.Context, f *domain.FailureRecord) error {
	if s.upsertFailErr != nil {
		return s.upsertFailErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	cp.Attempts = 1
	if existing, ok := s.failures[f.TargetURL]; ok {
		cp.Attempts = existing.Attempts + 1
	}
	s.failures[f.TargetURL] = &cp
	f.Attempts = cp.Attempts
	return nil
}

func (s *memStore) DeleteFailure(_ context.Context, targetURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, targetURL)
	return nil
}

func (s *memStore) SnapshotIDs(_ context.Context, targetID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snaps []*domain.Snapshot
	for _, snap := range s.snapshots {
		if snap.TargetID == targetID {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.ID)
	}
	return ids, nil
}

func (s *memStore) DeleteChangesReferencing(_ context.Context, snapshotID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	s.changes = slices.DeleteFunc(s.changes, func(c *domain.ChangeRecord) bool {
		hit := c.ToSnapshotID == snapshotID || (c.FromSnapshotID != nil && *c.FromSnapshotID == snapshotID)
		if hit {
			n++
		}
		return hit
	})
	return n, nil
}

func (s *memStore) DeleteSnapshot(_ context.Context, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snapshotID]; !ok {
		return database.ErrNotFound
	}
	delete(s.snapshots, snapshotID)
	return nil
}

func (s *memStore) snapshotsFor(targetID string) []*domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Snapshot
	for _, snap := range s.snapshots {
		if snap.TargetID == targetID {
			out = append(out, snap)
		}
	}
	return out
}

func (s *memStore) failureFor(targetURL string) *domain.FailureRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[targetURL]
}

func (s *memStore) changeRecords() []*domain.ChangeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.changes)
}
