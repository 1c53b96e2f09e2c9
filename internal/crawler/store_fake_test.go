package crawler

import (
	"context"
	"errors"
	"sync"
)

// memStore is an in-memory Store with copy-on-write transactions.
type memStore struct {
	mu    sync.Mutex
	state *memState
	// failMark makes MarkProcessed fail, simulating a storage outage.
	failMark error
}

type memState struct {
	nextID   int64
	artists  map[string]*memEntity
	users    map[string]*memEntity
	releases map[string]int64
	meta     map[int64]ReleaseMetadata
	supports map[[2]int64]struct{}
	log      []*memLogRow
	logIdx   map[string]int
}

type memEntity struct {
	id   int64
	name string
}

type memLogRow struct {
	url       string
	processed bool
	outcome   Outcome
}

func newMemStore() *memStore {
	return &memStore{state: &memState{
		artists:  map[string]*memEntity{},
		users:    map[string]*memEntity{},
		releases: map[string]int64{},
		meta:     map[int64]ReleaseMetadata{},
		supports: map[[2]int64]struct{}{},
		logIdx:   map[string]int{},
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		nextID:   s.nextID,
		artists:  make(map[string]*memEntity, len(s.artists)),
		users:    make(map[string]*memEntity, len(s.users)),
		releases: make(map[string]int64, len(s.releases)),
		meta:     make(map[int64]ReleaseMetadata, len(s.meta)),
		supports: make(map[[2]int64]struct{}, len(s.supports)),
		logIdx:   make(map[string]int, len(s.logIdx)),
	}
	for k, v := range s.artists {
		cp := *v
		out.artists[k] = &cp
	}
	for k, v := range s.users {
		cp := *v
		out.users[k] = &cp
	}
	for k, v := range s.releases {
		out.releases[k] = v
	}
	for k, v := range s.meta {
		out.meta[k] = v
	}
	for k := range s.supports {
		out.supports[k] = struct{}{}
	}
	for _, row := range s.log {
		cp := *row
		out.log = append(out.log, &cp)
	}
	for k, v := range s.logIdx {
		out.logIdx[k] = v
	}
	return out
}

func (m *memStore) VisitedURLs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for u := range m.state.artists {
		seen[u] = struct{}{}
	}
	for u := range m.state.users {
		seen[u] = struct{}{}
	}
	for u, id := range m.state.releases {
		if _, ok := m.state.meta[id]; ok {
			seen[u] = struct{}{}
		}
	}
	for _, row := range m.state.log {
		if row.processed {
			seen[row.url] = struct{}{}
		}
	}
	for _, row := range m.state.log {
		if !row.processed {
			delete(seen, row.url)
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) PendingURLs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, row := range m.state.log {
		if !row.processed {
			out = append(out, row.url)
		}
	}
	return out, nil
}

func (m *memStore) WithinTx(_ context.Context, fn func(tx StoreTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{state: m.state.clone(), failMark: m.failMark}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *memStore) Counts(context.Context) (StoreCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := StoreCounts{
		Artists:         len(m.state.artists),
		Releases:        len(m.state.releases),
		ReleaseMetadata: len(m.state.meta),
		Users:           len(m.state.users),
		Supports:        len(m.state.supports),
		LogTotal:        len(m.state.log),
	}
	for _, row := range m.state.log {
		if !row.processed {
			c.LogPending++
		}
	}
	return c, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) outcome(url string) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.state.logIdx[url]
	if !ok {
		return "", false
	}
	row := m.state.log[idx]
	return row.outcome, row.processed
}

func (m *memStore) artistName(url string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.state.artists[url]; ok {
		return a.name
	}
	return ""
}

type memTx struct {
	state    *memState
	failMark error
}

func (t *memTx) ensureEntity(set map[string]*memEntity, name, url string) int64 {
	if e, ok := set[url]; ok {
		if e.name == "" {
			e.name = name
		}
		return e.id
	}
	t.state.nextID++
	set[url] = &memEntity{id: t.state.nextID, name: name}
	return t.state.nextID
}

func (t *memTx) EnsureArtist(_ context.Context, name, url string) (int64, error) {
	return t.ensureEntity(t.state.artists, name, url), nil
}

func (t *memTx) EnsureUser(_ context.Context, name, url string) (int64, error) {
	return t.ensureEntity(t.state.users, name, url), nil
}

func (t *memTx) EnsureRelease(_ context.Context, url string) (int64, error) {
	if id, ok := t.state.releases[url]; ok {
		return id, nil
	}
	t.state.nextID++
	t.state.releases[url] = t.state.nextID
	return t.state.nextID, nil
}

func (t *memTx) InsertReleaseMetadata(_ context.Context, meta ReleaseMetadata) error {
	if _, ok := t.state.meta[meta.ReleaseID]; !ok {
		t.state.meta[meta.ReleaseID] = meta
	}
	return nil
}

func (t *memTx) InsertSupport(_ context.Context, userID, releaseID int64) error {
	t.state.supports[[2]int64{userID, releaseID}] = struct{}{}
	return nil
}

func (t *memTx) LogURLs(_ context.Context, urls []string) error {
	for _, u := range urls {
		if _, ok := t.state.logIdx[u]; ok {
			continue
		}
		t.state.logIdx[u] = len(t.state.log)
		t.state.log = append(t.state.log, &memLogRow{url: u})
	}
	return nil
}

func (t *memTx) MarkProcessed(_ context.Context, url string, outcome Outcome) error {
	if t.failMark != nil {
		return t.failMark
	}
	idx, ok := t.state.logIdx[url]
	if !ok {
		t.state.logIdx[url] = len(t.state.log)
		t.state.log = append(t.state.log, &memLogRow{url: url, processed: true, outcome: outcome})
		return nil
	}
	row := t.state.log[idx]
	if !row.processed {
		row.processed = true
		row.outcome = outcome
	}
	return nil
}

var errStoreDown = errors.New("store unavailable")
