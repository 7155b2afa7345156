package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/tacos8me/calldoc/internal/models"
)

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	ids       map[string]int64
	calls     map[string]models.CallFields
	upserts   []models.CallFields
	events    []models.CallEventRow
	agents    map[string]models.AgentState
	groups    map[string]models.GroupStats
	upsertErr error
}

func newMemStore() *memStore {
	return &memStore{
		ids:    make(map[string]int64),
		calls:  make(map[string]models.CallFields),
		agents: make(map[string]models.AgentState),
		groups: make(map[string]models.GroupStats),
	}
}

func (s *memStore) UpsertCall(_ context.Context, f models.CallFields) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, f)
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	id, ok := s.ids[f.ExternalCallID]
	if !ok {
		s.nextID++
		id = s.nextID
		s.ids[f.ExternalCallID] = id
	}
	s.calls[f.ExternalCallID] = f
	return id, nil
}

func (s *memStore) InsertCallEvent(_ context.Context, row models.CallEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, row)
	return nil
}

func (s *memStore) UpdateAgentState(_ context.Context, st models.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[st.Extension] = st
	return nil
}

func (s *memStore) UpdateGroupStats(_ context.Context, gs models.GroupStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[gs.Group] = gs
	return nil
}

func (s *memStore) call(id string) (models.CallFields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.calls[id]
	return f, ok
}

func (s *memStore) lifecycle(id string) []models.LifecycleType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LifecycleType
	for _, row := range s.events {
		if row.ExternalCallID == id {
			out = append(out, row.Type)
		}
	}
	return out
}

func (s *memStore) agent(ext string) (models.AgentState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[ext]
	return st, ok
}

func (s *memStore) group(name string) (models.GroupStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.groups[name]
	return gs, ok
}

type memPublisher struct {
	mu   sync.Mutex
	sent []models.CallAnnouncement
	err  error
}

func (p *memPublisher) PublishCall(_ context.Context, a models.CallAnnouncement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, a)
	return p.err
}

func (p *memPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, a := range p.sent {
		out = append(out, a.Type)
	}
	return out
}

type mapDirectory map[string]models.Agent

func (d mapDirectory) ResolveAgent(_ context.Context, ext string) (*models.Agent, error) {
	a, ok := d[ext]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
