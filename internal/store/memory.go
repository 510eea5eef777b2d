package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kapetan-io/pixstream/internal/types"
	"github.com/kapetan-io/pixstream/transport"
	"github.com/kapetan-io/tackle/clock"
	"github.com/segmentio/ksuid"
)

// ---------------------------------------------
// Messages Implementation
// ---------------------------------------------

type MemoryMessages struct {
	mu     sync.Mutex
	byISPB map[string][]*types.Message
	// next is the index of the first unclaimed message in each ISPB partition
	next map[string]int
	e2e  map[string]struct{}
	uid  ksuid.KSUID
}

var _ Messages = &MemoryMessages{}

func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{
		byISPB: make(map[string][]*types.Message),
		next:   make(map[string]int),
		e2e:    make(map[string]struct{}),
		uid:    ksuid.New(),
	}
}

func (m *MemoryMessages) Add(_ context.Context, msgs []*types.Message, now clock.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(msgs))
	for _, msg := range msgs {
		if _, ok := m.e2e[msg.EndToEndID]; ok {
			return transport.NewInvalidOption("invalid message; end-to-end id '%s' already exists", msg.EndToEndID)
		}
		if _, ok := seen[msg.EndToEndID]; ok {
			return transport.NewInvalidOption("invalid message; end-to-end id '%s' is duplicated in the batch",
				msg.EndToEndID)
		}
		seen[msg.EndToEndID] = struct{}{}
	}

	for _, msg := range msgs {
		m.uid = m.uid.Next()
		msg.ID = m.uid.String()
		msg.CreatedAt = now.UTC()

		cpy := *msg
		m.byISPB[msg.ISPB()] = append(m.byISPB[msg.ISPB()], &cpy)
		m.e2e[msg.EndToEndID] = struct{}{}
	}
	return nil
}

func (m *MemoryMessages) Claim(_ context.Context, req types.ClaimRequest, claimed *[]*types.Message,
	now clock.Time) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	// Messages are claimed in the order they were added, so everything before next is claimed
	partition := m.byISPB[req.ISPB]
	idx := m.next[req.ISPB]
	for ; idx < len(partition) && idx-m.next[req.ISPB] < req.Limit; idx++ {
		msg := partition[idx]
		msg.Claimed = true
		msg.ClaimedBy = req.SessionID
		msg.ClaimedAt = now.UTC()

		cpy := *msg
		*claimed = append(*claimed, &cpy)
	}
	m.next[req.ISPB] = idx
	return nil
}

func (m *MemoryMessages) List(_ context.Context, ispb string, msgs *[]*types.Message, opts types.ListOptions) error {
	if opts.Pivot != "" {
		if _, err := ksuid.Parse(opts.Pivot); err != nil {
			return transport.NewInvalidOption("invalid storage id; '%s': %s", opts.Pivot, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	partition := m.byISPB[ispb]
	var idx int
	if opts.Pivot != "" {
		idx = sort.Search(len(partition), func(i int) bool {
			return partition[i].ID >= opts.Pivot
		})
	}

	var count int
	for _, msg := range partition[idx:] {
		if count >= opts.Limit {
			return nil
		}
		cpy := *msg
		*msgs = append(*msgs, &cpy)
		count++
	}
	return nil
}

func (m *MemoryMessages) Ping(_ context.Context) error {
	return nil
}

func (m *MemoryMessages) Close(_ context.Context) error {
	return nil
}

// ---------------------------------------------
// Sessions Implementation
// ---------------------------------------------

type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	// active holds the active sessions of each ISPB ordered by CreatedAt
	active map[string][]*types.Session
}

var _ Sessions = &MemorySessions{}

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		sessions: make(map[string]*types.Session),
		active:   make(map[string][]*types.Session),
	}
}

func (m *MemorySessions) Create(_ context.Context, session types.Session, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active[session.ISPB]) >= maxActive {
		return ErrMaxActive
	}

	session.Active = true
	m.sessions[session.ID] = &session

	active := m.active[session.ISPB]
	idx := sort.Search(len(active), func(i int) bool {
		return session.CreatedAt.Before(active[i].CreatedAt)
	})
	active = append(active, nil)
	copy(active[idx+1:], active[idx:])
	active[idx] = &session
	m.active[session.ISPB] = active
	return nil
}

func (m *MemorySessions) Get(_ context.Context, ispb, id string, session *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.find(ispb, id)
	if !ok {
		return ErrSessionNotExist
	}
	*session = *s
	return nil
}

func (m *MemorySessions) CountActive(_ context.Context, ispb string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active[ispb]), nil
}

func (m *MemorySessions) Discard(_ context.Context, ispb, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.find(ispb, id)
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	m.removeActive(s)
	return nil
}

func (m *MemorySessions) Deactivate(_ context.Context, ispb, id string, session *types.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s *types.Session
	if id == "" {
		if len(m.active[ispb]) == 0 {
			return false, nil
		}
		s = m.active[ispb][0]
	} else {
		var ok bool
		if s, ok = m.find(ispb, id); !ok || !s.Active {
			return false, nil
		}
	}

	s.Active = false
	m.removeActive(s)
	if session != nil {
		*session = *s
	}
	return true, nil
}

func (m *MemorySessions) Touch(_ context.Context, ispb, id string, now clock.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.find(ispb, id)
	if !ok {
		return ErrSessionNotExist
	}
	s.LastPullAt = now.UTC()
	return nil
}

func (m *MemorySessions) Ping(_ context.Context) error {
	return nil
}

func (m *MemorySessions) Close(_ context.Context) error {
	return nil
}

func (m *MemorySessions) find(ispb, id string) (*types.Session, bool) {
	s, ok := m.sessions[id]
	if !ok || s.ISPB != ispb {
		return nil, false
	}
	return s, true
}

func (m *MemorySessions) removeActive(s *types.Session) {
	active := m.active[s.ISPB]
	for i := range active {
		if active[i] == s {
			m.active[s.ISPB] = append(active[:i], active[i+1:]...)
			break
		}
	}
	if len(m.active[s.ISPB]) == 0 {
		delete(m.active, s.ISPB)
	}
}
