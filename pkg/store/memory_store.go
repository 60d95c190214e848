package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursehub/pkg/domain"
)

// MemoryStore keeps conversations in-process for local runs and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]domain.User
	conversations map[string]domain.Conversation
	direct        map[string]string                        // direct key -> conversation ID
	participants  map[string]map[string]domain.Participant // conversation ID -> user ID -> row
	messages      map[string]domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]domain.User),
		conversations: make(map[string]domain.Conversation),
		direct:        make(map[string]string),
		participants:  make(map[string]map[string]domain.Participant),
		messages:      make(map[string]domain.Message),
	}
}

// SaveUser registers or refreshes a user.
func (m *MemoryStore) SaveUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[u.ID]; ok && !existing.CreatedAt.IsZero() {
		u.CreatedAt = existing.CreatedAt
	}
	m.users[u.ID] = u
	return nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUsers returns the known users among ids.
func (m *MemoryStore) GetUsers(_ context.Context, ids []string) (map[string]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.User, len(ids))
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, conversationID, userID string) (domain.Participant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[conversationID][userID]
	return p, ok, nil
}

func (m *MemoryStore) ListParticipants(_ context.Context, conversationID string) ([]domain.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listParticipantsLocked(conversationID), nil
}

func (m *MemoryStore) listParticipantsLocked(conversationID string) []domain.Participant {
	rows := m.participants[conversationID]
	out := make([]domain.Participant, 0, len(rows))
	for _, p := range rows {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CreateConversation stores c and its participants. A second non-group
// conversation for the same pair fails with ErrDuplicateConversation.
func (m *MemoryStore) CreateConversation(_ context.Context, c domain.Conversation, participants []domain.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !c.IsGroup && c.DirectKey != "" {
		if _, exists := m.direct[c.DirectKey]; exists {
			return ErrDuplicateConversation
		}
		m.direct[c.DirectKey] = c.ID
	}
	m.conversations[c.ID] = c
	rows := make(map[string]domain.Participant, len(participants))
	for _, p := range participants {
		p.ConversationID = c.ID
		rows[p.UserID] = p
	}
	m.participants[c.ID] = rows
	return nil
}

func (m *MemoryStore) FindDirectConversation(_ context.Context, directKey string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.direct[directKey]
	if !ok {
		return domain.Conversation{}, false, nil
	}
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

// UpdateConversation renames and changes membership under one lock.
func (m *MemoryStore) UpdateConversation(_ context.Context, id string, upd ConversationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	if upd.Rename {
		var name *string
		if upd.Name != nil {
			v := *upd.Name
			name = &v
		}
		c.Name = name
		m.conversations[id] = c
	}
	rows, ok := m.participants[id]
	if !ok {
		rows = make(map[string]domain.Participant)
		m.participants[id] = rows
	}
	for _, p := range upd.Add {
		if _, exists := rows[p.UserID]; exists {
			continue
		}
		p.ConversationID = id
		rows[p.UserID] = p
	}
	for _, userID := range upd.Remove {
		delete(rows, userID)
	}
	return nil
}

// DeleteConversation drops the conversation together with its participants and messages.
func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	if c.DirectKey != "" {
		delete(m.direct, c.DirectKey)
	}
	delete(m.conversations, id)
	delete(m.participants, id)
	for msgID, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, msgID)
		}
	}
	return nil
}

func (m *MemoryStore) ListInboxCandidates(_ context.Context, viewerID string, isAnnouncement bool) ([]InboxCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InboxCandidate, 0)
	for id, c := range m.conversations {
		if c.IsAnnouncement != isAnnouncement {
			continue
		}
		if _, member := m.participants[id][viewerID]; !member {
			continue
		}
		cand := InboxCandidate{
			Conversation: c,
			Participants: m.listParticipantsLocked(id),
		}
		var latest *domain.Message
		for _, msg := range m.messages {
			if msg.ConversationID != id || msg.IsDraft {
				continue
			}
			if isUnreadFor(msg, viewerID) {
				cand.UnreadCount++
			}
			if latest == nil || newerThan(msg, *latest) {
				mm := msg
				latest = &mm
			}
		}
		cand.LastMessage = latest
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (m *MemoryStore) CountUnread(_ context.Context, viewerID string, isAnnouncement bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, msg := range m.messages {
		c, ok := m.conversations[msg.ConversationID]
		if !ok || c.IsAnnouncement != isAnnouncement {
			continue
		}
		if _, member := m.participants[msg.ConversationID][viewerID]; !member {
			continue
		}
		if isUnreadFor(msg, viewerID) {
			count++
		}
	}
	return count, nil
}

func isUnreadFor(msg domain.Message, viewerID string) bool {
	return !msg.IsDraft && msg.Status == domain.StatusSent && msg.SenderID != viewerID
}

// newerThan orders messages by (CreatedAt, ID), matching the SQL cursor order.
func newerThan(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// CreateMessage stores msg; a non-draft refreshes the conversation's activity time.
func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ID] = msg
	if !msg.IsDraft {
		m.touchLocked(msg.ConversationID, msg.CreatedAt)
	}
	return nil
}

func (m *MemoryStore) touchLocked(conversationID string, at time.Time) {
	if c, ok := m.conversations[conversationID]; ok {
		c.UpdatedAt = at
		m.conversations[conversationID] = c
	}
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	return msg, ok, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, q MessageQuery) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if q.Limit <= 0 {
		return []domain.Message{}, nil
	}
	var cursor *domain.Message
	if q.CursorID != "" {
		c, ok := m.messages[q.CursorID]
		if !ok || c.ConversationID != q.ConversationID {
			return []domain.Message{}, nil
		}
		cursor = &c
	}
	all := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if msg.ConversationID != q.ConversationID {
			continue
		}
		if msg.IsDraft && (!q.IncludeDrafts || msg.SenderID != q.ViewerID) {
			continue
		}
		if cursor != nil && !newerThan(*cursor, msg) {
			continue
		}
		all = append(all, msg)
	}
	sort.Slice(all, func(i, j int) bool { return newerThan(all[i], all[j]) })
	if len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, readerID string, ids []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		msg, ok := m.messages[id]
		if !ok || !isUnreadFor(msg, readerID) {
			continue
		}
		msg.Status = domain.StatusRead
		msg.UpdatedAt = at
		m.messages[id] = msg
	}
	return nil
}

func (m *MemoryStore) EditMessage(_ context.Context, id, senderID string, edit MessageEdit) (domain.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.SenderID != senderID {
		return domain.Message{}, false, nil
	}
	if (edit.DraftOnly || edit.Send) && !msg.IsDraft {
		return domain.Message{}, false, nil
	}
	if edit.Content != nil {
		msg.Content = *edit.Content
	}
	if edit.Send {
		msg.IsDraft = false
		msg.Status = domain.StatusSent
		m.touchLocked(msg.ConversationID, edit.At)
	}
	msg.UpdatedAt = edit.At
	m.messages[id] = msg
	return msg, true, nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, id, senderID string, draftOnly bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok || msg.SenderID != senderID || (draftOnly && !msg.IsDraft) {
		return false, nil
	}
	delete(m.messages, id)
	return true, nil
}

func (m *MemoryStore) ListDrafts(_ context.Context, senderID, conversationID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Message, 0)
	for _, msg := range m.messages {
		if !msg.IsDraft || msg.SenderID != senderID {
			continue
		}
		if conversationID != "" && msg.ConversationID != conversationID {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
