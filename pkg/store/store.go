package store

import (
	"context"
	"errors"
	"time"

	"coursehub/pkg/domain"
)

// ErrDuplicateConversation is returned by CreateConversation when another
// non-group conversation already holds the same participant pair.
var ErrDuplicateConversation = errors.New("direct conversation already exists")

// Store defines persistence operations for users, conversations, participants and messages.
type Store interface {
	// users
	SaveUser(ctx context.Context, u domain.User) error
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)
	GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error)

	// participants
	GetParticipant(ctx context.Context, conversationID, userID string) (domain.Participant, bool, error)
	ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error)

	// conversations
	CreateConversation(ctx context.Context, c domain.Conversation, participants []domain.Participant) error
	FindDirectConversation(ctx context.Context, directKey string) (domain.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error)
	UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error
	DeleteConversation(ctx context.Context, id string) error
	ListInboxCandidates(ctx context.Context, viewerID string, isAnnouncement bool) ([]InboxCandidate, error)
	CountUnread(ctx context.Context, viewerID string, isAnnouncement bool) (int, error)

	// messages
	CreateMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, bool, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]domain.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []string, at time.Time) error
	EditMessage(ctx context.Context, id, senderID string, edit MessageEdit) (domain.Message, bool, error)
	DeleteMessage(ctx context.Context, id, senderID string, draftOnly bool) (bool, error)
	ListDrafts(ctx context.Context, senderID, conversationID string) ([]domain.Message, error)
}

// ConversationUpdate is applied atomically. Name is only written when Rename is
// set; a nil Name clears it. Add ignores users who are already participants.
type ConversationUpdate struct {
	Rename bool
	Name   *string
	Add    []domain.Participant
	Remove []string
}

// MessageQuery selects one page of a conversation, newest first. When CursorID
// is set the page starts strictly after (older than) that message.
type MessageQuery struct {
	ConversationID string
	ViewerID       string
	CursorID       string
	Limit          int
	IncludeDrafts  bool
}

// MessageEdit is an author's change to one of their messages. Send flips a
// draft to SENT and refreshes the conversation's activity timestamp; it only
// matches rows that are still drafts. DraftOnly restricts any edit to drafts.
type MessageEdit struct {
	Content   *string
	Send      bool
	DraftOnly bool
	At        time.Time
}

// InboxCandidate is a conversation the viewer participates in, with the
// aggregates the inbox needs. LastMessage is the newest non-draft message and
// is nil when every message visible to the viewer is one of their own drafts.
type InboxCandidate struct {
	Conversation domain.Conversation
	Participants []domain.Participant
	LastMessage  *domain.Message
	UnreadCount  int
}
