package domain

import (
	"strings"
	"time"
)

type UserRole string

const (
	RoleStudent UserRole = "student"
	RoleTeacher UserRole = "teacher"
	RoleAdmin   UserRole = "admin"
)

// MessageStatus is the delivery state of a message. It only moves forward:
// DRAFT -> SENT -> READ.
type MessageStatus string

const (
	StatusDraft MessageStatus = "DRAFT"
	StatusSent  MessageStatus = "SENT"
	StatusRead  MessageStatus = "READ"
)

// Rank orders statuses so callers can check that a transition never regresses.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusSent:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	return s.Rank() >= 0
}

type User struct {
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Role      UserRole  `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DisplayName joins first and last name, skipping empty parts.
func (u User) DisplayName() string {
	return strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
}

type Conversation struct {
	ID             string    `json:"id"`
	Name           *string   `json:"name"`
	IsGroup        bool      `json:"isGroup"`
	IsAnnouncement bool      `json:"isAnnouncement"`
	CourseID       *string   `json:"courseId"`
	DirectKey      string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Participant struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsAdmin        bool      `json:"isAdmin"`
	JoinedAt       time.Time `json:"joinedAt"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	IsDraft        bool          `json:"isDraft"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// VisibleTo reports whether viewerID may see m: sent messages are visible to
// every participant, drafts only to their author.
func (m Message) VisibleTo(viewerID string) bool {
	return !m.IsDraft || m.SenderID == viewerID
}

// ParticipantView is a participant joined with the user directory.
type ParticipantView struct {
	UserID    string   `json:"userId"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Role      UserRole `json:"role"`
	IsAdmin   bool     `json:"isAdmin"`
}

// ConversationDetail is the single-conversation view returned to a participant.
type ConversationDetail struct {
	Conversation
	Participants []ParticipantView `json:"participants"`
	Messages     []Message         `json:"messages"`
}

// ConversationSummary is one inbox row.
type ConversationSummary struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	IsGroup           bool              `json:"isGroup"`
	IsAnnouncement    bool              `json:"isAnnouncement"`
	CourseID          *string           `json:"courseId"`
	LastMessage       *Message          `json:"lastMessage"`
	OtherParticipants []ParticipantView `json:"otherParticipants"`
	UnreadCount       int               `json:"unreadCount"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

type Inbox struct {
	Conversations []ConversationSummary `json:"conversations"`
	HasMore       bool                  `json:"hasMore"`
	Total         int                   `json:"total"`
	UnreadCount   int                   `json:"unreadCount"`
}

type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor"`
}
