package store

import "time"

// GORM models used for persistence.
type UserModel struct {
	ID        string    `gorm:"primaryKey"`
	FirstName string    `gorm:"not null"`
	LastName  string    `gorm:"not null"`
	Role      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

type ConversationModel struct {
	ID             string `gorm:"primaryKey"`
	Name           *string
	IsGroup        bool    `gorm:"not null;default:false"`
	IsAnnouncement bool    `gorm:"not null;default:false;index"`
	CourseID       *string `gorm:"index"`
	// DirectKey is "<lowID>:<highID>" for non-group conversations and NULL
	// otherwise, so the unique index only constrains 1:1 conversations.
	DirectKey *string   `gorm:"uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type ParticipantModel struct {
	UserID         string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"primaryKey;index"`
	IsAdmin        bool      `gorm:"not null;default:false"`
	JoinedAt       time.Time `gorm:"not null"`
}

func (ParticipantModel) TableName() string { return "conversation_participants" }

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index:idx_message_conversation_created,priority:1"`
	SenderID       string    `gorm:"not null;index"`
	Content        string    `gorm:"type:text;not null"`
	IsDraft        bool      `gorm:"not null;default:false"`
	Status         string    `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"not null;index:idx_message_conversation_created,priority:2"`
	UpdatedAt      time.Time `gorm:"not null"`
}
