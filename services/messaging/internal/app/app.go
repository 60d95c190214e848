package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursehub/internal/util"
	"coursehub/pkg/store"
)

const (
	defaultEditWindow               = 5 * time.Minute
	defaultConversationMessageLimit = 50
)

// CourseDirectory answers whether a course exists. It is backed by the course
// service in production.
type CourseDirectory interface {
	CourseExists(ctx context.Context, courseID string) (bool, error)
}

// Config holds runtime configuration for the messaging core.
type Config struct {
	// DatabaseURL is used to open a GormStore when Store is nil.
	DatabaseURL string
	Store       store.Store
	// Courses validates courseId on create. When nil, course ids are stored unchecked.
	Courses                  CourseDirectory
	EditWindow               time.Duration
	ConversationMessageLimit int
	Clock                    func() time.Time
	NewID                    func() string
}

// App implements conversations, messages, drafts and the inbox on top of a Store.
// Every operation takes the caller's user id explicitly.
type App struct {
	store                    store.Store
	courses                  CourseDirectory
	editWindow               time.Duration
	conversationMessageLimit int
	clock                    func() time.Time
	newID                    func() string
}

// New constructs the application, opening a Postgres store when none is given.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	editWindow := cfg.EditWindow
	if editWindow <= 0 {
		editWindow = defaultEditWindow
	}
	messageLimit := cfg.ConversationMessageLimit
	if messageLimit <= 0 {
		messageLimit = defaultConversationMessageLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = util.NewID
	}
	return &App{
		store:                    dataStore,
		courses:                  cfg.Courses,
		editWindow:               editWindow,
		conversationMessageLimit: messageLimit,
		clock:                    clock,
		newID:                    newID,
	}, nil
}

func (a *App) now() time.Time {
	return a.clock().UTC()
}
