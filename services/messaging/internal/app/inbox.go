package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"coursehub/pkg/domain"
	"coursehub/pkg/store"
)

const (
	defaultConversationPageSize = 8
	maxConversationPageSize     = 50
	unknownUserName             = "Unknown user"
)

// InboxQuery pages through the viewer's conversations. Page is 1-based.
type InboxQuery struct {
	Page           int
	Limit          int
	IsAnnouncement bool
}

// ListConversations builds the viewer's inbox. Conversations in which every
// visible message is one of the viewer's own drafts are hidden, so the page
// window is applied after that filter rather than in the store.
func (a *App) ListConversations(ctx context.Context, viewerID string, q InboxQuery) (domain.Inbox, error) {
	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := clampLimit(q.Limit, defaultConversationPageSize, maxConversationPageSize)

	var (
		candidates []store.InboxCandidate
		unread     int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		candidates, err = a.store.ListInboxCandidates(gctx, viewerID, q.IsAnnouncement)
		if err != nil {
			return fmt.Errorf("list inbox candidates: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		unread, err = a.store.CountUnread(gctx, viewerID, q.IsAnnouncement)
		if err != nil {
			return fmt.Errorf("count unread: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Inbox{}, err
	}

	visible := candidates[:0]
	for _, c := range candidates {
		if c.LastMessage != nil {
			visible = append(visible, c)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool {
		x, y := visible[i].Conversation, visible[j].Conversation
		if !x.UpdatedAt.Equal(y.UpdatedAt) {
			return x.UpdatedAt.After(y.UpdatedAt)
		}
		return x.ID > y.ID
	})

	total := len(visible)
	// Pages past the end are clamped before multiplying so huge page numbers
	// cannot overflow skip.
	skip := total
	if pages := (total + limit - 1) / limit; page-1 < pages {
		skip = (page - 1) * limit
	}
	window := []store.InboxCandidate{}
	if skip < total {
		end := skip + limit
		if end > total {
			end = total
		}
		window = visible[skip:end]
	}

	users, err := a.store.GetUsers(ctx, otherParticipantIDs(window, viewerID))
	if err != nil {
		return domain.Inbox{}, fmt.Errorf("load users: %w", err)
	}
	summaries := make([]domain.ConversationSummary, 0, len(window))
	for _, c := range window {
		others := toParticipantViews(c.Participants, users, viewerID)
		summaries = append(summaries, domain.ConversationSummary{
			ID:                c.Conversation.ID,
			Name:              displayName(c.Conversation, others),
			IsGroup:           c.Conversation.IsGroup,
			IsAnnouncement:    c.Conversation.IsAnnouncement,
			CourseID:          c.Conversation.CourseID,
			LastMessage:       c.LastMessage,
			OtherParticipants: others,
			UnreadCount:       c.UnreadCount,
			CreatedAt:         c.Conversation.CreatedAt,
			UpdatedAt:         c.Conversation.UpdatedAt,
		})
	}
	return domain.Inbox{
		Conversations: summaries,
		HasMore:       total > skip+limit,
		Total:         total,
		UnreadCount:   unread,
	}, nil
}

func otherParticipantIDs(window []store.InboxCandidate, viewerID string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range window {
		for _, p := range c.Participants {
			if p.UserID == viewerID {
				continue
			}
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// displayName is the group name when set, otherwise the other participants'
// names (comma-joined for groups, the single counterpart for 1:1).
func displayName(c domain.Conversation, others []domain.ParticipantView) string {
	if c.IsGroup && c.Name != nil && strings.TrimSpace(*c.Name) != "" {
		return *c.Name
	}
	names := make([]string, 0, len(others))
	for _, o := range others {
		name := domain.User{FirstName: o.FirstName, LastName: o.LastName}.DisplayName()
		if name == "" {
			name = unknownUserName
		}
		names = append(names, name)
	}
	if !c.IsGroup {
		if len(names) == 0 {
			return unknownUserName
		}
		return names[0]
	}
	return strings.Join(names, ", ")
}
