package app

import (
	"context"
	"fmt"
	"strings"

	"coursehub/pkg/domain"
	"coursehub/pkg/store"
)

const (
	defaultMessagePageSize = 20
	maxMessagePageSize     = 100
)

// MessageListOptions selects one page of a conversation. Cursor is the id of
// the oldest message the caller has already seen.
type MessageListOptions struct {
	Cursor        string
	Limit         int
	IncludeDrafts bool
}

// MessagePatch is a partial update to a message. Nil fields are untouched.
type MessagePatch struct {
	Content *string
	IsDraft *bool
	Status  *domain.MessageStatus
}

// CreateMessage sends a message, or saves it as a draft when isDraft is set.
func (a *App) CreateMessage(ctx context.Context, senderID, conversationID, content string, isDraft bool) (domain.Message, error) {
	if _, _, err := a.requireMember(ctx, conversationID, senderID); err != nil {
		return domain.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}
	now := a.now()
	status := domain.StatusSent
	if isDraft {
		status = domain.StatusDraft
	}
	msg := domain.Message{
		ID:             a.newID(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		IsDraft:        isDraft,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListMessages returns one page in chronological order and marks the other
// participants' SENT messages in it as READ.
func (a *App) ListMessages(ctx context.Context, viewerID, conversationID string, opts MessageListOptions) (domain.MessagePage, error) {
	if _, _, err := a.requireMember(ctx, conversationID, viewerID); err != nil {
		return domain.MessagePage{}, err
	}
	limit := clampLimit(opts.Limit, defaultMessagePageSize, maxMessagePageSize)
	msgs, err := a.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		ViewerID:       viewerID,
		CursorID:       strings.TrimSpace(opts.Cursor),
		Limit:          limit,
		IncludeDrafts:  opts.IncludeDrafts,
	})
	if err != nil {
		return domain.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	var unread []string
	for _, m := range msgs {
		if !m.IsDraft && m.Status == domain.StatusSent && m.SenderID != viewerID {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) > 0 {
		now := a.now()
		if err := a.store.MarkRead(ctx, viewerID, unread, now); err != nil {
			return domain.MessagePage{}, fmt.Errorf("mark read: %w", err)
		}
		for i := range msgs {
			m := &msgs[i]
			if !m.IsDraft && m.Status == domain.StatusSent && m.SenderID != viewerID {
				m.Status = domain.StatusRead
				m.UpdatedAt = now
			}
		}
	}

	page := domain.MessagePage{Messages: msgs}
	if len(msgs) == limit {
		oldest := msgs[len(msgs)-1].ID
		page.NextCursor = &oldest
	}
	reverseMessages(page.Messages)
	return page, nil
}

// GetMessage returns a message visible to viewerID.
func (a *App) GetMessage(ctx context.Context, viewerID, messageID string) (domain.Message, error) {
	return a.visibleMessage(ctx, viewerID, messageID)
}

// UpdateMessage applies content, draft and status changes with the lifecycle
// rules: only the sender edits, content freezes once the edit window after
// creation passes, drafts cannot be unsent, and only other participants mark
// a SENT message READ.
func (a *App) UpdateMessage(ctx context.Context, viewerID, messageID string, patch MessagePatch) (domain.Message, error) {
	if patch.Content == nil && patch.IsDraft == nil && patch.Status == nil {
		return domain.Message{}, fmt.Errorf("%w: no changes requested", ErrInvalidArgument)
	}
	msg, err := a.visibleMessage(ctx, viewerID, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if patch.Status != nil {
		if patch.Content != nil || patch.IsDraft != nil {
			return domain.Message{}, fmt.Errorf("%w: status cannot be combined with other changes", ErrInvalidArgument)
		}
		return a.markMessageRead(ctx, viewerID, msg, *patch.Status)
	}
	if msg.SenderID != viewerID {
		return domain.Message{}, fmt.Errorf("%w: only the sender can edit a message", ErrForbidden)
	}

	edit := store.MessageEdit{At: a.now()}
	changed := false
	if patch.IsDraft != nil {
		switch {
		case *patch.IsDraft && !msg.IsDraft:
			return domain.Message{}, fmt.Errorf("%w: a sent message cannot become a draft", ErrInvalidOperation)
		case !*patch.IsDraft && msg.IsDraft:
			edit.Send = true
			changed = true
		}
	}
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		if content == "" {
			return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
		}
		if !msg.IsDraft && edit.At.Sub(msg.CreatedAt) >= a.editWindow {
			return domain.Message{}, fmt.Errorf("%w: the edit window for this message has passed", ErrInvalidOperation)
		}
		if content != msg.Content {
			edit.Content = &content
			changed = true
		}
	}
	if !changed {
		return domain.Message{}, fmt.Errorf("%w: no changes requested", ErrInvalidArgument)
	}
	// A draft edit must still find a draft; it may have been sent meanwhile.
	edit.DraftOnly = msg.IsDraft
	updated, ok, err := a.store.EditMessage(ctx, messageID, viewerID, edit)
	if err != nil {
		return domain.Message{}, fmt.Errorf("edit message: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: message changed concurrently", ErrInvalidOperation)
	}
	return updated, nil
}

func (a *App) markMessageRead(ctx context.Context, viewerID string, msg domain.Message, status domain.MessageStatus) (domain.Message, error) {
	if status != domain.StatusRead {
		return domain.Message{}, fmt.Errorf("%w: status can only be set to READ", ErrInvalidArgument)
	}
	if msg.IsDraft {
		return domain.Message{}, fmt.Errorf("%w: a draft cannot be marked read", ErrInvalidOperation)
	}
	if msg.SenderID == viewerID {
		return domain.Message{}, fmt.Errorf("%w: the sender cannot mark their own message read", ErrInvalidOperation)
	}
	if msg.Status == domain.StatusRead {
		return msg, nil
	}
	now := a.now()
	if err := a.store.MarkRead(ctx, viewerID, []string{msg.ID}, now); err != nil {
		return domain.Message{}, fmt.Errorf("mark read: %w", err)
	}
	updated, ok, err := a.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("message %w", ErrNotFound)
	}
	return updated, nil
}

// DeleteMessage removes a message. Only its sender may delete it.
func (a *App) DeleteMessage(ctx context.Context, viewerID, messageID string) error {
	msg, err := a.visibleMessage(ctx, viewerID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != viewerID {
		return fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
	}
	ok, err := a.store.DeleteMessage(ctx, messageID, viewerID, false)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !ok {
		return fmt.Errorf("message %w", ErrNotFound)
	}
	return nil
}

// visibleMessage loads a message the viewer may see. Other users' drafts are
// reported as NotFound so their existence does not leak.
func (a *App) visibleMessage(ctx context.Context, viewerID, messageID string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("message %w", ErrNotFound)
	}
	if _, _, err := a.requireMember(ctx, msg.ConversationID, viewerID); err != nil {
		return domain.Message{}, err
	}
	if !msg.VisibleTo(viewerID) {
		return domain.Message{}, fmt.Errorf("message %w", ErrNotFound)
	}
	return msg, nil
}

func clampLimit(limit, fallback, ceiling int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > ceiling {
		return ceiling
	}
	return limit
}
