package app

import (
	"context"
	"fmt"
	"strings"

	"coursehub/pkg/domain"
	"coursehub/pkg/store"
)

// Draft operations are scoped to (sender == viewer, isDraft == true). Anything
// outside that scope, including a draft that was already sent, is NotFound.

func (a *App) GetDraft(ctx context.Context, viewerID, draftID string) (domain.Message, error) {
	return a.scopedDraft(ctx, viewerID, draftID)
}

// UpdateDraft replaces the draft's content.
func (a *App) UpdateDraft(ctx context.Context, viewerID, draftID, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, fmt.Errorf("%w: content is required", ErrInvalidArgument)
	}
	if _, err := a.scopedDraft(ctx, viewerID, draftID); err != nil {
		return domain.Message{}, err
	}
	updated, ok, err := a.store.EditMessage(ctx, draftID, viewerID, store.MessageEdit{
		Content:   &content,
		DraftOnly: true,
		At:        a.now(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("edit draft: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("draft %w", ErrNotFound)
	}
	return updated, nil
}

func (a *App) DeleteDraft(ctx context.Context, viewerID, draftID string) error {
	if _, err := a.scopedDraft(ctx, viewerID, draftID); err != nil {
		return err
	}
	ok, err := a.store.DeleteMessage(ctx, draftID, viewerID, true)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	if !ok {
		return fmt.Errorf("draft %w", ErrNotFound)
	}
	return nil
}

// SendDraft turns the draft into a SENT message and refreshes the
// conversation's activity time. A second send finds no draft and is NotFound.
func (a *App) SendDraft(ctx context.Context, viewerID, draftID string) (domain.Message, error) {
	if _, err := a.scopedDraft(ctx, viewerID, draftID); err != nil {
		return domain.Message{}, err
	}
	sent, ok, err := a.store.EditMessage(ctx, draftID, viewerID, store.MessageEdit{
		Send: true,
		At:   a.now(),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("send draft: %w", err)
	}
	if !ok {
		return domain.Message{}, fmt.Errorf("draft %w", ErrNotFound)
	}
	return sent, nil
}

// ListDrafts returns the viewer's drafts, optionally for one conversation.
func (a *App) ListDrafts(ctx context.Context, viewerID, conversationID string) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		if _, _, err := a.requireMember(ctx, conversationID, viewerID); err != nil {
			return nil, err
		}
	}
	drafts, err := a.store.ListDrafts(ctx, viewerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	return drafts, nil
}

func (a *App) scopedDraft(ctx context.Context, viewerID, draftID string) (domain.Message, error) {
	msg, ok, err := a.store.GetMessage(ctx, draftID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load draft: %w", err)
	}
	if !ok || !msg.IsDraft || msg.SenderID != viewerID {
		return domain.Message{}, fmt.Errorf("draft %w", ErrNotFound)
	}
	member, err := a.IsParticipant(ctx, viewerID, msg.ConversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !member {
		return domain.Message{}, fmt.Errorf("draft %w", ErrNotFound)
	}
	return msg, nil
}
