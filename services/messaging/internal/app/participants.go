package app

import (
	"context"
	"fmt"

	"coursehub/pkg/domain"
)

// IsParticipant reports whether userID belongs to conversationID.
func (a *App) IsParticipant(ctx context.Context, userID, conversationID string) (bool, error) {
	_, ok, err := a.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("load participant: %w", err)
	}
	return ok, nil
}

// IsAdmin reports whether userID is an admin participant of conversationID.
func (a *App) IsAdmin(ctx context.Context, userID, conversationID string) (bool, error) {
	p, ok, err := a.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return false, fmt.Errorf("load participant: %w", err)
	}
	return ok && p.IsAdmin, nil
}

// requireMember loads the conversation and the caller's membership row.
// A missing conversation is NotFound; a non-member is Forbidden.
func (a *App) requireMember(ctx context.Context, conversationID, userID string) (domain.Conversation, domain.Participant, error) {
	conv, ok, err := a.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("conversation %w", ErrNotFound)
	}
	p, ok, err := a.store.GetParticipant(ctx, conversationID, userID)
	if err != nil {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("load participant: %w", err)
	}
	if !ok {
		return domain.Conversation{}, domain.Participant{}, fmt.Errorf("%w: not a participant", ErrForbidden)
	}
	return conv, p, nil
}

func (a *App) requireAdmin(ctx context.Context, conversationID, userID string) (domain.Conversation, error) {
	conv, p, err := a.requireMember(ctx, conversationID, userID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !p.IsAdmin {
		return domain.Conversation{}, fmt.Errorf("%w: admin required", ErrForbidden)
	}
	return conv, nil
}

// participantViews joins participants with the user directory, preserving order.
func (a *App) participantViews(ctx context.Context, participants []domain.Participant) ([]domain.ParticipantView, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	users, err := a.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	return toParticipantViews(participants, users, ""), nil
}

// toParticipantViews converts participants, skipping excludeID.
func toParticipantViews(participants []domain.Participant, users map[string]domain.User, excludeID string) []domain.ParticipantView {
	out := make([]domain.ParticipantView, 0, len(participants))
	for _, p := range participants {
		if p.UserID == excludeID {
			continue
		}
		u := users[p.UserID]
		out = append(out, domain.ParticipantView{
			UserID:    p.UserID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Role:      u.Role,
			IsAdmin:   p.IsAdmin,
		})
	}
	return out
}
