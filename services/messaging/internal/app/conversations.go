package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"coursehub/pkg/domain"
	"coursehub/pkg/store"
)

// CreateConversationInput describes a new conversation. The creator is always
// added as an admin participant.
type CreateConversationInput struct {
	ParticipantIDs []string
	Name           *string
	IsGroup        bool
	CourseID       *string
	IsAnnouncement bool
}

// RenameRequest sets the group name; a nil or blank Name clears it.
type RenameRequest struct {
	Name *string
}

// MembershipChangeRequest adds and removes group participants.
type MembershipChangeRequest struct {
	Add    []string
	Remove []string
}

// ConversationPatch carries at most one of each change kind.
type ConversationPatch struct {
	Rename     *RenameRequest
	Membership *MembershipChangeRequest
}

// CreateConversation creates a conversation, or returns the existing one for a
// 1:1 pair. created is false when an existing conversation was returned.
func (a *App) CreateConversation(ctx context.Context, creatorID string, in CreateConversationInput) (domain.ConversationDetail, bool, error) {
	ids := normalizeIDs(append([]string{creatorID}, in.ParticipantIDs...))
	if !in.IsGroup && len(ids) != 2 {
		return domain.ConversationDetail{}, false, fmt.Errorf("%w: a direct conversation needs exactly one other participant", ErrInvalidArgument)
	}
	if err := a.requireKnownUsers(ctx, ids); err != nil {
		return domain.ConversationDetail{}, false, err
	}
	courseID, err := a.checkCourse(ctx, in.CourseID)
	if err != nil {
		return domain.ConversationDetail{}, false, err
	}

	var directKey string
	if !in.IsGroup {
		directKey = pairKey(ids[0], ids[1])
		existing, ok, err := a.store.FindDirectConversation(ctx, directKey)
		if err != nil {
			return domain.ConversationDetail{}, false, fmt.Errorf("find direct conversation: %w", err)
		}
		if ok {
			detail, err := a.conversationDetail(ctx, existing, creatorID)
			return detail, false, err
		}
	}

	now := a.now()
	conv := domain.Conversation{
		ID:             a.newID(),
		IsGroup:        in.IsGroup,
		IsAnnouncement: in.IsAnnouncement,
		CourseID:       courseID,
		DirectKey:      directKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	// 1:1 names are derived from the other participant.
	if in.IsGroup {
		conv.Name = normalizeName(in.Name)
	}
	participants := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		participants = append(participants, domain.Participant{
			UserID:         id,
			ConversationID: conv.ID,
			IsAdmin:        id == creatorID,
			JoinedAt:       now,
		})
	}
	if err := a.store.CreateConversation(ctx, conv, participants); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return domain.ConversationDetail{}, false, fmt.Errorf("create conversation: %w", err)
		}
		// Lost the race for this pair; hand back the winner.
		existing, ok, findErr := a.store.FindDirectConversation(ctx, directKey)
		if findErr != nil {
			return domain.ConversationDetail{}, false, fmt.Errorf("find direct conversation: %w", findErr)
		}
		if !ok {
			return domain.ConversationDetail{}, false, fmt.Errorf("create conversation: %w", err)
		}
		detail, err := a.conversationDetail(ctx, existing, creatorID)
		return detail, false, err
	}
	detail, err := a.conversationDetail(ctx, conv, creatorID)
	return detail, true, err
}

// GetConversation returns metadata, participants and the latest visible
// messages in chronological order. It does not mark anything read.
func (a *App) GetConversation(ctx context.Context, viewerID, conversationID string) (domain.ConversationDetail, error) {
	conv, _, err := a.requireMember(ctx, conversationID, viewerID)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	return a.conversationDetail(ctx, conv, viewerID)
}

// UpdateConversation renames a group or changes its membership. Both require
// an admin and a group conversation.
func (a *App) UpdateConversation(ctx context.Context, viewerID, conversationID string, patch ConversationPatch) (domain.ConversationDetail, error) {
	if patch.Rename == nil && patch.Membership == nil {
		return domain.ConversationDetail{}, fmt.Errorf("%w: no changes requested", ErrInvalidArgument)
	}
	conv, err := a.requireAdmin(ctx, conversationID, viewerID)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	if !conv.IsGroup {
		return domain.ConversationDetail{}, fmt.Errorf("%w: only group conversations can be renamed or change members", ErrInvalidOperation)
	}

	upd := store.ConversationUpdate{}
	if patch.Rename != nil {
		upd.Rename = true
		upd.Name = normalizeName(patch.Rename.Name)
	}
	if patch.Membership != nil {
		add, remove, err := a.planMembership(ctx, conversationID, *patch.Membership)
		if err != nil {
			return domain.ConversationDetail{}, err
		}
		upd.Add = add
		upd.Remove = remove
	}
	if err := a.store.UpdateConversation(ctx, conversationID, upd); err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("update conversation: %w", err)
	}
	if upd.Rename {
		conv.Name = upd.Name
	}
	stillMember, err := a.IsParticipant(ctx, viewerID, conversationID)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	if !stillMember {
		// The admin removed themselves; they no longer see messages.
		parts, err := a.store.ListParticipants(ctx, conversationID)
		if err != nil {
			return domain.ConversationDetail{}, fmt.Errorf("load participants: %w", err)
		}
		views, err := a.participantViews(ctx, parts)
		if err != nil {
			return domain.ConversationDetail{}, err
		}
		return domain.ConversationDetail{Conversation: conv, Participants: views, Messages: []domain.Message{}}, nil
	}
	return a.conversationDetail(ctx, conv, viewerID)
}

// planMembership validates a membership change against the current roster and
// returns the rows to add and the user ids to remove.
func (a *App) planMembership(ctx context.Context, conversationID string, req MembershipChangeRequest) ([]domain.Participant, []string, error) {
	add := normalizeIDs(req.Add)
	remove := normalizeIDs(req.Remove)
	if len(add) == 0 && len(remove) == 0 {
		return nil, nil, fmt.Errorf("%w: addParticipants or removeParticipants required", ErrInvalidArgument)
	}
	removing := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		removing[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := removing[id]; ok {
			return nil, nil, fmt.Errorf("%w: user %s is both added and removed", ErrInvalidArgument, id)
		}
	}
	if err := a.requireKnownUsers(ctx, add); err != nil {
		return nil, nil, err
	}

	current, err := a.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load participants: %w", err)
	}
	members := make(map[string]struct{}, len(current))
	remaining, admins := 0, 0
	for _, p := range current {
		members[p.UserID] = struct{}{}
		if _, ok := removing[p.UserID]; ok {
			continue
		}
		remaining++
		if p.IsAdmin {
			admins++
		}
	}

	now := a.now()
	rows := make([]domain.Participant, 0, len(add))
	for _, id := range add {
		if _, ok := members[id]; ok {
			continue
		}
		rows = append(rows, domain.Participant{
			UserID:         id,
			ConversationID: conversationID,
			JoinedAt:       now,
		})
	}
	if remaining+len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: a conversation must keep at least one participant", ErrInvalidOperation)
	}
	if admins == 0 {
		return nil, nil, fmt.Errorf("%w: a group must keep at least one admin", ErrInvalidOperation)
	}
	return rows, remove, nil
}

// DeleteConversation removes a conversation with its participants and messages.
func (a *App) DeleteConversation(ctx context.Context, viewerID, conversationID string) error {
	if _, err := a.requireAdmin(ctx, conversationID, viewerID); err != nil {
		return err
	}
	if err := a.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func (a *App) conversationDetail(ctx context.Context, conv domain.Conversation, viewerID string) (domain.ConversationDetail, error) {
	parts, err := a.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("load participants: %w", err)
	}
	views, err := a.participantViews(ctx, parts)
	if err != nil {
		return domain.ConversationDetail{}, err
	}
	msgs, err := a.store.ListMessages(ctx, store.MessageQuery{
		ConversationID: conv.ID,
		ViewerID:       viewerID,
		Limit:          a.conversationMessageLimit,
		IncludeDrafts:  true,
	})
	if err != nil {
		return domain.ConversationDetail{}, fmt.Errorf("load messages: %w", err)
	}
	reverseMessages(msgs)
	return domain.ConversationDetail{
		Conversation: conv,
		Participants: views,
		Messages:     msgs,
	}, nil
}

func (a *App) requireKnownUsers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	users, err := a.store.GetUsers(ctx, ids)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	var missing []string
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: unknown participants: %s", ErrInvalidArgument, strings.Join(missing, ", "))
	}
	return nil
}

func (a *App) checkCourse(ctx context.Context, courseID *string) (*string, error) {
	if courseID == nil {
		return nil, nil
	}
	id := strings.TrimSpace(*courseID)
	if id == "" {
		return nil, nil
	}
	if a.courses != nil {
		ok, err := a.courses.CourseExists(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("check course: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("course %w", ErrNotFound)
		}
	}
	return &id, nil
}

// pairKey is the order-independent key for a 1:1 conversation.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// normalizeIDs trims ids, drops blanks and keeps the first occurrence of each.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normalizeName(name *string) *string {
	if name == nil {
		return nil
	}
	v := strings.TrimSpace(*name)
	if v == "" {
		return nil
	}
	return &v
}

func reverseMessages(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
