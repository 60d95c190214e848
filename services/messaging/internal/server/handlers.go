package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"coursehub/internal/util"
	"coursehub/pkg/domain"
	"coursehub/services/messaging/internal/app"
)

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Name           *string  `json:"name"`
	IsGroup        bool     `json:"isGroup"`
	CourseID       *string  `json:"courseId"`
	IsAnnouncement bool     `json:"isAnnouncement"`
}

type createMessageRequest struct {
	Content string `json:"content"`
	IsDraft bool   `json:"isDraft"`
}

type updateMessageRequest struct {
	Content *string `json:"content"`
	IsDraft *bool   `json:"isDraft"`
	Status  *string `json:"status"`
}

type updateDraftRequest struct {
	Content string `json:"content"`
}

type upsertUserRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

var successResponse = map[string]bool{"success": true}

// conversations

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		s.handleListConversations(w, r, user)
	case http.MethodPost:
		s.handleCreateConversation(w, r, user)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	announcements, err := queryBool(r, "isAnnouncement")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	inbox, err := s.app.ListConversations(r.Context(), user.ID, app.InboxQuery{
		Page:           page,
		Limit:          limit,
		IsAnnouncement: announcements,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inbox)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createConversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	detail, created, err := s.app.CreateConversation(r.Context(), user.ID, app.CreateConversationInput{
		ParticipantIDs: req.ParticipantIDs,
		Name:           req.Name,
		IsGroup:        req.IsGroup,
		CourseID:       req.CourseID,
		IsAnnouncement: req.IsAnnouncement,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	// A repeated 1:1 create answers like a fresh one; the body carries the existing conversation.
	if !created {
		util.LoggerFromContext(r.Context()).Debug("direct conversation reused", "conversation_id", detail.ID, "user_id", user.ID)
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathSegments(r, "/conversations/")
	switch {
	case len(parts) == 1:
		s.handleConversation(w, r, user, parts[0])
	case len(parts) == 2 && parts[1] == "messages":
		s.handleConversationMessages(w, r, user, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
	}
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetConversation(r.Context(), user.ID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodPatch:
		patch, err := decodeConversationPatch(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		detail, err := s.app.UpdateConversation(r.Context(), user.ID, id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.app.DeleteConversation(r.Context(), user.ID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse)
	default:
		methodNotAllowed(w, r)
	}
}

// decodeConversationPatch turns the PATCH body into typed change requests. A
// present "name" key renames (null clears); the participant lists change
// membership.
func decodeConversationPatch(r *http.Request) (app.ConversationPatch, error) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		return app.ConversationPatch{}, errors.New("invalid JSON body")
	}
	var patch app.ConversationPatch
	if value, ok := raw["name"]; ok {
		rename := &app.RenameRequest{}
		if !bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			var name string
			if err := json.Unmarshal(value, &name); err != nil {
				return app.ConversationPatch{}, errors.New("name must be a string or null")
			}
			rename.Name = &name
		}
		patch.Rename = rename
	}
	var membership app.MembershipChangeRequest
	_, hasAdd := raw["addParticipants"]
	_, hasRemove := raw["removeParticipants"]
	if hasAdd {
		if err := json.Unmarshal(raw["addParticipants"], &membership.Add); err != nil {
			return app.ConversationPatch{}, errors.New("addParticipants must be an array of user ids")
		}
	}
	if hasRemove {
		if err := json.Unmarshal(raw["removeParticipants"], &membership.Remove); err != nil {
			return app.ConversationPatch{}, errors.New("removeParticipants must be an array of user ids")
		}
	}
	if hasAdd || hasRemove {
		patch.Membership = &membership
	}
	return patch, nil
}

// messages

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, user domain.User, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		includeDrafts, err := queryBool(r, "includeDrafts")
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}
		page, err := s.app.ListMessages(r.Context(), user.ID, conversationID, app.MessageListOptions{
			Cursor:        r.URL.Query().Get("cursor"),
			Limit:         limit,
			IncludeDrafts: includeDrafts,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		if !s.allowRate(w, r, "user:"+user.ID, "too many messages") {
			s.audit(r, "messaging.message.create", "rate_limited", "user_id", user.ID)
			return
		}
		var req createMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
			return
		}
		msg, err := s.app.CreateMessage(r.Context(), user.ID, conversationID, req.Content, req.IsDraft)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) handleMessageByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathSegments(r, "/messages/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	id := parts[0]
	switch r.Method {
	case http.MethodGet:
		msg, err := s.app.GetMessage(r.Context(), user.ID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case http.MethodPatch:
		var req updateMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
			return
		}
		patch := app.MessagePatch{Content: req.Content, IsDraft: req.IsDraft}
		if req.Status != nil {
			status := domain.MessageStatus(strings.ToUpper(strings.TrimSpace(*req.Status)))
			if !status.Valid() {
				writeError(w, r, http.StatusBadRequest, "invalid_argument", "status must be DRAFT, SENT or READ")
				return
			}
			patch.Status = &status
		}
		msg, err := s.app.UpdateMessage(r.Context(), user.ID, id, patch)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	case http.MethodDelete:
		if err := s.app.DeleteMessage(r.Context(), user.ID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse)
	default:
		methodNotAllowed(w, r)
	}
}

// drafts

func (s *Server) handleDrafts(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	drafts, err := s.app.ListDrafts(r.Context(), user.ID, r.URL.Query().Get("conversationId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": drafts,
		"count": len(drafts),
	})
}

func (s *Server) handleDraftByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	parts := pathSegments(r, "/messages/drafts/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	id := parts[0]
	switch r.Method {
	case http.MethodGet:
		draft, err := s.app.GetDraft(r.Context(), user.ID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, draft)
	case http.MethodPatch:
		var req updateDraftRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
			return
		}
		draft, err := s.app.UpdateDraft(r.Context(), user.ID, id, req.Content)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, draft)
	case http.MethodDelete:
		if err := s.app.DeleteDraft(r.Context(), user.ID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, successResponse)
	case http.MethodPost:
		msg, err := s.app.SendDraft(r.Context(), user.ID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	default:
		methodNotAllowed(w, r)
	}
}

// internal

func (s *Server) handleInternalUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r)
		return
	}
	parts := pathSegments(r, "/internal/users/")
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}
	var req upsertUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	user, err := s.app.UpsertUser(r.Context(), parts[0], app.UserInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
