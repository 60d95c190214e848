package server

import (
	"math"
	"net/http"
	"strconv"
	"testing"

	"coursehub/pkg/domain"
)

func TestConversationLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 0)

	status, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"bob"}})
	if status != http.StatusCreated {
		t.Fatalf("create expected 201, got %d: %s", status, raw)
	}
	conv := decode[domain.ConversationDetail](t, raw)

	status, _, raw = env.do(t, http.MethodPost, "/conversations", "bob", map[string]any{"participantIds": []string{"alice"}})
	if status != http.StatusCreated {
		t.Fatalf("repeat create expected 201, got %d", status)
	}
	if again := decode[domain.ConversationDetail](t, raw); again.ID != conv.ID {
		t.Fatalf("expected deduplicated conversation %s, got %s", conv.ID, again.ID)
	}

	status, _, raw = env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "alice", map[string]any{"content": "hi"})
	if status != http.StatusCreated {
		t.Fatalf("send expected 201, got %d: %s", status, raw)
	}
	hi := decode[domain.Message](t, raw)
	if hi.Status != domain.StatusSent {
		t.Fatalf("expected SENT, got %s", hi.Status)
	}

	status, _, raw = env.do(t, http.MethodGet, "/conversations", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("inbox expected 200, got %d", status)
	}
	inbox := decode[domain.Inbox](t, raw)
	if inbox.Total != 1 || inbox.UnreadCount != 1 || inbox.Conversations[0].Name != "Alice Teacher" {
		t.Fatalf("unexpected inbox: %s", raw)
	}

	status, _, raw = env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/messages", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("messages expected 200, got %d", status)
	}
	page := decode[domain.MessagePage](t, raw)
	if len(page.Messages) != 1 || page.Messages[0].Status != domain.StatusRead || page.NextCursor != nil {
		t.Fatalf("unexpected page: %s", raw)
	}

	status, _, raw = env.do(t, http.MethodGet, "/messages/"+hi.ID, "alice", nil)
	if status != http.StatusOK || decode[domain.Message](t, raw).Status != domain.StatusRead {
		t.Fatalf("sender should see READ, got %d: %s", status, raw)
	}

	status, _, _ = env.do(t, http.MethodGet, "/conversations/"+conv.ID, "carol", nil)
	if status != http.StatusForbidden {
		t.Fatalf("outsider expected 403, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodPatch, "/conversations/"+conv.ID, "alice", map[string]any{"name": "pair"})
	if status != http.StatusBadRequest {
		t.Fatalf("renaming a direct conversation expected 400, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodDelete, "/conversations/"+conv.ID, "bob", nil)
	if status != http.StatusForbidden {
		t.Fatalf("non-admin delete expected 403, got %d", status)
	}
	status, _, raw = env.do(t, http.MethodDelete, "/conversations/"+conv.ID, "alice", nil)
	if status != http.StatusOK || !decode[map[string]bool](t, raw)["success"] {
		t.Fatalf("delete expected success, got %d: %s", status, raw)
	}
	status, _, _ = env.do(t, http.MethodGet, "/conversations/"+conv.ID, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("deleted conversation expected 404, got %d", status)
	}
}

func TestCreateConversationRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, 0)
	status, _, _ := env.do(t, http.MethodPost, "/conversations", "alice", "{not json")
	if status != http.StatusBadRequest {
		t.Fatalf("invalid JSON expected 400, got %d", status)
	}
	status, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"ghost"}, "isGroup": true})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown participant expected 400, got %d", status)
	}
	if code := decode[errorResponse](t, raw).Code; code != "invalid_argument" {
		t.Fatalf("unexpected code %q", code)
	}
	status, _, _ = env.do(t, http.MethodPut, "/conversations", "alice", nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("PUT expected 405, got %d", status)
	}
}

func TestPatchConversationDecodesChanges(t *testing.T) {
	env := newTestEnv(t, 0)
	status, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{
		"participantIds": []string{"bob"},
		"isGroup":        true,
		"name":           "Lab 3",
	})
	if status != http.StatusCreated {
		t.Fatalf("create expected 201, got %d: %s", status, raw)
	}
	group := decode[domain.ConversationDetail](t, raw)
	path := "/conversations/" + group.ID

	status, _, raw = env.do(t, http.MethodPatch, path, "alice", map[string]any{"addParticipants": []string{"carol"}})
	if status != http.StatusOK {
		t.Fatalf("add participant expected 200, got %d: %s", status, raw)
	}
	updated := decode[domain.ConversationDetail](t, raw)
	if len(updated.Participants) != 3 || updated.Name == nil || *updated.Name != "Lab 3" {
		t.Fatalf("membership change must not touch the name: %s", raw)
	}

	status, _, raw = env.do(t, http.MethodPatch, path, "alice", `{"name": null}`)
	if status != http.StatusOK {
		t.Fatalf("clear name expected 200, got %d: %s", status, raw)
	}
	if decode[domain.ConversationDetail](t, raw).Name != nil {
		t.Fatalf("expected name cleared: %s", raw)
	}

	for _, body := range []string{`{"name": 5}`, `{"addParticipants": "carol"}`, `{}`, `[`} {
		status, _, _ = env.do(t, http.MethodPatch, path, "alice", body)
		if status != http.StatusBadRequest {
			t.Fatalf("body %s expected 400, got %d", body, status)
		}
	}
	status, _, _ = env.do(t, http.MethodPatch, path, "bob", map[string]any{"name": "mine"})
	if status != http.StatusForbidden {
		t.Fatalf("non-admin rename expected 403, got %d", status)
	}
}

func TestDraftRoutes(t *testing.T) {
	env := newTestEnv(t, 0)
	_, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"bob"}})
	conv := decode[domain.ConversationDetail](t, raw)

	status, _, raw := env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "alice", map[string]any{"content": "draft text", "isDraft": true})
	if status != http.StatusCreated {
		t.Fatalf("save draft expected 201, got %d", status)
	}
	draft := decode[domain.Message](t, raw)
	if draft.Status != domain.StatusDraft {
		t.Fatalf("expected DRAFT, got %s", draft.Status)
	}

	_, _, raw = env.do(t, http.MethodGet, "/conversations", "bob", nil)
	if decode[domain.Inbox](t, raw).Total != 0 {
		t.Fatalf("draft-only conversation must be hidden: %s", raw)
	}
	status, _, _ = env.do(t, http.MethodGet, "/messages/drafts/"+draft.ID, "bob", nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign draft expected 404, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodGet, "/messages/"+draft.ID, "bob", nil)
	if status != http.StatusNotFound {
		t.Fatalf("foreign draft via message route expected 404, got %d", status)
	}

	status, _, raw = env.do(t, http.MethodGet, "/messages/drafts?conversationId="+conv.ID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("list drafts expected 200, got %d", status)
	}
	if count := decode[map[string]any](t, raw)["count"]; count != float64(1) {
		t.Fatalf("expected one draft, got %v", count)
	}

	status, _, raw = env.do(t, http.MethodPatch, "/messages/drafts/"+draft.ID, "alice", map[string]any{"content": "final text"})
	if status != http.StatusOK || decode[domain.Message](t, raw).Content != "final text" {
		t.Fatalf("update draft failed: %d %s", status, raw)
	}

	status, _, raw = env.do(t, http.MethodPost, "/messages/drafts/"+draft.ID, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("send draft expected 200, got %d: %s", status, raw)
	}
	if sent := decode[domain.Message](t, raw); sent.Status != domain.StatusSent || sent.IsDraft {
		t.Fatalf("expected SENT, got %s", raw)
	}
	status, _, _ = env.do(t, http.MethodPost, "/messages/drafts/"+draft.ID, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("second send expected 404, got %d", status)
	}

	_, _, raw = env.do(t, http.MethodGet, "/conversations", "bob", nil)
	if decode[domain.Inbox](t, raw).Total != 1 {
		t.Fatalf("sent draft should surface the conversation: %s", raw)
	}
}

func TestMessagePatchAndDelete(t *testing.T) {
	env := newTestEnv(t, 0)
	_, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"bob"}})
	conv := decode[domain.ConversationDetail](t, raw)
	_, _, raw = env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "alice", map[string]any{"content": "hello"})
	msg := decode[domain.Message](t, raw)
	path := "/messages/" + msg.ID

	tests := []struct {
		name    string
		subject string
		body    any
		want    int
	}{
		{"unknown status", "bob", map[string]any{"status": "BOGUS"}, http.StatusBadRequest},
		{"sender marks read", "alice", map[string]any{"status": "READ"}, http.StatusBadRequest},
		{"unsend", "alice", map[string]any{"isDraft": true}, http.StatusBadRequest},
		{"other user edits", "bob", map[string]any{"content": "mine now"}, http.StatusForbidden},
		{"empty patch", "alice", map[string]any{}, http.StatusBadRequest},
		{"edit", "alice", map[string]any{"content": "hello again"}, http.StatusOK},
		{"reader marks read", "bob", map[string]any{"status": "read"}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, _, raw := env.do(t, http.MethodPatch, path, tc.subject, tc.body)
			if status != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, status, raw)
			}
		})
	}

	status, _, _ := env.do(t, http.MethodDelete, path, "bob", nil)
	if status != http.StatusForbidden {
		t.Fatalf("non-sender delete expected 403, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodDelete, path, "alice", nil)
	if status != http.StatusOK {
		t.Fatalf("delete expected 200, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodGet, path, "alice", nil)
	if status != http.StatusNotFound {
		t.Fatalf("deleted message expected 404, got %d", status)
	}
}

func TestMessagePaginationQuery(t *testing.T) {
	env := newTestEnv(t, 0)
	_, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"bob"}})
	conv := decode[domain.ConversationDetail](t, raw)
	base := "/conversations/" + conv.ID + "/messages"
	for i := 0; i < 3; i++ {
		status, _, _ := env.do(t, http.MethodPost, base, "alice", map[string]any{"content": "m" + strconv.Itoa(i)})
		if status != http.StatusCreated {
			t.Fatalf("send %d expected 201, got %d", i, status)
		}
	}

	status, _, raw := env.do(t, http.MethodGet, base+"?limit=2", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("page 1 expected 200, got %d", status)
	}
	first := decode[domain.MessagePage](t, raw)
	if len(first.Messages) != 2 || first.NextCursor == nil {
		t.Fatalf("unexpected first page: %s", raw)
	}
	_, _, raw = env.do(t, http.MethodGet, base+"?limit=2&cursor="+*first.NextCursor, "bob", nil)
	second := decode[domain.MessagePage](t, raw)
	if len(second.Messages) != 1 || second.NextCursor != nil {
		t.Fatalf("unexpected second page: %s", raw)
	}

	status, _, _ = env.do(t, http.MethodGet, base+"?limit=abc", "bob", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad limit expected 400, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodGet, base+"?includeDrafts=maybe", "bob", nil)
	if status != http.StatusBadRequest {
		t.Fatalf("bad includeDrafts expected 400, got %d", status)
	}
	status, _, _ = env.do(t, http.MethodGet, "/conversations/"+conv.ID+"/unknown", "bob", nil)
	if status != http.StatusNotFound {
		t.Fatalf("unknown sub-route expected 404, got %d", status)
	}
}

func TestInboxPageBounds(t *testing.T) {
	env := newTestEnv(t, 0)
	status, _, raw := env.do(t, http.MethodPost, "/conversations", "alice", map[string]any{"participantIds": []string{"bob"}})
	if status != http.StatusCreated {
		t.Fatalf("create expected 201, got %d: %s", status, raw)
	}
	conv := decode[domain.ConversationDetail](t, raw)
	if status, _, raw := env.do(t, http.MethodPost, "/conversations/"+conv.ID+"/messages", "alice", map[string]any{"content": "hi"}); status != http.StatusCreated {
		t.Fatalf("send expected 201, got %d: %s", status, raw)
	}

	cases := []struct {
		query     string
		status    int
		wantConvs int
	}{
		{"?page=1", http.StatusOK, 1},
		{"?page=2", http.StatusOK, 0},
		{"?page=" + strconv.Itoa(math.MaxInt), http.StatusOK, 0},
		{"?page=" + strconv.Itoa(math.MaxInt) + "&limit=" + strconv.Itoa(math.MaxInt), http.StatusOK, 0},
		{"?page=99999999999999999999", http.StatusBadRequest, 0},
	}
	for _, tc := range cases {
		status, _, raw := env.do(t, http.MethodGet, "/conversations"+tc.query, "bob", nil)
		if status != tc.status {
			t.Fatalf("GET /conversations%s expected %d, got %d: %s", tc.query, tc.status, status, raw)
		}
		if status != http.StatusOK {
			continue
		}
		inbox := decode[domain.Inbox](t, raw)
		if len(inbox.Conversations) != tc.wantConvs || inbox.Total != 1 {
			t.Fatalf("GET /conversations%s: unexpected inbox %s", tc.query, raw)
		}
	}
}
