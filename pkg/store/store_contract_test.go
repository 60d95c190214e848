package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursehub/pkg/domain"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// storeFixture is one empty-looking Store. id namespaces every identifier a
// test writes so runs against a shared database do not collide.
type storeFixture struct {
	s  Store
	id func(string) string
}

// runStoreContract runs the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newFixture func(t *testing.T) storeFixture) {
	tests := []struct {
		name string
		run  func(*testing.T, storeFixture)
	}{
		{"UserUpsertKeepsCreatedAt", testUserUpsertKeepsCreatedAt},
		{"DirectKeyUnique", testDirectKeyUnique},
		{"ListMessagesCursor", testListMessagesCursor},
		{"DraftsHiddenFromOthers", testDraftsHiddenFromOthers},
		{"MarkReadOnlyOthersSent", testMarkReadOnlyOthersSent},
		{"EditSendOnlyMatchesDrafts", testEditSendOnlyMatchesDrafts},
		{"DeleteMessageDraftOnly", testDeleteMessageDraftOnly},
		{"UpdateConversation", testUpdateConversation},
		{"DeleteConversationCascades", testDeleteConversationCascades},
		{"InboxCandidates", testInboxCandidates},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newFixture(t))
		})
	}
}

func seedPair(t *testing.T, f storeFixture) domain.Conversation {
	t.Helper()
	c := domain.Conversation{
		ID:        f.id("c1"),
		DirectKey: f.id("u1") + ":" + f.id("u2"),
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
	parts := []domain.Participant{
		{UserID: f.id("u1"), JoinedAt: baseTime},
		{UserID: f.id("u2"), JoinedAt: baseTime},
	}
	if err := f.s.CreateConversation(context.Background(), c, parts); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func sentMessage(f storeFixture, id, sender string, at time.Time) domain.Message {
	return domain.Message{
		ID:             f.id(id),
		ConversationID: f.id("c1"),
		SenderID:       f.id(sender),
		Content:        "hello " + id,
		Status:         domain.StatusSent,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func draftMessage(f storeFixture, id, sender string, at time.Time) domain.Message {
	msg := sentMessage(f, id, sender, at)
	msg.IsDraft = true
	msg.Status = domain.StatusDraft
	return msg
}

func mustCreateMessages(t *testing.T, f storeFixture, msgs ...domain.Message) {
	t.Helper()
	for _, msg := range msgs {
		if err := f.s.CreateMessage(context.Background(), msg); err != nil {
			t.Fatalf("create message %s: %v", msg.ID, err)
		}
	}
}

func messageIDs(msgs []domain.Message) []string {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids
}

func sameIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func testUserUpsertKeepsCreatedAt(t *testing.T, f storeFixture) {
	ctx := context.Background()
	u := domain.User{ID: f.id("u1"), FirstName: "Ada", LastName: "L", Role: domain.RoleStudent, CreatedAt: baseTime, UpdatedAt: baseTime}
	if err := f.s.SaveUser(ctx, u); err != nil {
		t.Fatalf("save user: %v", err)
	}
	u.FirstName = "Grace"
	u.Role = domain.RoleTeacher
	u.CreatedAt = baseTime.Add(time.Hour)
	u.UpdatedAt = baseTime.Add(time.Hour)
	if err := f.s.SaveUser(ctx, u); err != nil {
		t.Fatalf("resave user: %v", err)
	}
	got, ok, err := f.s.GetUserByID(ctx, f.id("u1"))
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if got.FirstName != "Grace" || got.Role != domain.RoleTeacher {
		t.Fatalf("expected refreshed profile, got %+v", got)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("created_at must survive upsert, got %v", got.CreatedAt)
	}
	users, err := f.s.GetUsers(ctx, []string{f.id("u1"), f.id("nobody")})
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if len(users) != 1 || users[f.id("u1")].FirstName != "Grace" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func testDirectKeyUnique(t *testing.T, f storeFixture) {
	ctx := context.Background()
	c := seedPair(t, f)
	dup := domain.Conversation{ID: f.id("c2"), DirectKey: c.DirectKey, CreatedAt: baseTime, UpdatedAt: baseTime}
	err := f.s.CreateConversation(ctx, dup, []domain.Participant{{UserID: f.id("u1"), JoinedAt: baseTime}})
	if !errors.Is(err, ErrDuplicateConversation) {
		t.Fatalf("expected ErrDuplicateConversation, got %v", err)
	}
	if _, ok, _ := f.s.GetConversation(ctx, f.id("c2")); ok {
		t.Fatal("rejected conversation must not be stored")
	}
	got, ok, err := f.s.FindDirectConversation(ctx, c.DirectKey)
	if err != nil || !ok {
		t.Fatalf("find direct: ok=%v err=%v", ok, err)
	}
	if got.ID != c.ID {
		t.Fatalf("expected %s, got %s", c.ID, got.ID)
	}

	group := domain.Conversation{ID: f.id("g1"), IsGroup: true, CreatedAt: baseTime, UpdatedAt: baseTime}
	group2 := domain.Conversation{ID: f.id("g2"), IsGroup: true, CreatedAt: baseTime, UpdatedAt: baseTime}
	for _, g := range []domain.Conversation{group, group2} {
		if err := f.s.CreateConversation(ctx, g, nil); err != nil {
			t.Fatalf("groups carry no direct key and must not collide: %v", err)
		}
	}
}

func testListMessagesCursor(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	// m2 and m3 share a timestamp so the id tiebreak is exercised.
	mustCreateMessages(t, f,
		sentMessage(f, "m1", "u1", baseTime),
		sentMessage(f, "m2", "u1", baseTime.Add(time.Minute)),
		sentMessage(f, "m3", "u1", baseTime.Add(time.Minute)),
		sentMessage(f, "m4", "u1", baseTime.Add(2*time.Minute)),
	)

	page, err := f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u2"), Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := messageIDs(page); !sameIDs(got, f.id("m4"), f.id("m3")) {
		t.Fatalf("unexpected first page: %v", got)
	}
	page, err = f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u2"), CursorID: f.id("m3"), Limit: 2})
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if got := messageIDs(page); !sameIDs(got, f.id("m2"), f.id("m1")) {
		t.Fatalf("unexpected second page: %v", got)
	}
	page, err = f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u2"), CursorID: f.id("m1"), Limit: 2})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page past the oldest message, got %v", messageIDs(page))
	}
	page, err = f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u2"), CursorID: f.id("missing"), Limit: 2})
	if err != nil {
		t.Fatalf("list unknown cursor: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page for unknown cursor, got %d", len(page))
	}
}

func testDraftsHiddenFromOthers(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	mustCreateMessages(t, f, draftMessage(f, "d1", "u1", baseTime.Add(time.Minute)))
	c, _, _ := f.s.GetConversation(ctx, f.id("c1"))
	if !c.UpdatedAt.Equal(baseTime) {
		t.Fatalf("draft must not bump activity, got %v", c.UpdatedAt)
	}

	other, _ := f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u2"), Limit: 10, IncludeDrafts: true})
	if len(other) != 0 {
		t.Fatalf("expected no visible messages for u2, got %d", len(other))
	}
	own, _ := f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u1"), Limit: 10, IncludeDrafts: true})
	if len(own) != 1 {
		t.Fatalf("expected author to see draft, got %d", len(own))
	}
	plain, _ := f.s.ListMessages(ctx, MessageQuery{ConversationID: f.id("c1"), ViewerID: f.id("u1"), Limit: 10})
	if len(plain) != 0 {
		t.Fatalf("drafts must be excluded unless requested, got %d", len(plain))
	}
	drafts, err := f.s.ListDrafts(ctx, f.id("u1"), "")
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if got := messageIDs(drafts); !sameIDs(got, f.id("d1")) {
		t.Fatalf("unexpected drafts: %v", got)
	}
}

func testMarkReadOnlyOthersSent(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	mustCreateMessages(t, f,
		sentMessage(f, "m1", "u1", baseTime),
		sentMessage(f, "m2", "u2", baseTime.Add(time.Second)),
		draftMessage(f, "d1", "u1", baseTime.Add(2*time.Second)),
	)
	ids := []string{f.id("m1"), f.id("m2"), f.id("d1")}
	readAt := baseTime.Add(time.Hour)
	if err := f.s.MarkRead(ctx, f.id("u2"), ids, readAt); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	m1, _, _ := f.s.GetMessage(ctx, f.id("m1"))
	m2, _, _ := f.s.GetMessage(ctx, f.id("m2"))
	d1, _, _ := f.s.GetMessage(ctx, f.id("d1"))
	if m1.Status != domain.StatusRead || !m1.UpdatedAt.Equal(readAt) {
		t.Fatalf("expected m1 READ at %v, got %s at %v", readAt, m1.Status, m1.UpdatedAt)
	}
	if m2.Status != domain.StatusSent {
		t.Fatalf("reader's own message must stay SENT, got %s", m2.Status)
	}
	if d1.Status != domain.StatusDraft {
		t.Fatalf("drafts are never read, got %s", d1.Status)
	}

	// A second pass matches nothing and leaves the first read time alone.
	if err := f.s.MarkRead(ctx, f.id("u2"), ids, readAt.Add(time.Hour)); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	m1, _, _ = f.s.GetMessage(ctx, f.id("m1"))
	if !m1.UpdatedAt.Equal(readAt) {
		t.Fatalf("repeat mark read must be a no-op, got %v", m1.UpdatedAt)
	}
	unread, _ := f.s.CountUnread(ctx, f.id("u1"), false)
	if unread != 1 {
		t.Fatalf("expected 1 unread for u1, got %d", unread)
	}
	unread, _ = f.s.CountUnread(ctx, f.id("u2"), false)
	if unread != 0 {
		t.Fatalf("expected 0 unread for u2, got %d", unread)
	}
}

func testEditSendOnlyMatchesDrafts(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	mustCreateMessages(t, f, draftMessage(f, "d1", "u1", baseTime), sentMessage(f, "m1", "u1", baseTime))

	content := "final text"
	sentAt := baseTime.Add(10 * time.Minute)
	msg, ok, err := f.s.EditMessage(ctx, f.id("d1"), f.id("u1"), MessageEdit{Content: &content, Send: true, At: sentAt})
	if err != nil || !ok {
		t.Fatalf("send draft: ok=%v err=%v", ok, err)
	}
	if msg.IsDraft || msg.Status != domain.StatusSent || msg.Content != content {
		t.Fatalf("unexpected sent message: %+v", msg)
	}
	c, _, _ := f.s.GetConversation(ctx, f.id("c1"))
	if !c.UpdatedAt.Equal(sentAt) {
		t.Fatalf("expected activity bump to %v, got %v", sentAt, c.UpdatedAt)
	}
	if _, ok, _ := f.s.EditMessage(ctx, f.id("d1"), f.id("u1"), MessageEdit{Send: true, At: sentAt}); ok {
		t.Fatal("second send must not match")
	}
	if _, ok, _ := f.s.EditMessage(ctx, f.id("d1"), f.id("u2"), MessageEdit{At: sentAt}); ok {
		t.Fatal("non-author edit must not match")
	}
	if _, ok, _ := f.s.EditMessage(ctx, f.id("m1"), f.id("u1"), MessageEdit{Content: &content, DraftOnly: true, At: sentAt}); ok {
		t.Fatal("draft-only edit must not match a sent message")
	}
	edited, ok, err := f.s.EditMessage(ctx, f.id("m1"), f.id("u1"), MessageEdit{Content: &content, At: sentAt})
	if err != nil || !ok || edited.Content != content || edited.Status != domain.StatusSent {
		t.Fatalf("author edit of sent message: ok=%v err=%v msg=%+v", ok, err, edited)
	}
}

func testDeleteMessageDraftOnly(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	mustCreateMessages(t, f, draftMessage(f, "d1", "u1", baseTime), sentMessage(f, "m1", "u1", baseTime))

	cases := []struct {
		id, sender string
		draftOnly  bool
		want       bool
	}{
		{"m1", "u1", true, false},
		{"d1", "u2", false, false},
		{"d1", "u1", true, true},
		{"m1", "u1", false, true},
		{"m1", "u1", false, false},
	}
	for _, tc := range cases {
		got, err := f.s.DeleteMessage(ctx, f.id(tc.id), f.id(tc.sender), tc.draftOnly)
		if err != nil {
			t.Fatalf("delete %s by %s: %v", tc.id, tc.sender, err)
		}
		if got != tc.want {
			t.Fatalf("delete %s by %s draftOnly=%v = %v, want %v", tc.id, tc.sender, tc.draftOnly, got, tc.want)
		}
	}
}

func testUpdateConversation(t *testing.T, f storeFixture) {
	ctx := context.Background()
	c := domain.Conversation{ID: f.id("g1"), IsGroup: true, CreatedAt: baseTime, UpdatedAt: baseTime}
	parts := []domain.Participant{
		{UserID: f.id("u1"), IsAdmin: true, JoinedAt: baseTime},
		{UserID: f.id("u2"), JoinedAt: baseTime},
	}
	if err := f.s.CreateConversation(ctx, c, parts); err != nil {
		t.Fatalf("create group: %v", err)
	}
	name := "Study group"
	err := f.s.UpdateConversation(ctx, c.ID, ConversationUpdate{
		Rename: true,
		Name:   &name,
		Add: []domain.Participant{
			{UserID: f.id("u3"), JoinedAt: baseTime.Add(time.Minute)},
			{UserID: f.id("u1"), JoinedAt: baseTime.Add(time.Minute)},
		},
		Remove: []string{f.id("u2")},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := f.s.GetConversation(ctx, c.ID)
	if got.Name == nil || *got.Name != name {
		t.Fatalf("expected rename, got %v", got.Name)
	}
	if !got.UpdatedAt.Equal(baseTime) {
		t.Fatalf("membership changes are not activity, got %v", got.UpdatedAt)
	}
	u1, ok, _ := f.s.GetParticipant(ctx, c.ID, f.id("u1"))
	if !ok || !u1.IsAdmin || !u1.JoinedAt.Equal(baseTime) {
		t.Fatalf("re-adding an existing participant must keep their row, got %+v", u1)
	}
	if _, ok, _ := f.s.GetParticipant(ctx, c.ID, f.id("u2")); ok {
		t.Fatal("expected u2 removed")
	}
	members, err := f.s.ListParticipants(ctx, c.ID)
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 participants, got %+v", members)
	}

	if err := f.s.UpdateConversation(ctx, c.ID, ConversationUpdate{Rename: true}); err != nil {
		t.Fatalf("clear name: %v", err)
	}
	got, _, _ = f.s.GetConversation(ctx, c.ID)
	if got.Name != nil {
		t.Fatalf("expected name cleared, got %q", *got.Name)
	}
}

func testDeleteConversationCascades(t *testing.T, f storeFixture) {
	ctx := context.Background()
	c := seedPair(t, f)
	mustCreateMessages(t, f, sentMessage(f, "m1", "u1", baseTime), draftMessage(f, "d1", "u2", baseTime))
	if err := f.s.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, id := range []string{"m1", "d1"} {
		if _, ok, _ := f.s.GetMessage(ctx, f.id(id)); ok {
			t.Fatalf("expected %s removed", id)
		}
	}
	if _, ok, _ := f.s.GetParticipant(ctx, c.ID, f.id("u1")); ok {
		t.Fatal("expected participant removed")
	}
	if _, ok, _ := f.s.FindDirectConversation(ctx, c.DirectKey); ok {
		t.Fatal("expected direct key released")
	}
	if err := f.s.CreateConversation(ctx, c, nil); err != nil {
		t.Fatalf("released direct key should be reusable: %v", err)
	}
}

func testInboxCandidates(t *testing.T, f storeFixture) {
	ctx := context.Background()
	seedPair(t, f)
	ann := domain.Conversation{ID: f.id("a1"), IsGroup: true, IsAnnouncement: true, CreatedAt: baseTime, UpdatedAt: baseTime}
	if err := f.s.CreateConversation(ctx, ann, []domain.Participant{{UserID: f.id("u1"), JoinedAt: baseTime}}); err != nil {
		t.Fatalf("create announcement: %v", err)
	}
	quiet := domain.Conversation{ID: f.id("c0"), IsGroup: true, CreatedAt: baseTime.Add(-time.Hour), UpdatedAt: baseTime.Add(-time.Hour)}
	if err := f.s.CreateConversation(ctx, quiet, []domain.Participant{{UserID: f.id("u1"), JoinedAt: baseTime}}); err != nil {
		t.Fatalf("create quiet group: %v", err)
	}
	mustCreateMessages(t, f,
		sentMessage(f, "m1", "u2", baseTime.Add(time.Minute)),
		sentMessage(f, "m2", "u2", baseTime.Add(2*time.Minute)),
		// A newer draft is never the inbox preview.
		draftMessage(f, "d1", "u1", baseTime.Add(3*time.Minute)),
	)

	cands, err := f.s.ListInboxCandidates(ctx, f.id("u1"), false)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(cands))
	}
	first := cands[0]
	if first.Conversation.ID != f.id("c1") {
		t.Fatalf("most recent activity first, got %s", first.Conversation.ID)
	}
	if first.LastMessage == nil || first.LastMessage.ID != f.id("m2") {
		t.Fatalf("expected last message m2, got %+v", first.LastMessage)
	}
	if first.UnreadCount != 2 {
		t.Fatalf("expected unread 2, got %d", first.UnreadCount)
	}
	if len(first.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(first.Participants))
	}
	if cands[1].LastMessage != nil || cands[1].UnreadCount != 0 {
		t.Fatalf("empty conversation should have no preview, got %+v", cands[1])
	}

	annCands, _ := f.s.ListInboxCandidates(ctx, f.id("u1"), true)
	if len(annCands) != 1 || annCands[0].Conversation.ID != ann.ID {
		t.Fatalf("expected only the announcement candidate, got %d", len(annCands))
	}
	none, _ := f.s.ListInboxCandidates(ctx, f.id("u2"), true)
	if len(none) != 0 {
		t.Fatalf("non-members see no announcement, got %d", len(none))
	}
}
