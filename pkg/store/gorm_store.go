package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"coursehub/pkg/domain"
)

const migrateLockID int64 = 51843207

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&UserModel{}, &ConversationModel{}, &ParticipantModel{}, &MessageModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := tx.Exec(`
		DO $$
		BEGIN
			DELETE FROM conversation_participants p
			WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = p.conversation_id);
			DELETE FROM message_models m
			WHERE NOT EXISTS (SELECT 1 FROM conversation_models c WHERE c.id = m.conversation_id);
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'conversation_participants'
				AND constraint_name = 'conversation_participants_conversation_id_fkey'
			) THEN
				ALTER TABLE conversation_participants
				ADD CONSTRAINT conversation_participants_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'message_models'
				AND constraint_name = 'message_models_conversation_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure conversation foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveUser registers or refreshes a user replica.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "role", "updated_at"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUsers returns the users that exist among ids, keyed by ID.
func (s *GormStore) GetUsers(ctx context.Context, ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []UserModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.ID] = userFromModel(m)
	}
	return out, nil
}

// GetParticipant looks up one membership row.
func (s *GormStore) GetParticipant(ctx context.Context, conversationID, userID string) (domain.Participant, bool, error) {
	var model ParticipantModel
	err := s.db.WithContext(ctx).
		First(&model, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Participant{}, false, nil
		}
		return domain.Participant{}, false, err
	}
	return participantFromModel(model), true, nil
}

// ListParticipants returns members in join order.
func (s *GormStore) ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Order("user_id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		out = append(out, participantFromModel(m))
	}
	return out, nil
}

// CreateConversation stores a conversation with its initial participants.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation, participants []domain.Participant) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := conversationToModel(c)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return nil
		}
		rows := make([]ParticipantModel, 0, len(participants))
		for _, p := range participants {
			p.ConversationID = c.ID
			rows = append(rows, participantToModel(p))
		}
		return tx.Create(&rows).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateConversation
	}
	return err
}

// FindDirectConversation returns the 1:1 conversation for a participant pair key.
func (s *GormStore) FindDirectConversation(ctx context.Context, directKey string) (domain.Conversation, bool, error) {
	return s.firstConversation(ctx, "direct_key = ? AND is_group = ?", directKey, false)
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	return s.firstConversation(ctx, "id = ?", id)
}

func (s *GormStore) firstConversation(ctx context.Context, query string, args ...any) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// UpdateConversation applies a rename and membership change in one transaction.
// Renames and membership changes are not activity, so updated_at is left alone.
func (s *GormStore) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if upd.Rename {
			var value any = gorm.Expr("NULL")
			if upd.Name != nil {
				value = *upd.Name
			}
			if err := tx.Model(&ConversationModel{}).
				Where("id = ?", id).
				UpdateColumn("name", value).Error; err != nil {
				return fmt.Errorf("rename: %w", err)
			}
		}
		if len(upd.Add) > 0 {
			rows := make([]ParticipantModel, 0, len(upd.Add))
			for _, p := range upd.Add {
				p.ConversationID = id
				rows = append(rows, participantToModel(p))
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
				return fmt.Errorf("add participants: %w", err)
			}
		}
		if len(upd.Remove) > 0 {
			if err := tx.Delete(&ParticipantModel{}, "conversation_id = ? AND user_id IN ?", id, upd.Remove).Error; err != nil {
				return fmt.Errorf("remove participants: %w", err)
			}
		}
		return nil
	})
}

// DeleteConversation removes the conversation, its participants and messages.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ParticipantModel{}, "conversation_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&ConversationModel{}, "id = ?", id).Error
	})
}

type unreadRow struct {
	ConversationID string
	Count          int
}

// ListInboxCandidates loads every conversation viewerID belongs to with the
// matching announcement flag, newest activity first.
func (s *GormStore) ListInboxCandidates(ctx context.Context, viewerID string, isAnnouncement bool) ([]InboxCandidate, error) {
	db := s.db.WithContext(ctx)
	var convs []ConversationModel
	if err := db.
		Joins("JOIN conversation_participants p ON p.conversation_id = conversation_models.id").
		Where("p.user_id = ? AND conversation_models.is_announcement = ?", viewerID, isAnnouncement).
		Order("conversation_models.updated_at DESC").
		Order("conversation_models.id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		return []InboxCandidate{}, nil
	}
	ids := make([]string, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}

	var parts []ParticipantModel
	if err := db.Where("conversation_id IN ?", ids).
		Order("joined_at ASC").
		Order("user_id ASC").
		Find(&parts).Error; err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	var latest []MessageModel
	if err := db.Raw(`
		SELECT DISTINCT ON (conversation_id) *
		FROM message_models
		WHERE conversation_id IN ? AND is_draft = false
		ORDER BY conversation_id, created_at DESC, id DESC
	`, ids).Scan(&latest).Error; err != nil {
		return nil, fmt.Errorf("load latest messages: %w", err)
	}
	var unread []unreadRow
	if err := db.Model(&MessageModel{}).
		Select("conversation_id, COUNT(*) AS count").
		Where("conversation_id IN ? AND status = ? AND is_draft = ? AND sender_id <> ?",
			ids, string(domain.StatusSent), false, viewerID).
		Group("conversation_id").
		Scan(&unread).Error; err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}

	partsByConv := make(map[string][]domain.Participant, len(convs))
	for _, p := range parts {
		partsByConv[p.ConversationID] = append(partsByConv[p.ConversationID], participantFromModel(p))
	}
	latestByConv := make(map[string]domain.Message, len(latest))
	for _, m := range latest {
		latestByConv[m.ConversationID] = messageFromModel(m)
	}
	unreadByConv := make(map[string]int, len(unread))
	for _, row := range unread {
		unreadByConv[row.ConversationID] = row.Count
	}

	out := make([]InboxCandidate, 0, len(convs))
	for _, c := range convs {
		cand := InboxCandidate{
			Conversation: conversationFromModel(c),
			Participants: partsByConv[c.ID],
			UnreadCount:  unreadByConv[c.ID],
		}
		if msg, ok := latestByConv[c.ID]; ok {
			cand.LastMessage = &msg
		}
		out = append(out, cand)
	}
	return out, nil
}

// CountUnread counts SENT messages from other senders across every
// conversation viewerID belongs to with the matching announcement flag.
func (s *GormStore) CountUnread(ctx context.Context, viewerID string, isAnnouncement bool) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&MessageModel{}).
		Joins("JOIN conversation_participants p ON p.conversation_id = message_models.conversation_id").
		Joins("JOIN conversation_models c ON c.id = message_models.conversation_id").
		Where("p.user_id = ? AND c.is_announcement = ?", viewerID, isAnnouncement).
		Where("message_models.status = ? AND message_models.is_draft = ? AND message_models.sender_id <> ?",
			string(domain.StatusSent), false, viewerID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// CreateMessage records a message. Sent messages refresh the conversation's
// activity timestamp in the same transaction.
func (s *GormStore) CreateMessage(ctx context.Context, msg domain.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if msg.IsDraft {
			return nil
		}
		return touchConversation(tx, msg.ConversationID, msg.CreatedAt)
	})
}

func touchConversation(tx *gorm.DB, conversationID string, at time.Time) error {
	return tx.Model(&ConversationModel{}).
		Where("id = ?", conversationID).
		UpdateColumn("updated_at", at.UTC()).Error
}

// GetMessage returns one message by ID.
func (s *GormStore) GetMessage(ctx context.Context, id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns one page of messages, newest first.
func (s *GormStore) ListMessages(ctx context.Context, q MessageQuery) ([]domain.Message, error) {
	if q.Limit <= 0 {
		return []domain.Message{}, nil
	}
	db := s.db.WithContext(ctx)
	tx := db.Where("conversation_id = ?", q.ConversationID)
	if q.IncludeDrafts {
		tx = tx.Where("(is_draft = ? OR sender_id = ?)", false, q.ViewerID)
	} else {
		tx = tx.Where("is_draft = ?", false)
	}
	if q.CursorID != "" {
		var cursor MessageModel
		err := db.Select("id", "created_at").
			First(&cursor, "id = ? AND conversation_id = ?", q.CursorID, q.ConversationID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return []domain.Message{}, nil
			}
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	var models []MessageModel
	if err := tx.Order("created_at DESC").
		Order("id DESC").
		Limit(q.Limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// MarkRead moves SENT messages among ids that readerID did not author to READ.
// The status guard makes concurrent readers harmless: a second attempt
// matches nothing.
func (s *GormStore) MarkRead(ctx context.Context, readerID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&MessageModel{}).
		Where("id IN ? AND status = ? AND is_draft = ? AND sender_id <> ?",
			ids, string(domain.StatusSent), false, readerID).
		UpdateColumns(map[string]any{
			"status":     string(domain.StatusRead),
			"updated_at": at.UTC(),
		}).Error
}

// EditMessage applies an author's edit as one conditional update.
func (s *GormStore) EditMessage(ctx context.Context, id, senderID string, edit MessageEdit) (domain.Message, bool, error) {
	var out domain.Message
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&MessageModel{}).Where("id = ? AND sender_id = ?", id, senderID)
		if edit.DraftOnly || edit.Send {
			q = q.Where("is_draft = ?", true)
		}
		updates := map[string]any{"updated_at": edit.At.UTC()}
		if edit.Content != nil {
			updates["content"] = *edit.Content
		}
		if edit.Send {
			updates["is_draft"] = false
			updates["status"] = string(domain.StatusSent)
		}
		res := q.UpdateColumns(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		var model MessageModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return err
		}
		if edit.Send {
			if err := touchConversation(tx, model.ConversationID, edit.At); err != nil {
				return err
			}
		}
		out = messageFromModel(model)
		found = true
		return nil
	})
	if err != nil {
		return domain.Message{}, false, err
	}
	return out, found, nil
}

// DeleteMessage removes a message owned by senderID.
func (s *GormStore) DeleteMessage(ctx context.Context, id, senderID string, draftOnly bool) (bool, error) {
	q := s.db.WithContext(ctx).Where("id = ? AND sender_id = ?", id, senderID)
	if draftOnly {
		q = q.Where("is_draft = ?", true)
	}
	res := q.Delete(&MessageModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListDrafts returns senderID's drafts, most recently edited first.
func (s *GormStore) ListDrafts(ctx context.Context, senderID, conversationID string) ([]domain.Message, error) {
	tx := s.db.WithContext(ctx).Where("sender_id = ? AND is_draft = ?", senderID, true)
	if conversationID != "" {
		tx = tx.Where("conversation_id = ?", conversationID)
	}
	var models []MessageModel
	if err := tx.Order("updated_at DESC").Order("id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	role := domain.UserRole(m.Role)
	if role == "" {
		role = domain.RoleStudent
	}
	return domain.User{
		ID:        m.ID,
		FirstName: m.FirstName,
		LastName:  m.LastName,
		Role:      role,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	var directKey *string
	if !c.IsGroup && c.DirectKey != "" {
		key := c.DirectKey
		directKey = &key
	}
	return ConversationModel{
		ID:             c.ID,
		Name:           c.Name,
		IsGroup:        c.IsGroup,
		IsAnnouncement: c.IsAnnouncement,
		CourseID:       c.CourseID,
		DirectKey:      directKey,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	directKey := ""
	if m.DirectKey != nil {
		directKey = *m.DirectKey
	}
	return domain.Conversation{
		ID:             m.ID,
		Name:           m.Name,
		IsGroup:        m.IsGroup,
		IsAnnouncement: m.IsAnnouncement,
		CourseID:       m.CourseID,
		DirectKey:      directKey,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func participantToModel(p domain.Participant) ParticipantModel {
	return ParticipantModel{
		UserID:         p.UserID,
		ConversationID: p.ConversationID,
		IsAdmin:        p.IsAdmin,
		JoinedAt:       p.JoinedAt,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		IsAdmin:        m.IsAdmin,
		JoinedAt:       m.JoinedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		IsDraft:        msg.IsDraft,
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		IsDraft:        m.IsDraft,
		Status:         domain.MessageStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
