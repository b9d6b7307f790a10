package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/walters954/OpenBookLM/internal/domain"
	"github.com/walters954/OpenBookLM/internal/util"
)

// errDebitRefused aborts a debit transaction without applying anything.
// It is translated to (false, nil) at the API boundary: a refused debit is
// a normal outcome, not an infrastructure failure.
var errDebitRefused = errors.New("debit refused")

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres connection and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return NewGormStoreWithDialector(postgres.Open(dsn))
}

// NewGormStoreWithDialector opens the store on any GORM dialector. Tests use
// an in-process sqlite dialector.
func NewGormStoreWithDialector(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&UserModel{},
		&NotebookModel{},
		&SourceModel{},
		&ChatRecordModel{},
		&ChatMessageModel{},
		&UsageEventModel{},
		&CreditLedgerModel{},
		&AudioEpisodeModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveUser creates or updates a user. The credit balance is only written on
// first insert; balance changes go through GrantCredits/DebitCredits so the
// ledger stays consistent.
func (s *GormStore) SaveUser(u domain.User) error {
	model := userToModel(u)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"external_id", "email", "name", "password_hash"}),
	}).Create(&model).Error
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByExternalID looks up a user by external auth identity.
func (s *GormStore) GetUserByExternalID(externalID string) (domain.User, bool, error) {
	if externalID == "" {
		return domain.User{}, false, nil
	}
	var model UserModel
	if err := s.db.First(&model, "external_id = ?", externalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SaveNotebook stores or updates a notebook.
func (s *GormStore) SaveNotebook(n domain.Notebook) error {
	model := notebookToModel(n)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "updated_at"}),
	}).Create(&model).Error
}

// GetNotebook retrieves a notebook.
func (s *GormStore) GetNotebook(id string) (domain.Notebook, bool, error) {
	var model NotebookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Notebook{}, false, nil
		}
		return domain.Notebook{}, false, err
	}
	return notebookFromModel(model), true, nil
}

// ListNotebooksByOwner returns notebooks ordered by creation time.
func (s *GormStore) ListNotebooksByOwner(ownerID string) ([]domain.Notebook, error) {
	var models []NotebookModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notebook, 0, len(models))
	for _, m := range models {
		res = append(res, notebookFromModel(m))
	}
	return res, nil
}

// DeleteNotebook removes the notebook and its sources. Chat records are kept:
// transcript deletion is an external lifecycle concern.
func (s *GormStore) DeleteNotebook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SourceModel{}, "notebook_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&NotebookModel{}, "id = ?", id).Error
	})
}

// SaveSource stores a source document.
func (s *GormStore) SaveSource(src domain.Source) error {
	model, err := sourceToModel(src)
	if err != nil {
		return err
	}
	return s.db.Create(&model).Error
}

// ListSources returns a notebook's sources ordered by creation time.
func (s *GormStore) ListSources(notebookID string) ([]domain.Source, error) {
	var models []SourceModel
	if err := s.db.Where("notebook_id = ?", notebookID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Source, 0, len(models))
	for _, m := range models {
		src, err := sourceFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, src)
	}
	return res, nil
}

// CreateChatRecord persists one chat turn as a new record with its messages.
func (s *GormStore) CreateChatRecord(userID, notebookID string, msgs []domain.Message) error {
	now := time.Now().UTC()
	record := ChatRecordModel{
		ID:         util.NewID(),
		UserID:     userID,
		NotebookID: notebookID,
		CreatedAt:  now,
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		for _, msg := range msgs {
			model := messageToModel(msg)
			model.RecordID = record.ID
			if model.ID == "" {
				model.ID = util.NewID()
			}
			if model.CreatedAt.IsZero() {
				model.CreatedAt = now
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListChatMessages flattens every chat record of the (user, notebook) pair
// into one chronological transcript.
func (s *GormStore) ListChatMessages(userID, notebookID string) ([]domain.Message, error) {
	var models []ChatMessageModel
	err := s.db.Model(&ChatMessageModel{}).
		Joins("JOIN chat_records ON chat_records.id = chat_messages.record_id").
		Where("chat_records.user_id = ? AND chat_records.notebook_id = ?", userID, notebookID).
		Order("chat_messages.created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// SumUsage aggregates a user's usage for one category since the given time.
func (s *GormStore) SumUsage(userID string, category domain.UsageCategory, since time.Time) (float64, error) {
	var total float64
	err := s.db.Model(&UsageEventModel{}).
		Where("user_id = ? AND category = ? AND created_at >= ?", userID, string(category), since).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GrantCredits adds credits and records one ADD ledger entry atomically.
func (s *GormStore) GrantCredits(userID string, amount int, description string) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserModel{}).
			Where("id = ?", userID).
			UpdateColumn("credits", gorm.Expr("credits + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("grant credits: user %s not found", userID)
		}
		return tx.Create(&CreditLedgerModel{
			ID:          util.NewID(),
			UserID:      userID,
			Amount:      amount,
			Operation:   string(domain.CreditAdd),
			Description: description,
			CreatedAt:   now,
		}).Error
	})
}

// DebitCredits applies one quota-gated debit as a single atomic unit. It
// re-aggregates the monthly usage and conditionally decrements the balance
// inside the transaction, so concurrent requests cannot overshoot either the
// category limit or the balance. Returns (false, nil) when refused.
func (s *GormStore) DebitCredits(req DebitRequest) (bool, error) {
	debit := int(math.Ceil(req.Amount))
	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var used float64
		err := tx.Model(&UsageEventModel{}).
			Where("user_id = ? AND category = ? AND created_at >= ?", req.UserID, string(req.Category), req.MonthStart).
			Select("COALESCE(SUM(amount), 0)").
			Scan(&used).Error
		if err != nil {
			return err
		}
		if used+req.Amount > req.Limit {
			return errDebitRefused
		}
		res := tx.Model(&UserModel{}).
			Where("id = ? AND credits >= ?", req.UserID, debit).
			UpdateColumn("credits", gorm.Expr("credits - ?", debit))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errDebitRefused
		}
		if err := tx.Create(&UsageEventModel{
			ID:         util.NewID(),
			UserID:     req.UserID,
			Category:   string(req.Category),
			Amount:     req.Amount,
			NotebookID: req.NotebookID,
			CreatedAt:  now,
		}).Error; err != nil {
			return err
		}
		return tx.Create(&CreditLedgerModel{
			ID:          util.NewID(),
			UserID:      req.UserID,
			Amount:      debit,
			Operation:   string(domain.CreditSubtract),
			Description: req.Description,
			CreatedAt:   now,
		}).Error
	})
	if errors.Is(err, errDebitRefused) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListLedger returns a user's ledger entries in creation order.
func (s *GormStore) ListLedger(userID string) ([]domain.CreditLedgerEntry, error) {
	var models []CreditLedgerModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CreditLedgerEntry, 0, len(models))
	for _, m := range models {
		res = append(res, ledgerFromModel(m))
	}
	return res, nil
}

// ListUsageEvents returns a user's usage events in creation order.
func (s *GormStore) ListUsageEvents(userID string) ([]domain.UsageEvent, error) {
	var models []UsageEventModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.UsageEvent, 0, len(models))
	for _, m := range models {
		res = append(res, usageFromModel(m))
	}
	return res, nil
}

// CreateAudioEpisode stores a new episode with its conversation payload.
func (s *GormStore) CreateAudioEpisode(ep domain.AudioEpisode, conversation []domain.Message) error {
	payload, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	model := episodeToModel(ep)
	model.Conversation = payload
	return s.db.Create(&model).Error
}

// SetEpisodeStatus updates episode status, storage key, and error message.
func (s *GormStore) SetEpisodeStatus(id string, status domain.EpisodeStatus, storageKey, errMsg string) error {
	return s.db.Model(&AudioEpisodeModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"storage_key":   storageKey,
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// GetAudioEpisode retrieves an episode.
func (s *GormStore) GetAudioEpisode(id string) (domain.AudioEpisode, bool, error) {
	var model AudioEpisodeModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AudioEpisode{}, false, nil
		}
		return domain.AudioEpisode{}, false, err
	}
	return episodeFromModel(model), true, nil
}

// GetEpisodeConversation returns the conversation an episode was queued with.
func (s *GormStore) GetEpisodeConversation(id string) ([]domain.Message, error) {
	var model AudioEpisodeModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		return nil, err
	}
	var conversation []domain.Message
	if len(model.Conversation) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(model.Conversation, &conversation); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	return conversation, nil
}

// ListAudioEpisodes returns a notebook's episodes, newest first.
func (s *GormStore) ListAudioEpisodes(notebookID string) ([]domain.AudioEpisode, error) {
	var models []AudioEpisodeModel
	if err := s.db.Where("notebook_id = ?", notebookID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.AudioEpisode, 0, len(models))
	for _, m := range models {
		res = append(res, episodeFromModel(m))
	}
	return res, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		ExternalID:   u.ExternalID,
		Email:        u.Email,
		Name:         u.Name,
		PasswordHash: u.PasswordHash,
		IsGuest:      u.IsGuest,
		Credits:      u.Credits,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		ExternalID:   m.ExternalID,
		Email:        m.Email,
		Name:         m.Name,
		PasswordHash: m.PasswordHash,
		IsGuest:      m.IsGuest,
		Credits:      m.Credits,
		CreatedAt:    m.CreatedAt,
	}
}

func notebookToModel(n domain.Notebook) NotebookModel {
	return NotebookModel{
		ID:        n.ID,
		OwnerID:   n.OwnerID,
		Title:     n.Title,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
}

func notebookFromModel(m NotebookModel) domain.Notebook {
	return domain.Notebook{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func sourceToModel(src domain.Source) (SourceModel, error) {
	model := SourceModel{
		ID:         src.ID,
		NotebookID: src.NotebookID,
		Title:      src.Title,
		Content:    src.Content,
		CreatedAt:  src.CreatedAt,
	}
	if len(src.Metadata) > 0 {
		payload, err := json.Marshal(src.Metadata)
		if err != nil {
			return SourceModel{}, fmt.Errorf("marshal source metadata: %w", err)
		}
		model.Metadata = payload
	}
	return model, nil
}

func sourceFromModel(m SourceModel) (domain.Source, error) {
	src := domain.Source{
		ID:         m.ID,
		NotebookID: m.NotebookID,
		Title:      m.Title,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &src.Metadata); err != nil {
			return domain.Source{}, fmt.Errorf("unmarshal source metadata: %w", err)
		}
	}
	return src, nil
}

func messageToModel(msg domain.Message) ChatMessageModel {
	return ChatMessageModel{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m ChatMessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		Role:      domain.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func usageFromModel(m UsageEventModel) domain.UsageEvent {
	return domain.UsageEvent{
		ID:         m.ID,
		UserID:     m.UserID,
		Category:   domain.UsageCategory(m.Category),
		Amount:     m.Amount,
		NotebookID: m.NotebookID,
		CreatedAt:  m.CreatedAt,
	}
}

func ledgerFromModel(m CreditLedgerModel) domain.CreditLedgerEntry {
	return domain.CreditLedgerEntry{
		ID:          m.ID,
		UserID:      m.UserID,
		Amount:      m.Amount,
		Operation:   domain.CreditOperation(m.Operation),
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

func episodeToModel(ep domain.AudioEpisode) AudioEpisodeModel {
	return AudioEpisodeModel{
		ID:           ep.ID,
		NotebookID:   ep.NotebookID,
		UserID:       ep.UserID,
		Status:       string(ep.Status),
		StorageKey:   ep.StorageKey,
		ErrorMessage: ep.ErrorMessage,
		CreatedAt:    ep.CreatedAt,
		UpdatedAt:    ep.UpdatedAt,
	}
}

func episodeFromModel(m AudioEpisodeModel) domain.AudioEpisode {
	return domain.AudioEpisode{
		ID:           m.ID,
		NotebookID:   m.NotebookID,
		UserID:       m.UserID,
		Status:       domain.EpisodeStatus(m.Status),
		StorageKey:   m.StorageKey,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}
