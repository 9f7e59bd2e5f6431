package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"randomtalk/backend/internal/config"
	"randomtalk/backend/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// Storage is the local persistence used by the daemon: the anonymous
// profile, call history and the friends list.
type Storage interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)

	RecordCall(ctx context.Context, rec *models.CallRecord) error
	ListHistory(ctx context.Context, ownerID string, limit int) ([]models.CallRecord, error)

	AddFriend(ctx context.Context, ownerID string, friend models.Participant) error
	RemoveFriend(ctx context.Context, ownerID, friendID string) error
	ListFriends(ctx context.Context, ownerID string) ([]models.Friend, error)
}

type Service struct {
	DB         *gorm.DB
	maxHistory int
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db, maxHistory: config.MaxHistoryItems}
}

// Migrate створює або оновлює таблиці для всіх моделей
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.CallRecord{},
		&models.Friend{},
	)
}

// SaveUser зберігає користувача в PostgreSQL
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	return s.DB.WithContext(ctx).Save(user).Error
}

func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).First(&user, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureUser повертає збереженого користувача або створює нового з defaults
func (s *Service) EnsureUser(ctx context.Context, defaults *models.User) (*models.User, error) {
	if defaults.ID != "" {
		user, err := s.GetUser(ctx, defaults.ID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	if err := s.DB.WithContext(ctx).Create(defaults).Error; err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return defaults, nil
}

// LocalUser повертає найстаріший збережений профіль. База належить одному
// демону, тож це і є локальний користувач.
func (s *Service) LocalUser(ctx context.Context) (*models.User, error) {
	var user models.User
	err := s.DB.WithContext(ctx).Order("created_at ASC").First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RecordCall додає запис в історію дзвінків і обрізає найстаріші записи
// понад ліміт для власника
func (s *Service) RecordCall(ctx context.Context, rec *models.CallRecord) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("save call record: %w", err)
		}

		var stale []uint
		err := tx.Model(&models.CallRecord{}).
			Where("owner_id = ?", rec.OwnerID).
			Order("started_at DESC, id DESC").
			Offset(s.maxHistory).
			Pluck("id", &stale).Error
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		return tx.Unscoped().Delete(&models.CallRecord{}, stale).Error
	})
}

// ListHistory повертає історію, найновіші дзвінки першими
func (s *Service) ListHistory(ctx context.Context, ownerID string, limit int) ([]models.CallRecord, error) {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	var records []models.CallRecord
	err := s.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// AddFriend upserts the contact, refreshing its name and avatar.
func (s *Service) AddFriend(ctx context.Context, ownerID string, friend models.Participant) error {
	if friend.ID == "" || friend.ID == ownerID {
		return fmt.Errorf("add friend: invalid friend id %q", friend.ID)
	}
	row := &models.Friend{
		OwnerID:  ownerID,
		FriendID: friend.ID,
		Name:     friend.Name,
		Avatar:   friend.Avatar,
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "friend_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar", "updated_at", "deleted_at"}),
	}).Create(row).Error
}

func (s *Service) RemoveFriend(ctx context.Context, ownerID, friendID string) error {
	return s.DB.WithContext(ctx).
		Unscoped().
		Where("owner_id = ? AND friend_id = ?", ownerID, friendID).
		Delete(&models.Friend{}).Error
}

func (s *Service) ListFriends(ctx context.Context, ownerID string) ([]models.Friend, error) {
	var friends []models.Friend
	err := s.DB.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("name ASC").
		Find(&friends).Error
	return friends, err
}
