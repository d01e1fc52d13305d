package repository

import (
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

// EntryRepository persists the audit trail of admission attempts.
type EntryRepository struct {
	db *gorm.DB
}

func NewEntryRepository(db *gorm.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

func (r *EntryRepository) CreateEntry(record *domain.MempoolEntryModel) error {
	return r.db.Create(record).Error
}

// FindEntriesByHash retrieves every attempt recorded for a user operation hash, newest first
func (r *EntryRepository) FindEntriesByHash(userOpHash common.Hash) ([]*domain.MempoolEntryModel, error) {
	var records []*domain.MempoolEntryModel
	if err := r.db.Where("user_op_hash = ?", userOpHash.Hex()).Order("created_at DESC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// FindEntryById retrieves a specific audit row by its ID
func (r *EntryRepository) FindEntryById(id string) (*domain.MempoolEntryModel, error) {
	var record domain.MempoolEntryModel
	if err := r.db.Where("id = ?", id).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// FindEntriesByStatus retrieves audit rows with the given status
func (r *EntryRepository) FindEntriesByStatus(status domain.EntryStatus) ([]*domain.MempoolEntryModel, error) {
	var records []*domain.MempoolEntryModel
	if err := r.db.Where("status = ?", status).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateEntryStatus updates the status of the latest accepted row for a hash.
// errMsg is stored when provided.
func (r *EntryRepository) UpdateEntryStatus(userOpHash common.Hash, status domain.EntryStatus, errMsg *string) error {
	updates := map[string]interface{}{
		"status": status,
	}
	if errMsg != nil {
		updates["err_msg"] = *errMsg
	}

	return r.db.Model(&domain.MempoolEntryModel{}).
		Where("user_op_hash = ? AND status = ?", userOpHash.Hex(), domain.EntryStatusAccepted).
		Updates(updates).Error
}
