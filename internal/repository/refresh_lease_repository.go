package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// GormRefreshLock implements the refresh lease on a primary-key insert. A
// lapsed lease is deleted first so a crashed holder cannot block forever.
type GormRefreshLock struct{ db *gorm.DB }

func NewRefreshLock(db *gorm.DB) *GormRefreshLock { return &GormRefreshLock{db: db} }

func (l *GormRefreshLock) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	now := time.Now().UTC()
	db := l.db.WithContext(ctx)
	if err := db.Where("session_id = ? AND lease_expiry <= ?", sessionID, now).Delete(&domain.RefreshLease{}).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_lease", "acquire", "error")
		return "", false, err
	}
	lease := domain.RefreshLease{
		SessionID:   sessionID,
		HolderToken: uuid.NewString(),
		LeaseExpiry: now.Add(ttl),
	}
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_lease", "acquire", "error")
		return "", false, res.Error
	}
	if res.RowsAffected != 1 {
		observability.RecordRepositoryOperation(ctx, "refresh_lease", "acquire", "contended")
		return "", false, nil
	}
	observability.RecordRepositoryOperation(ctx, "refresh_lease", "acquire", "success")
	return lease.HolderToken, true, nil
}

func (l *GormRefreshLock) Release(ctx context.Context, sessionID, holderToken string) error {
	err := l.db.WithContext(ctx).
		Where("session_id = ? AND holder_token = ?", sessionID, holderToken).
		Delete(&domain.RefreshLease{}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "refresh_lease", "release", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "refresh_lease", "release", "success")
	return nil
}
