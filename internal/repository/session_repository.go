package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSessionStore keeps sessions in SQL. Eviction is by evict_at: reads
// ignore evicted rows and CleanupExpired deletes them.
type GormSessionStore struct{ db *gorm.DB }

func NewSessionStore(db *gorm.DB) *GormSessionStore { return &GormSessionStore{db: db} }

func (r *GormSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ? AND evict_at > ?", id, time.Now().UTC()).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "get", "not_found")
			return nil, domain.ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "get", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "get", "success")
	return &s, nil
}

func (r *GormSessionStore) Put(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	if session == nil || session.ID == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	now := time.Now().UTC()
	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.EvictAt = now.Add(ttl)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "evict_at", "updated_at"}),
	}).Create(&cp).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "put", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "put", "success")
	return nil
}

func (r *GormSessionStore) ListIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("evict_at > ?", time.Now().UTC()).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_ids", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_ids", "success")
	return ids, nil
}

// CleanupExpired removes evicted sessions and lapsed refresh leases.
func (r *GormSessionStore) CleanupExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Where("evict_at <= ?", now).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return 0, res.Error
	}
	if err := r.db.WithContext(ctx).Where("lease_expiry <= ?", now).Delete(&domain.RefreshLease{}).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
