package auth

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshLedger 为每个用户保存一条哈希后的 refresh 凭证。
type RefreshLedger struct {
	db *gorm.DB
}

func NewRefreshLedger(db *gorm.DB) *RefreshLedger {
	return &RefreshLedger{db: db}
}

// Replace 把 hash 存为用户唯一的 refresh 凭证，覆盖之前的记录。
func (l *RefreshLedger) Replace(ctx context.Context, userID uint, hash string, expiresAt time.Time) error {
	row := models.RefreshToken{UserID: userID, TokenHash: hash, ExpiresAt: expiresAt}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token_hash", "expires_at", "updated_at"}),
	}).Create(&row).Error
}

// Lookup 返回用户的记录，不存在时返回 nil。
func (l *RefreshLedger) Lookup(ctx context.Context, userID uint) (*models.RefreshToken, error) {
	var row models.RefreshToken
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Delete 删除用户的记录，记录不存在不视为错误。
func (l *RefreshLedger) Delete(ctx context.Context, userID uint) error {
	return l.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.RefreshToken{}).Error
}
