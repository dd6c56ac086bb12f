package service

import (
	"context"
	"time"

	"chatbridge/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AccountPurger 物理删除超过保留期的注销账户。
type AccountPurger struct {
	db       *gorm.DB
	messages *MessageService
}

func NewAccountPurger(db *gorm.DB, messages *MessageService) *AccountPurger {
	return &AccountPurger{db: db, messages: messages}
}

// Purge 删除在 before 之前注销的用户，返回删除的数量。每个用户先脱钩其消息再删除用户行，
// 单个用户失败时停止并返回已完成的数量。
func (p *AccountPurger) Purge(ctx context.Context, before time.Time) (int, error) {
	var ids []uint
	err := p.db.WithContext(ctx).Model(&models.User{}).
		Where("status = ? AND withdrawn_at < ?", models.UserDeleted, before.UTC()).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		detached, err := p.messages.NullifySender(ctx, id)
		if err != nil {
			return purged, err
		}
		err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("user_id = ?", id).Delete(&models.RefreshToken{}).Error; err != nil {
				return err
			}
			return tx.Delete(&models.User{}, id).Error
		})
		if err != nil {
			return purged, err
		}
		purged++
		log.Info().Uint("user_id", id).Int64("messages_detached", detached).Msg("account purged")
	}
	return purged, nil
}
