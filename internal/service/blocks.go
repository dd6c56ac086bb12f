package service

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BlockService 管理用户之间的有向屏蔽关系。屏蔽和好友关系互斥。
type BlockService struct {
	db *gorm.DB
}

func NewBlockService(db *gorm.DB) *BlockService {
	return &BlockService{db: db}
}

// BlockedView 是屏蔽列表中的一项。
type BlockedView struct {
	UserID      uint                 `json:"user_id"`
	DisplayName string               `json:"display_name"`
	Strength    models.BlockStrength `json:"strength"`
	Since       time.Time            `json:"since"`
}

// IsBlocking 报告 a 是否屏蔽了 b。
func (s *BlockService) IsBlocking(ctx context.Context, a, b uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Block{}).
		Where("blocker_id = ? AND blocked_id = ?", a, b).
		Count(&n).Error
	return n > 0, err
}

// IsBlockedBy 报告 a 是否被 b 屏蔽。
func (s *BlockService) IsBlockedBy(ctx context.Context, a, b uint) (bool, error) {
	return s.IsBlocking(ctx, b, a)
}

// EitherBlocks 报告 a 和 b 之间是否存在任一方向的屏蔽。
func (s *BlockService) EitherBlocks(ctx context.Context, a, b uint) (bool, error) {
	return s.EitherBlocksTx(s.db.WithContext(ctx), a, b)
}

// EitherBlocksTx 在调用方的事务中执行 EitherBlocks。
func (s *BlockService) EitherBlocksTx(tx *gorm.DB, a, b uint) (bool, error) {
	var n int64
	err := tx.Model(&models.Block{}).
		Where("(blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)", a, b, b, a).
		Count(&n).Error
	return n > 0, err
}

// Block 让 blocker 屏蔽 target，同时删除 blocker 对 target 的好友关系。
func (s *BlockService) Block(ctx context.Context, blocker, target uint, strength models.BlockStrength) error {
	if blocker == target {
		return apperr.ErrSelfBlock
	}
	if !strength.Valid() {
		return ErrInvalidStrength
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Block{}).Where("blocker_id = ? AND blocked_id = ?", blocker, target).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyBlocked
		}
		res := tx.Where("user_id = ? AND friend_id = ?", blocker, target).Delete(&models.Friendship{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotFriends
		}
		return tx.Create(&models.Block{BlockerID: blocker, BlockedID: target, Strength: strength}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyBlocked
	}
	if err == nil {
		log.Info().Uint("blocker_id", blocker).Uint("blocked_id", target).Str("strength", string(strength)).Msg("user blocked")
	}
	return err
}

// Unblock 删除屏蔽，并以非特别关注的状态恢复 blocker 对 target 的好友关系。
func (s *BlockService) Unblock(ctx context.Context, blocker, target uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("blocker_id = ? AND blocked_id = ?", blocker, target).Delete(&models.Block{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotBlocked
		}
		// TODO: 与产品确认解除屏蔽是否应恢复好友关系。
		return tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.Friendship{UserID: blocker, FriendID: target}).Error
	})
}

// ChangeStrength 修改屏蔽强度，NONE 等同于 Unblock。
func (s *BlockService) ChangeStrength(ctx context.Context, blocker, target uint, strength models.BlockStrength) error {
	if strength == models.BlockNone {
		return s.Unblock(ctx, blocker, target)
	}
	if !strength.Valid() {
		return ErrInvalidStrength
	}
	res := s.db.WithContext(ctx).Model(&models.Block{}).
		Where("blocker_id = ? AND blocked_id = ?", blocker, target).
		Updates(map[string]any{"strength": strength, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotBlocked
	}
	return nil
}

// BlockingUserIDsWithProfileHidden 返回 blocker 以 MESSAGE_AND_PROFILE 强度屏蔽的用户，
// 资料与好友列表查询据此隐藏对方。
func (s *BlockService) BlockingUserIDsWithProfileHidden(ctx context.Context, blocker uint) ([]uint, error) {
	ids := []uint{}
	err := s.db.WithContext(ctx).Model(&models.Block{}).
		Where("blocker_id = ? AND strength = ?", blocker, models.BlockMessageAndProfile).
		Order("blocked_id").
		Pluck("blocked_id", &ids).Error
	return ids, err
}

// ListBlocked 返回 blocker 的屏蔽列表。
func (s *BlockService) ListBlocked(ctx context.Context, blocker uint) ([]BlockedView, error) {
	db := s.db.WithContext(ctx)
	var blocks []models.Block
	if err := db.Where("blocker_id = ?", blocker).Order("id desc").Find(&blocks).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.BlockedID)
	}
	names, err := displayNames(db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]BlockedView, 0, len(blocks))
	for _, b := range blocks {
		name, ok := names[b.BlockedID]
		if !ok {
			name = models.UnknownUserName
		}
		out = append(out, BlockedView{UserID: b.BlockedID, DisplayName: name, Strength: b.Strength, Since: b.CreatedAt})
	}
	return out, nil
}
