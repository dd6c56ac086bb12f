package service

import (
	"context"
	"errors"

	"chatbridge/internal/apperr"
	"chatbridge/internal/models"

	"gorm.io/gorm"
)

// FriendService 维护有向的好友关系。
type FriendService struct {
	db     *gorm.DB
	blocks *BlockService
}

func NewFriendService(db *gorm.DB, blocks *BlockService) *FriendService {
	return &FriendService{db: db, blocks: blocks}
}

// FriendView 是好友列表中的一项。
type FriendView struct {
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsFavorite  bool   `json:"is_favorite"`
}

// Add 把 friend 加入 owner 的好友列表。已屏蔽的用户需要先解除屏蔽。
func (s *FriendService) Add(ctx context.Context, owner, friend uint) error {
	if owner == friend {
		return apperr.New(apperr.CodeInvalidArgument, "cannot befriend yourself")
	}
	var target models.User
	if err := s.db.WithContext(ctx).First(&target, friend).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if !target.Active() {
		return ErrUserNotFound
	}
	blocked, err := s.blocks.IsBlocking(ctx, owner, friend)
	if err != nil {
		return err
	}
	if blocked {
		return ErrAlreadyBlocked
	}
	err = s.db.WithContext(ctx).Create(&models.Friendship{UserID: owner, FriendID: friend}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyFriends
	}
	return err
}

// List 返回 owner 的好友，排除以 MESSAGE_AND_PROFILE 强度屏蔽的用户。
func (s *FriendService) List(ctx context.Context, owner uint) ([]FriendView, error) {
	hidden, err := s.blocks.BlockingUserIDsWithProfileHidden(ctx, owner)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("user_id = ?", owner)
	if len(hidden) > 0 {
		q = q.Where("friend_id NOT IN ?", hidden)
	}
	var rows []models.Friendship
	if err := q.Order("is_favorite desc, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(rows))
	for _, f := range rows {
		ids = append(ids, f.FriendID)
	}
	names, err := displayNames(s.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}
	out := make([]FriendView, 0, len(rows))
	for _, f := range rows {
		name, ok := names[f.FriendID]
		if !ok {
			continue
		}
		out = append(out, FriendView{UserID: f.FriendID, DisplayName: name, IsFavorite: f.IsFavorite})
	}
	return out, nil
}
