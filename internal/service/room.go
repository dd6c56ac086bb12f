package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/models"

	"gorm.io/gorm"
)

// Presence 报告某个 topic 当前的订阅连接数，由 ws.Hub 实现。
type Presence interface {
	Online(topic string) int
}

// RoomTopicPrefix 是房间 topic 的公共前缀，发布与订阅都由它派生。
const RoomTopicPrefix = "/topic/chat/room/"

// TopicForRoom 返回房间消息广播使用的 topic。
func TopicForRoom(roomID uint) string {
	return RoomTopicPrefix + strconv.FormatUint(uint64(roomID), 10)
}

// RoomService 维护房间与成员关系，包括未读数和最近消息摘要。
type RoomService struct {
	db       *gorm.DB
	presence Presence
}

func NewRoomService(db *gorm.DB, presence Presence) *RoomService {
	return &RoomService{db: db, presence: presence}
}

// MemberView 是房间成员的展示数据。
type MemberView struct {
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// RoomSummary 是房间列表中的一项。
type RoomSummary struct {
	ID            uint            `json:"id"`
	Kind          models.RoomKind `json:"kind"`
	Name          string          `json:"name"`
	UnreadCount   int             `json:"unread_count"`
	LastMessage   *string         `json:"last_message,omitempty"`
	LastMessageAt *time.Time      `json:"last_message_at,omitempty"`
	Members       []MemberView    `json:"members"`
	Online        int             `json:"online"`
}

// FindOrCreateDirect 返回 a 与 b 之间唯一的单聊房间，不存在时创建。
// created 表示本次调用是否新建了房间。
func (s *RoomService) FindOrCreateDirect(ctx context.Context, a, b uint) (room *models.Room, created bool, err error) {
	if a == b {
		return nil, false, apperr.New(apperr.CodeInvalidInvitee, "cannot open a direct room with yourself")
	}
	if ok, err := s.activeUsers(ctx, []uint{b}); err != nil {
		return nil, false, err
	} else if !ok {
		return nil, false, apperr.ErrRecipientNotFound
	}

	key := models.DirectKey(a, b)
	if room, err := s.directByKey(ctx, key); err != nil || room != nil {
		return room, false, err
	}

	room = &models.Room{Kind: models.RoomDirect, DirectKey: &key}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		return tx.Create([]models.Membership{{RoomID: room.ID, UserID: a}, {RoomID: room.ID, UserID: b}}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 并发创建时输给了另一方
		room, err = s.directByKey(ctx, key)
		if err == nil && room == nil {
			err = apperr.New(apperr.CodeInternal, "direct room vanished after conflict")
		}
		return room, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return room, true, nil
}

func (s *RoomService) directByKey(ctx context.Context, key string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).Where("direct_key = ?", key).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// CreateGroup 创建群聊，creator 自动成为成员。任一被邀请人不存在或已注销时整体失败。
func (s *RoomService) CreateGroup(ctx context.Context, creator uint, name string, invitees []uint) (*models.Room, error) {
	seen := map[uint]struct{}{creator: {}}
	others := make([]uint, 0, len(invitees))
	for _, id := range invitees {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		others = append(others, id)
	}
	if len(others) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInvitee, "a group needs at least one other member")
	}
	ok, err := s.activeUsers(ctx, others)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.ErrInvalidInvitee
	}

	room := &models.Room{Kind: models.RoomGroup}
	if name = strings.TrimSpace(name); name != "" {
		room.Name = &name
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		members := make([]models.Membership, 0, len(others)+1)
		members = append(members, models.Membership{RoomID: room.ID, UserID: creator})
		for _, id := range others {
			members = append(members, models.Membership{RoomID: room.ID, UserID: id})
		}
		return tx.Create(members).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RoomService) activeUsers(ctx context.Context, ids []uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id IN ? AND status = ?", ids, models.UserActive).
		Count(&n).Error
	return n == int64(len(ids)), err
}

// ListForUser 返回用户加入的所有房间，按最近消息时间倒序。
func (s *RoomService) ListForUser(ctx context.Context, userID uint) ([]RoomSummary, error) {
	db := s.db.WithContext(ctx)

	var own []models.Membership
	if err := db.Where("user_id = ?", userID).Find(&own).Error; err != nil {
		return nil, err
	}
	if len(own) == 0 {
		return []RoomSummary{}, nil
	}
	roomIDs := make([]uint, 0, len(own))
	unread := make(map[uint]int, len(own))
	for _, m := range own {
		roomIDs = append(roomIDs, m.RoomID)
		unread[m.RoomID] = m.UnreadCount
	}

	var rooms []models.Room
	if err := db.Where("id IN ?", roomIDs).Find(&rooms).Error; err != nil {
		return nil, err
	}
	var all []models.Membership
	if err := db.Where("room_id IN ?", roomIDs).Order("id").Find(&all).Error; err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(all))
	for _, m := range all {
		userIDs = append(userIDs, m.UserID)
	}
	names, err := displayNames(db, userIDs)
	if err != nil {
		return nil, err
	}
	members := make(map[uint][]MemberView, len(rooms))
	for _, m := range all {
		name, ok := names[m.UserID]
		if !ok {
			name = models.UnknownUserName
		}
		members[m.RoomID] = append(members[m.RoomID], MemberView{UserID: m.UserID, DisplayName: name})
	}

	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		sum := RoomSummary{
			ID:            r.ID,
			Kind:          r.Kind,
			UnreadCount:   unread[r.ID],
			LastMessage:   r.LastMessageContent,
			LastMessageAt: r.LastMessageAt,
			Members:       members[r.ID],
		}
		sum.Name = roomDisplayName(r, sum.Members, userID)
		if s.presence != nil {
			sum.Online = s.presence.Online(TopicForRoom(r.ID))
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID > out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
	return out, nil
}

func roomDisplayName(r models.Room, members []MemberView, viewer uint) string {
	if r.Kind == models.RoomDirect {
		for _, m := range members {
			if m.UserID != viewer {
				return m.DisplayName
			}
		}
		return models.UnknownUserName
	}
	if r.Name != nil {
		return *r.Name
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != viewer {
			names = append(names, m.DisplayName)
		}
	}
	return strings.Join(names, ", ")
}

// Room 返回 userID 可见的房间。不存在和非成员统一报告为 RoomNotFound。
func (s *RoomService) Room(ctx context.Context, roomID, userID uint) (*models.Room, error) {
	member, err := s.IsMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.ErrRoomNotFound
	}
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrRoomNotFound
		}
		return nil, err
	}
	return &room, nil
}

// Peer 返回单聊房间中除 userID 外的另一名成员。
func (s *RoomService) Peer(ctx context.Context, roomID, userID uint) (uint, error) {
	var m models.Membership
	err := s.db.WithContext(ctx).Where("room_id = ? AND user_id <> ?", roomID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, apperr.ErrRecipientNotFound
	}
	if err != nil {
		return 0, err
	}
	return m.UserID, nil
}

func (s *RoomService) IsMember(ctx context.Context, roomID, userID uint) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	return n > 0, err
}

func (s *RoomService) Members(ctx context.Context, roomID uint) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ?", roomID).Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// IncrementUnread 给房间内除 excluding 外的成员未读数加一。必须在发送事务内调用。
func (s *RoomService) IncrementUnread(tx *gorm.DB, roomID, excluding uint) error {
	return tx.Model(&models.Membership{}).
		Where("room_id = ? AND user_id <> ?", roomID, excluding).
		UpdateColumn("unread_count", gorm.Expr("unread_count + 1")).Error
}

// UpdateSummary 记录房间最近一条消息，较旧的消息不会覆盖较新的摘要。
func (s *RoomService) UpdateSummary(tx *gorm.DB, roomID uint, content string, at time.Time) error {
	return tx.Model(&models.Room{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", roomID, at).
		UpdateColumns(map[string]any{
			"last_message_content": content,
			"last_message_at":      at,
			"updated_at":           at,
		}).Error
}

// MarkRead 清零 userID 在房间内的未读数。
func (s *RoomService) MarkRead(ctx context.Context, roomID, userID uint) error {
	res := s.db.WithContext(ctx).Model(&models.Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		UpdateColumn("unread_count", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrRoomNotFound
	}
	return nil
}

// UnreadCount 返回成员的未读数。
func (s *RoomService) UnreadCount(ctx context.Context, roomID, userID uint) (int, error) {
	var m models.Membership
	err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, apperr.ErrRoomNotFound
	}
	return m.UnreadCount, err
}

func displayNames(db *gorm.DB, ids []uint) (map[uint]string, error) {
	out := make(map[uint]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := db.Select("id", "display_name").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u.DisplayName
	}
	return out, nil
}
