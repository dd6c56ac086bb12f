package service

import (
	"context"
	"time"

	"chatbridge/internal/models"

	"gorm.io/gorm"
)

// MessageService 封装消息查询以及注销账户的发送者脱钩。
type MessageService struct {
	db    *gorm.DB
	rooms *RoomService
}

func NewMessageService(db *gorm.DB, rooms *RoomService) *MessageService {
	return &MessageService{db: db, rooms: rooms}
}

// MessageView 是对外输出的消息数据，也是 websocket 推送的载荷。
type MessageView struct {
	Type        string             `json:"type"`
	ID          uint               `json:"id"`
	RoomID      uint               `json:"room_id"`
	SenderID    *uint              `json:"sender_id"`
	SenderName  string             `json:"sender_name"`
	Content     string             `json:"content"`
	MessageType models.MessageType `json:"message_type"`
	SentAt      time.Time          `json:"sent_at"`
}

func newMessageView(m models.Message, names map[uint]string) MessageView {
	v := MessageView{
		Type:        "message",
		ID:          m.ID,
		RoomID:      m.RoomID,
		Content:     m.Content,
		MessageType: m.Type,
		SentAt:      m.SentAt,
	}
	switch s := m.ResolveSender(names).(type) {
	case models.KnownSender:
		id := s.UserID
		v.SenderID = &id
		v.SenderName = s.DisplayName
	case models.UnknownSender:
		v.SenderName = models.UnknownUserName
	}
	return v
}

// ListByRoom 查询 userID 所在房间的消息，按 id 升序返回最近的 limit 条。
func (s *MessageService) ListByRoom(ctx context.Context, roomID, userID uint, limit int, beforeID uint) ([]MessageView, error) {
	if _, err := s.rooms.Room(ctx, roomID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	db := s.db.WithContext(ctx)
	q := db.Where("room_id = ?", roomID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}

	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	names, err := displayNames(db, senderIDs(msgs))
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m, names))
	}
	return out, nil
}

func senderIDs(msgs []models.Message) []uint {
	seen := make(map[uint]struct{}, len(msgs))
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if m.SenderID == nil {
			continue
		}
		if _, ok := seen[*m.SenderID]; ok {
			continue
		}
		seen[*m.SenderID] = struct{}{}
		ids = append(ids, *m.SenderID)
	}
	return ids
}

// NullifySender 把 userID 发送的消息改为未知发送者，返回受影响的消息数。
// 可重复调用；删除用户行之前必须先调用。
func (s *MessageService) NullifySender(ctx context.Context, userID uint) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("sender_id = ?", userID).
		UpdateColumn("sender_id", nil)
	return res.RowsAffected, res.Error
}
