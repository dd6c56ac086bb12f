package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"chatbridge/internal/apperr"
	"chatbridge/internal/metrics"
	"chatbridge/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const maxContentRunes = 4000

// Publisher 把载荷推送给某个 topic 的在线订阅者，由 ws.Hub 实现。
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Dispatcher 校验并持久化一条消息，再推送给房间的在线订阅者。
type Dispatcher struct {
	db     *gorm.DB
	rooms  *RoomService
	blocks *BlockService
	pub    Publisher
	now    func() time.Time
}

func NewDispatcher(db *gorm.DB, rooms *RoomService, blocks *BlockService, pub Publisher) *Dispatcher {
	return &Dispatcher{db: db, rooms: rooms, blocks: blocks, pub: pub, now: time.Now}
}

// Send 发送一条文本消息。单聊双方任一方向存在屏蔽时拒绝，且不写入任何数据。
// 消息、未读数和房间摘要在同一事务中写入；推送在提交之后进行，失败不影响结果。
// 每次调用都会产生一条新消息。
func (d *Dispatcher) Send(ctx context.Context, roomID, senderID uint, content string) (*MessageView, error) {
	view, err := d.send(ctx, roomID, senderID, content)
	if err != nil {
		metrics.SendsRejected.WithLabelValues(string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
	return view, nil
}

func (d *Dispatcher) send(ctx context.Context, roomID, senderID uint, content string) (*MessageView, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return nil, apperr.New(apperr.CodeInvalidArgument, "content too long")
	}

	room, err := d.rooms.Room(ctx, roomID, senderID)
	if err != nil {
		return nil, err
	}
	var peer uint
	if room.Kind == models.RoomDirect {
		if peer, err = d.rooms.Peer(ctx, room.ID, senderID); err != nil {
			return nil, err
		}
	}

	sender := senderID
	msg := models.Message{
		RoomID:   room.ID,
		SenderID: &sender,
		Content:  content,
		Type:     models.MessageText,
		SentAt:   d.now().UTC(),
	}
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 屏蔽检查与写入在同一事务中，检查之后提交的屏蔽排在本条消息之后
		if peer != 0 {
			blocked, err := d.blocks.EitherBlocksTx(tx, senderID, peer)
			if err != nil {
				return err
			}
			if blocked {
				return apperr.ErrBlocked
			}
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if err := d.rooms.IncrementUnread(tx, room.ID, senderID); err != nil {
			return err
		}
		return d.rooms.UpdateSummary(tx, room.ID, content, msg.SentAt)
	})
	if err != nil {
		return nil, err
	}

	names, err := displayNames(d.db.WithContext(ctx), []uint{senderID})
	if err != nil {
		// 消息已提交，退回未知发送者的展示
		log.Warn().Err(err).Uint("user_id", senderID).Msg("resolve sender name")
		names = nil
	}
	view := newMessageView(msg, names)
	metrics.MessagesDispatched.WithLabelValues(string(room.Kind)).Inc()
	d.publish(view)
	return &view, nil
}

func (d *Dispatcher) publish(view MessageView) {
	if d.pub == nil {
		return
	}
	b, err := json.Marshal(view)
	if err != nil {
		log.Error().Err(err).Uint("message_id", view.ID).Msg("encode message")
		return
	}
	d.pub.Publish(TopicForRoom(view.RoomID), b)
}
