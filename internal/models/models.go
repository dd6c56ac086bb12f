package models

import (
	"fmt"
	"time"
)

// UnknownUserName 用于展示已注销或已清除账户的参与者。
const UnknownUserName = "unknown user"

type UserStatus string

const (
	UserActive  UserStatus = "ACTIVE"
	UserDeleted UserStatus = "DELETED"
)

type User struct {
	ID           uint       `gorm:"primaryKey"`
	Username     string     `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string     `gorm:"size:64;not null"`
	PasswordHash string     `gorm:"not null"`
	Status       UserStatus `gorm:"size:16;not null;default:ACTIVE;index"`
	WithdrawnAt  *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) Active() bool { return u.Status != UserDeleted }

// Mask 在注销时抹去个人资料。记录保留到清除任务执行，消息发送者在此之前仍可解析。
func (u *User) Mask(now time.Time) {
	u.Username = fmt.Sprintf("deleted-%d", u.ID)
	u.DisplayName = UnknownUserName
	u.PasswordHash = "DELETED"
	u.Status = UserDeleted
	u.WithdrawnAt = &now
}

type RoomKind string

const (
	RoomDirect RoomKind = "DIRECT"
	RoomGroup  RoomKind = "GROUP"
)

type Room struct {
	ID                 uint     `gorm:"primaryKey"`
	Kind               RoomKind `gorm:"size:8;not null"`
	Name               *string  `gorm:"size:128"`
	DirectKey          *string  `gorm:"uniqueIndex;size:64"`
	LastMessageContent *string  `gorm:"type:text"`
	LastMessageAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DirectKey 返回 DIRECT 房间的无序用户对键。
func DirectKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

type Membership struct {
	ID          uint `gorm:"primaryKey"`
	RoomID      uint `gorm:"uniqueIndex:idx_membership_room_user,priority:1;not null"`
	UserID      uint `gorm:"uniqueIndex:idx_membership_room_user,priority:2;index:idx_membership_user;not null"`
	UnreadCount int  `gorm:"not null;default:0"`
	CreatedAt   time.Time
}

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageImage MessageType = "IMAGE"
	MessageEnter MessageType = "ENTER"
	MessageLeave MessageType = "LEAVE"
)

type Message struct {
	ID       uint        `gorm:"primaryKey"`
	RoomID   uint        `gorm:"index:idx_msg_room_sent,priority:1;not null"`
	SenderID *uint       `gorm:"index"`
	Content  string      `gorm:"type:text;not null"`
	Type     MessageType `gorm:"size:16;not null;default:TEXT"`
	SentAt   time.Time   `gorm:"index:idx_msg_room_sent,priority:2;not null"`
}

// Sender 是 KnownSender 或 UnknownSender 之一。
type Sender interface {
	sender()
}

type KnownSender struct {
	UserID      uint
	DisplayName string
}

// UnknownSender 表示账户已被清除的发送者。
type UnknownSender struct{}

func (KnownSender) sender()   {}
func (UnknownSender) sender() {}

// ResolveSender 把可空的 sender 列转换为 Sender，names 为仍存在的发送者的昵称。
func (m *Message) ResolveSender(names map[uint]string) Sender {
	if m.SenderID == nil {
		return UnknownSender{}
	}
	name, ok := names[*m.SenderID]
	if !ok {
		return UnknownSender{}
	}
	return KnownSender{UserID: *m.SenderID, DisplayName: name}
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"uniqueIndex;not null"`
	TokenHash string    `gorm:"size:64;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Friendship struct {
	ID         uint `gorm:"primaryKey"`
	UserID     uint `gorm:"uniqueIndex:idx_friend_pair,priority:1;not null"`
	FriendID   uint `gorm:"uniqueIndex:idx_friend_pair,priority:2;index;not null"`
	IsFavorite bool `gorm:"not null;default:false"`
	CreatedAt  time.Time
}

type BlockStrength string

const (
	BlockMessageOnly       BlockStrength = "MESSAGE_ONLY"
	BlockMessageAndProfile BlockStrength = "MESSAGE_AND_PROFILE"
	// BlockNone 只用于修改屏蔽强度，表示解除屏蔽。
	BlockNone BlockStrength = "NONE"
)

func (s BlockStrength) Valid() bool {
	return s == BlockMessageOnly || s == BlockMessageAndProfile
}

type Block struct {
	ID        uint          `gorm:"primaryKey"`
	BlockerID uint          `gorm:"uniqueIndex:idx_block_pair,priority:1;not null"`
	BlockedID uint          `gorm:"uniqueIndex:idx_block_pair,priority:2;index;not null"`
	Strength  BlockStrength `gorm:"size:32;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{&User{}, &Room{}, &Membership{}, &Message{}, &RefreshToken{}, &Friendship{}, &Block{}}
}
