// Package testutil 为各包测试提供数据库夹具。
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"chatbridge/internal/db"
	"chatbridge/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var seq atomic.Int64

// NewDB 打开一个独立的内存 SQLite 库并完成迁移。单连接让事务串行执行，效果等同行锁。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:chatbridge_%d?mode=memory&cache=shared", seq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), db.Config())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// CreateUser 插入一个正常状态的用户，昵称与用户名相同。
func CreateUser(t testing.TB, gdb *gorm.DB, name string) models.User {
	t.Helper()
	u := models.User{Username: name, DisplayName: name, PasswordHash: "x", Status: models.UserActive}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

// Befriend 插入有向好友关系 owner -> friend。
func Befriend(t testing.TB, gdb *gorm.DB, owner, friend uint) {
	t.Helper()
	if err := gdb.Create(&models.Friendship{UserID: owner, FriendID: friend}).Error; err != nil {
		t.Fatalf("befriend %d->%d: %v", owner, friend, err)
	}
}
