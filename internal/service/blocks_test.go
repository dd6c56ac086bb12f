package service

import (
	"context"
	"testing"

	"chatbridge/internal/apperr"
	"chatbridge/internal/models"
	"chatbridge/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlock_Preconditions(t *testing.T) {
	gdb := testutil.NewDB(t)
	blocks := NewBlockService(gdb)
	ctx := context.Background()
	a := testutil.CreateUser(t, gdb, "a")
	b := testutil.CreateUser(t, gdb, "b")

	assert.ErrorIs(t, blocks.Block(ctx, a.ID, a.ID, models.BlockMessageOnly), apperr.ErrSelfBlock)
	assert.ErrorIs(t, blocks.Block(ctx, a.ID, b.ID, models.BlockMessageOnly), apperr.ErrNotFriends)
	assert.ErrorIs(t, blocks.Block(ctx, a.ID, b.ID, models.BlockNone), ErrInvalidStrength)

	testutil.Befriend(t, gdb, a.ID, b.ID)
	require.NoError(t, blocks.Block(ctx, a.ID, b.ID, models.BlockMessageOnly))
	err := blocks.Block(ctx, a.ID, b.ID, models.BlockMessageOnly)
	assert.ErrorIs(t, err, ErrAlreadyBlocked)
	assert.NotErrorIs(t, err, ErrAlreadyFriends)
	assert.Equal(t, apperr.CodeAlreadyBlocked, apperr.CodeOf(err))
}

func TestBlock_RemovesFriendship(t *testing.T) {
	gdb := testutil.NewDB(t)
	blocks := NewBlockService(gdb)
	ctx := context.Background()
	a := testutil.CreateUser(t, gdb, "a")
	b := testutil.CreateUser(t, gdb, "b")
	testutil.Befriend(t, gdb, a.ID, b.ID)
	testutil.Befriend(t, gdb, b.ID, a.ID)

	require.NoError(t, blocks.Block(ctx, a.ID, b.ID, models.BlockMessageAndProfile))

	var n int64
	require.NoError(t, gdb.Model(&models.Friendship{}).Where("user_id = ? AND friend_id = ?", a.ID, b.ID).Count(&n).Error)
	assert.Zero(t, n)
	require.NoError(t, gdb.Model(&models.Friendship{}).Where("user_id = ? AND friend_id = ?", b.ID, a.ID).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	blocking, err := blocks.IsBlocking(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, blocking)
	blockedBy, err := blocks.IsBlockedBy(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, blockedBy)
	reverse, err := blocks.IsBlocking(ctx, b.ID, a.ID)
	require.NoError(t, err)
	assert.False(t, reverse)
}

func TestUnblock_RestoresFriendship(t *testing.T) {
	gdb := testutil.NewDB(t)
	blocks := NewBlockService(gdb)
	ctx := context.Background()
	a := testutil.CreateUser(t, gdb, "a")
	b := testutil.CreateUser(t, gdb, "b")
	require.NoError(t, gdb.Create(&models.Friendship{UserID: a.ID, FriendID: b.ID, IsFavorite: true}).Error)
	require.NoError(t, blocks.Block(ctx, a.ID, b.ID, models.BlockMessageOnly))

	require.NoError(t, blocks.Unblock(ctx, a.ID, b.ID))

	var f models.Friendship
	require.NoError(t, gdb.Where("user_id = ? AND friend_id = ?", a.ID, b.ID).First(&f).Error)
	assert.False(t, f.IsFavorite)

	assert.ErrorIs(t, blocks.Unblock(ctx, a.ID, b.ID), ErrNotBlocked)
}

func TestChangeStrength(t *testing.T) {
	gdb := testutil.NewDB(t)
	blocks := NewBlockService(gdb)
	ctx := context.Background()
	a := testutil.CreateUser(t, gdb, "a")
	b := testutil.CreateUser(t, gdb, "b")
	c := testutil.CreateUser(t, gdb, "c")
	testutil.Befriend(t, gdb, a.ID, b.ID)
	testutil.Befriend(t, gdb, a.ID, c.ID)
	require.NoError(t, blocks.Block(ctx, a.ID, b.ID, models.BlockMessageOnly))
	require.NoError(t, blocks.Block(ctx, a.ID, c.ID, models.BlockMessageOnly))

	hidden, err := blocks.BlockingUserIDsWithProfileHidden(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	require.NoError(t, blocks.ChangeStrength(ctx, a.ID, b.ID, models.BlockMessageAndProfile))
	hidden, err = blocks.BlockingUserIDsWithProfileHidden(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{b.ID}, hidden)

	require.NoError(t, blocks.ChangeStrength(ctx, a.ID, c.ID, models.BlockNone))
	blocking, err := blocks.IsBlocking(ctx, a.ID, c.ID)
	require.NoError(t, err)
	assert.False(t, blocking)

	assert.ErrorIs(t, blocks.ChangeStrength(ctx, a.ID, c.ID, models.BlockMessageOnly), ErrNotBlocked)
	assert.ErrorIs(t, blocks.ChangeStrength(ctx, a.ID, b.ID, "LOUD"), ErrInvalidStrength)

	list, err := blocks.ListBlocked(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].DisplayName)
	assert.Equal(t, models.BlockMessageAndProfile, list[0].Strength)
}

func TestFriends(t *testing.T) {
	gdb := testutil.NewDB(t)
	blocks := NewBlockService(gdb)
	friends := NewFriendService(gdb, blocks)
	ctx := context.Background()
	a := testutil.CreateUser(t, gdb, "a")
	b := testutil.CreateUser(t, gdb, "b")
	c := testutil.CreateUser(t, gdb, "c")

	require.NoError(t, friends.Add(ctx, a.ID, b.ID))
	require.NoError(t, friends.Add(ctx, a.ID, c.ID))
	dup := friends.Add(ctx, a.ID, b.ID)
	assert.ErrorIs(t, dup, ErrAlreadyFriends)
	assert.NotErrorIs(t, dup, ErrAlreadyBlocked)
	assert.ErrorIs(t, friends.Add(ctx, a.ID, 999), ErrUserNotFound)
	assert.Equal(t, apperr.CodeInvalidArgument, apperr.CodeOf(friends.Add(ctx, a.ID, a.ID)))

	require.NoError(t, blocks.Block(ctx, a.ID, c.ID, models.BlockMessageAndProfile))
	blockedErr := friends.Add(ctx, a.ID, c.ID)
	assert.ErrorIs(t, blockedErr, ErrAlreadyBlocked)
	assert.NotErrorIs(t, blockedErr, ErrAlreadyFriends)

	list, err := friends.List(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].UserID)
}
