package service

import (
	"context"
	"errors"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/auth"
	"chatbridge/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// UserService 封装注册、登录、刷新、登出和注销。
type UserService struct {
	db     *gorm.DB
	issuer *auth.Issuer
	now    func() time.Time
}

func NewUserService(db *gorm.DB, issuer *auth.Issuer) *UserService {
	return &UserService{db: db, issuer: issuer, now: time.Now}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID          uint   `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Register 注册新用户，displayName 为空时使用用户名。
func (s *UserService) Register(ctx context.Context, username, displayName, password string) (*RegisterResult, error) {
	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	if displayName == "" {
		displayName = username
	}
	user := models.User{Username: username, DisplayName: displayName, PasswordHash: hash, Status: models.UserActive}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Username: user.Username, DisplayName: user.DisplayName}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	Access       auth.AccessCredential
	RefreshToken string
	User         models.User
}

// Login 校验用户名密码并签发 token 对。新的 refresh token 会替换之前的。
func (s *UserService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.Active() || !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	at, err := s.issuer.IssueAccess(principal(user))
	if err != nil {
		return nil, err
	}
	rt, err := s.issuer.IssueRefresh(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Access: at, RefreshToken: rt, User: user}, nil
}

// Refresh 用 refresh token 换取新的 access token，refresh token 本身不变。
func (s *UserService) Refresh(ctx context.Context, userID uint, refreshToken string) (auth.AccessCredential, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.AccessCredential{}, apperr.ErrCredentialExpired
		}
		return auth.AccessCredential{}, err
	}
	if !user.Active() {
		return auth.AccessCredential{}, apperr.ErrCredentialExpired
	}
	return s.issuer.RotateAccess(ctx, refreshToken, principal(user))
}

// Logout 吊销当前 access token 并删除 refresh token。
func (s *UserService) Logout(ctx context.Context, userID uint, accessToken string) error {
	return s.issuer.EndSession(ctx, accessToken, userID)
}

// DeleteAccount 注销账户：结束会话，退出所有房间，清除好友与屏蔽关系，并抹去个人资料。
// 用户行保留到保留期结束，由 AccountPurger 删除。
func (s *UserService) DeleteAccount(ctx context.Context, userID uint, accessToken string) error {
	if err := s.issuer.EndSession(ctx, accessToken, userID); err != nil {
		return err
	}
	now := s.now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if !user.Active() {
			return nil
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Membership{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? OR friend_id = ?", userID, userID).Delete(&models.Friendship{}).Error; err != nil {
			return err
		}
		if err := tx.Where("blocker_id = ? OR blocked_id = ?", userID, userID).Delete(&models.Block{}).Error; err != nil {
			return err
		}
		user.Mask(now)
		return tx.Save(&user).Error
	})
	if err != nil {
		return err
	}
	log.Info().Uint("user_id", userID).Msg("account withdrawn")
	return nil
}

func principal(u models.User) auth.Principal {
	return auth.Principal{UserID: u.ID, DisplayName: u.DisplayName}
}
