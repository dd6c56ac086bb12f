package auth

import (
	"net/http"
	"strings"

	"chatbridge/internal/apperr"
	"chatbridge/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	ctxUserID      = "userID"
	ctxAccessToken = "accessToken"
)

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

// BearerToken 从 "Authorization: Bearer x" 中取出凭证，scheme 不区分大小写。
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// AuthMiddleware 要求请求携带有效、未吊销且属于正常用户的 Bearer Token。
func AuthMiddleware(issuer *Issuer, db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": apperr.CodeUnauthenticated})
			return
		}
		claims, err := issuer.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperr.PublicMessage(err), "code": apperr.CodeOf(err)})
			return
		}
		var user models.User
		if err := db.WithContext(c.Request.Context()).First(&user, claims.UserID).Error; err != nil || !user.Active() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found", "code": apperr.CodeUnauthenticated})
			return
		}
		c.Set(ctxUserID, user.ID)
		c.Set(ctxAccessToken, token)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get(ctxUserID); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

// GetAccessToken 返回本次请求认证所用的原始 token。
func GetAccessToken(c *gin.Context) string {
	return c.GetString(ctxAccessToken)
}
