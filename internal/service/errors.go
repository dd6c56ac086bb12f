package service

import "chatbridge/internal/apperr"

// 业务层通用错误，handler 通过 apperr.HTTPStatus 映射到 HTTP 状态码。
var (
	ErrUsernameTaken      = apperr.New(apperr.CodeUsernameTaken, "username taken")
	ErrInvalidCredentials = apperr.New(apperr.CodeInvalidCredential, "invalid credentials")
	ErrUserNotFound       = apperr.New(apperr.CodeNotFound, "user not found")
	ErrAlreadyBlocked     = apperr.New(apperr.CodeAlreadyBlocked, "already blocked")
	ErrNotBlocked         = apperr.New(apperr.CodeNotFound, "not blocked")
	ErrAlreadyFriends     = apperr.New(apperr.CodeAlreadyFriends, "already friends")
	ErrEmptyContent       = apperr.New(apperr.CodeInvalidArgument, "empty content")
	ErrInvalidStrength    = apperr.New(apperr.CodeInvalidArgument, "invalid block strength")
)
