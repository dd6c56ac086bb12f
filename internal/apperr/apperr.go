// Package apperr 定义聊天核心返回的带错误码的拒绝原因。
// handler 把它们映射为 HTTP 状态码或 websocket error 帧。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeCredentialExpired Code = "CREDENTIAL_EXPIRED"
	CodeCredentialRevoked Code = "CREDENTIAL_REVOKED"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"

	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodeRecipientNotFound Code = "RECIPIENT_NOT_FOUND"
	CodeInvalidInvitee    Code = "INVALID_INVITEE"

	CodeBlocked    Code = "BLOCKED"
	CodeSelfBlock  Code = "SELF_BLOCK"
	CodeNotFriends Code = "NOT_FRIENDS"

	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUsernameTaken   Code = "USERNAME_TAKEN"
	CodeAlreadyBlocked  Code = "ALREADY_BLOCKED"
	CodeAlreadyFriends  Code = "ALREADY_FRIENDS"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
)

// Error 是带稳定错误码的拒绝原因。errors.Is 按错误码匹配。
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// 预定义错误，用 errors.Is 比较。
var (
	ErrInvalidCredential = New(CodeInvalidCredential, "invalid credential")
	ErrCredentialExpired = New(CodeCredentialExpired, "credential expired")
	ErrCredentialRevoked = New(CodeCredentialRevoked, "credential revoked")
	ErrUnauthenticated   = New(CodeUnauthenticated, "unauthenticated")

	ErrRoomNotFound      = New(CodeRoomNotFound, "room not found")
	ErrRecipientNotFound = New(CodeRecipientNotFound, "recipient not found")
	ErrInvalidInvitee    = New(CodeInvalidInvitee, "invalid invitee")

	ErrBlocked    = New(CodeBlocked, "blocked")
	ErrSelfBlock  = New(CodeSelfBlock, "cannot block yourself")
	ErrNotFriends = New(CodeNotFriends, "not friends")
)

// CodeOf 返回错误链中第一个 *Error 的错误码，没有时返回 CodeInternal。
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus 把错误映射为 handler 响应的状态码。
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidCredential, CodeCredentialExpired, CodeCredentialRevoked, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeRoomNotFound, CodeRecipientNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInvitee, CodeInvalidArgument, CodeSelfBlock:
		return http.StatusBadRequest
	case CodeBlocked:
		return http.StatusForbidden
	case CodeNotFriends, CodeConflict, CodeUsernameTaken, CodeAlreadyBlocked, CodeAlreadyFriends:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage 返回可以展示给客户端的文本，内部错误统一为通用提示。
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != CodeInternal {
		return e.Message
	}
	return "internal error"
}
