// Package session 把校验过的身份绑定到长连接上。
//
// websocket 只在升级请求中携带一次身份，之后的帧都不带。需要身份的帧统一向
// Authenticator 查询，它按连接 id 维护一张旁路表。这张表是连接身份的唯一来源，
// 帧内容从不参与。
package session

import (
	"context"
	"sync"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/auth"
)

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	default:
		return "CLOSED"
	}
}

// Identity 是绑定到连接上的用户，ExpiresAt 为所绑定 token 的过期时间。
type Identity struct {
	UserID      uint
	DisplayName string
	ExpiresAt   time.Time
}

// Validator 校验 access token，*auth.Issuer 实现了它。
type Validator interface {
	ValidateAccess(ctx context.Context, token string) (*auth.Claims, error)
}

type binding struct {
	state    State
	identity Identity
	token    string
}

// Authenticator 持有 connectionId -> identity 表。
type Authenticator struct {
	validator Validator
	now       func() time.Time
	mu        sync.RWMutex
	bindings  map[string]*binding
}

type Option func(*Authenticator)

// WithClock 替换时钟，测试使用。
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(v Validator, opts ...Option) *Authenticator {
	a := &Authenticator{validator: v, now: time.Now, bindings: make(map[string]*binding)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Open 登记一个尚未认证的连接。
func (a *Authenticator) Open(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.bindings[connID]; !ok {
		a.bindings[connID] = &binding{state: StateUnauthenticated}
	}
}

// Handshake 校验建连时携带的 Bearer 凭证并绑定身份。失败时连接保持未认证，
// 由调用方拒绝升级。
func (a *Authenticator) Handshake(ctx context.Context, connID, authorization string) (Identity, error) {
	a.Open(connID)
	id, token, err := a.verify(ctx, authorization)
	if err != nil {
		return Identity{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[connID]
	if !ok {
		// 校验期间连接已关闭
		return Identity{}, apperr.ErrUnauthenticated
	}
	b.state = StateAuthenticated
	b.identity = id
	b.token = token
	return id, nil
}

// Rebind 用同一用户的新凭证替换已绑定的凭证，客户端无需重连即可从过期或吊销中恢复。
func (a *Authenticator) Rebind(ctx context.Context, connID, authorization string) (Identity, error) {
	a.mu.RLock()
	b, ok := a.bindings[connID]
	var current Identity
	var state State
	if ok {
		current, state = b.identity, b.state
	}
	a.mu.RUnlock()
	if !ok || state != StateAuthenticated {
		return Identity{}, apperr.ErrUnauthenticated
	}

	id, token, err := a.verify(ctx, authorization)
	if err != nil {
		return Identity{}, err
	}
	if id.UserID != current.UserID {
		return Identity{}, apperr.New(apperr.CodeInvalidCredential, "credential belongs to another user")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok = a.bindings[connID]
	if !ok {
		return Identity{}, apperr.ErrUnauthenticated
	}
	b.identity = id
	b.token = token
	return id, nil
}

// Restore 为一个入站帧取回 connID 绑定的身份。已绑定的 token 会被重新校验，
// 过期和吊销在存活连接上同样生效，吊销存储不可用时拒绝该帧。
func (a *Authenticator) Restore(ctx context.Context, connID string) (Identity, error) {
	a.mu.RLock()
	b, ok := a.bindings[connID]
	var id Identity
	var token string
	if ok && b.state == StateAuthenticated {
		id, token = b.identity, b.token
	}
	a.mu.RUnlock()
	if token == "" {
		return Identity{}, apperr.ErrUnauthenticated
	}
	if !id.ExpiresAt.IsZero() && !a.now().Before(id.ExpiresAt) {
		return Identity{}, apperr.ErrCredentialExpired
	}

	claims, err := a.validator.ValidateAccess(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if claims.UserID != id.UserID {
		return Identity{}, apperr.ErrInvalidCredential
	}
	return id, nil
}

// Close 删除绑定，此后 connID 上的帧都解析为 Unauthenticated。
func (a *Authenticator) Close(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bindings, connID)
}

// State 返回连接状态。连接 id 不会复用，未知 id 视为已关闭。
func (a *Authenticator) State(connID string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.bindings[connID]
	if !ok {
		return StateClosed
	}
	return b.state
}

// Len 返回当前绑定数。
func (a *Authenticator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.bindings)
}

func (a *Authenticator) verify(ctx context.Context, authorization string) (Identity, string, error) {
	token, ok := auth.BearerToken(authorization)
	if !ok {
		return Identity{}, "", apperr.New(apperr.CodeUnauthenticated, "missing bearer credential")
	}
	claims, err := a.validator.ValidateAccess(ctx, token)
	if err != nil {
		return Identity{}, "", err
	}
	id := Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, token, nil
}

type identityKey struct{}

// WithIdentity 把取回的身份挂到帧的 context 上。
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom 读取 WithIdentity 挂上的身份。
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
