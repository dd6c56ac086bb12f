package server

import (
	"net/http"
	"strconv"
	"strings"

	"chatbridge/internal/apperr"
	"chatbridge/internal/auth"
	"chatbridge/internal/models"
	"chatbridge/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc   *service.UserService
	roomSvc   *service.RoomService
	msgSvc    *service.MessageService
	dispatch  *service.Dispatcher
	blockSvc  *service.BlockService
	friendSvc *service.FriendService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, msgSvc *service.MessageService,
	dispatch *service.Dispatcher, blockSvc *service.BlockService, friendSvc *service.FriendService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, msgSvc: msgSvc, dispatch: dispatch, blockSvc: blockSvc, friendSvc: friendSvc}
}

var errInvalidPayload = apperr.New(apperr.CodeInvalidArgument, "invalid payload")

// fail 把错误映射为 HTTP 响应，5xx 记录日志。
func fail(c *gin.Context, err error, op string) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("op", op).Uint("user_id", auth.GetUserID(c)).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": apperr.PublicMessage(err), "code": apperr.CodeOf(err)})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid "+name), "parse param")
		return 0, false
	}
	return uint(v), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		Password    string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidPayload, "register")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.Password == "" {
		fail(c, errInvalidPayload, "register")
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 || len(req.DisplayName) > 64 {
		fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid username"), "register")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 72 {
		fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid password"), "register")
		return
	}
	result, err := h.userSvc.Register(c.Request.Context(), req.Username, req.DisplayName, req.Password)
	if err != nil {
		fail(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidPayload, "login")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		fail(c, errInvalidPayload, "login")
		return
	}
	result, err := h.userSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		fail(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.Access.Token,
		"expires_at":    result.Access.ExpiresAt,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username, "display_name": result.User.DisplayName},
	})
}

// RefreshToken 用 refresh token 换取新的 access token。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		UserID       uint   `json:"user_id"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" || req.UserID == 0 {
		fail(c, errInvalidPayload, "refresh")
		return
	}
	at, err := h.userSvc.Refresh(c.Request.Context(), req.UserID, req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Uint("user_id", req.UserID).Msg("refresh token")
		fail(c, err, "refresh")
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": at.Token, "expires_at": at.ExpiresAt})
}

// Logout 吊销当前 access token 并删除 refresh token。
func (h *Handler) Logout(c *gin.Context) {
	if err := h.userSvc.Logout(c.Request.Context(), auth.GetUserID(c), auth.GetAccessToken(c)); err != nil {
		fail(c, err, "logout")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteMe 注销当前用户。
func (h *Handler) DeleteMe(c *gin.Context) {
	if err := h.userSvc.DeleteAccount(c.Request.Context(), auth.GetUserID(c), auth.GetAccessToken(c)); err != nil {
		fail(c, err, "delete account")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListRooms 返回当前用户的房间列表。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.ListForUser(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list rooms")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// CreateDirect 打开与另一用户的单聊，已存在时直接返回。
func (h *Handler) CreateDirect(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		fail(c, errInvalidPayload, "create direct")
		return
	}
	room, created, err := h.roomSvc.FindOrCreateDirect(c.Request.Context(), auth.GetUserID(c), req.UserID)
	if err != nil {
		fail(c, err, "create direct")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": room.ID, "kind": room.Kind})
}

// CreateGroup 处理创建群聊请求。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name      string `json:"name"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidPayload, "create group")
		return
	}
	if len(req.Name) > 128 {
		fail(c, apperr.New(apperr.CodeInvalidArgument, "invalid room name"), "create group")
		return
	}
	room, err := h.roomSvc.CreateGroup(c.Request.Context(), auth.GetUserID(c), req.Name, req.MemberIDs)
	if err != nil {
		fail(c, err, "create group")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": room.ID, "kind": room.Kind, "name": room.Name})
}

// ListMessages 处理获取房间消息列表请求。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	var beforeID uint
	if bid := c.Query("before_id"); bid != "" {
		if v, err := strconv.ParseUint(bid, 10, 64); err == nil {
			beforeID = uint(v)
		}
	}
	msgs, err := h.msgSvc.ListByRoom(c.Request.Context(), roomID, auth.GetUserID(c), limit, beforeID)
	if err != nil {
		fail(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage 通过 HTTP 发送消息，与 websocket send 帧走同一流程。
func (h *Handler) PostMessage(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidPayload, "post message")
		return
	}
	msg, err := h.dispatch.Send(c.Request.Context(), roomID, auth.GetUserID(c), req.Content)
	if err != nil {
		fail(c, err, "post message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead 清零当前用户在房间内的未读数。
func (h *Handler) MarkRead(c *gin.Context) {
	roomID, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := h.roomSvc.MarkRead(c.Request.Context(), roomID, auth.GetUserID(c)); err != nil {
		fail(c, err, "mark read")
		return
	}
	c.Status(http.StatusNoContent)
}

// AddFriend 添加好友。
func (h *Handler) AddFriend(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		fail(c, errInvalidPayload, "add friend")
		return
	}
	if err := h.friendSvc.Add(c.Request.Context(), auth.GetUserID(c), req.UserID); err != nil {
		fail(c, err, "add friend")
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) ListFriends(c *gin.Context) {
	friends, err := h.friendSvc.List(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list friends")
		return
	}
	c.JSON(http.StatusOK, gin.H{"friends": friends})
}

func (h *Handler) ListBlocks(c *gin.Context) {
	blocks, err := h.blockSvc.ListBlocked(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "list blocks")
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": blocks})
}

// CreateBlock 屏蔽一个好友，strength 缺省为 MESSAGE_ONLY。
func (h *Handler) CreateBlock(c *gin.Context) {
	var req struct {
		UserID   uint                 `json:"user_id"`
		Strength models.BlockStrength `json:"strength"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		fail(c, errInvalidPayload, "block")
		return
	}
	if req.Strength == "" {
		req.Strength = models.BlockMessageOnly
	}
	if err := h.blockSvc.Block(c.Request.Context(), auth.GetUserID(c), req.UserID, req.Strength); err != nil {
		fail(c, err, "block")
		return
	}
	c.Status(http.StatusCreated)
}

// UpdateBlock 修改屏蔽强度，NONE 表示解除屏蔽。
func (h *Handler) UpdateBlock(c *gin.Context) {
	target, ok := idParam(c, "userId")
	if !ok {
		return
	}
	var req struct {
		Strength models.BlockStrength `json:"strength"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Strength == "" {
		fail(c, errInvalidPayload, "update block")
		return
	}
	if err := h.blockSvc.ChangeStrength(c.Request.Context(), auth.GetUserID(c), target, req.Strength); err != nil {
		fail(c, err, "update block")
		return
	}
	c.Status(http.StatusNoContent)
}
