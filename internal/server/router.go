package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chime/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/push"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/reminders"
	"github.com/MarcoPoloResearchLab/chime/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "chime_claims"
	userContextKey   = "chime_user"
	tokenContextKey  = "chime_token"
)

var (
	errMissingCredentialService = errors.New("credential service dependency required")
	errMissingUsersService      = errors.New("users service dependency required")
	errMissingGateway           = errors.New("realtime gateway dependency required")
	errMissingScheduler         = errors.New("reminder scheduler dependency required")
	errMissingPushClient        = errors.New("push client dependency required")
	errInvalidAuthorization     = errors.New("authorization header missing or invalid")
)

// Dependencies bundles the collaborators of the HTTP surface.
type Dependencies struct {
	Credentials        *auth.Service
	Users              *users.Service
	Gateway            *realtime.Gateway
	Scheduler          *reminders.Scheduler
	Push               *push.Client
	FallbackPushTokens []string
	AllowedOrigin      string
	Logger             *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Credentials == nil {
		return nil, errMissingCredentialService
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Push == nil {
		return nil, errMissingPushClient
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())

	allowedOrigin := strings.TrimSpace(deps.AllowedOrigin)
	corsConfig := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowedOrigin == "" || allowedOrigin == "*" {
		corsConfig.AllowCredentials = false
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = []string{allowedOrigin}
	}
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		credentials:    deps.Credentials,
		users:          deps.Users,
		gateway:        deps.Gateway,
		scheduler:      deps.Scheduler,
		push:           deps.Push,
		fallbackTokens: deps.FallbackPushTokens,
		logger:         logger,
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/ws", gin.WrapH(deps.Gateway))

	authGroup := router.Group("/api/auth")
	authGroup.POST("/register", handler.handleRegister)
	authGroup.POST("/login", handler.handleLogin)
	authGroup.POST("/google", handler.handleGoogleLogin)
	authGroup.GET("/me", handler.authorizeStateless, handler.handleMe)
	authGroup.POST("/logout", handler.authorizeStateful, handler.handleLogout)

	reminderGroup := router.Group("/api/reminders")
	reminderGroup.POST("", handler.handleScheduleReminder)
	reminderGroup.POST("/to/:userID", handler.handleScheduleReminderToUser)

	pushGroup := router.Group("/api/push")
	pushGroup.GET("/test", handler.handlePushTest)
	pushGroup.POST("/tokens", handler.handlePushToTokens)
	pushGroup.GET("/tokens", handler.handleConfiguredTokens)
	pushGroup.POST("/user/:userID", handler.handlePushToUser)
	pushGroup.POST("/all-users", handler.handlePushToAllUsers)
	pushGroup.POST("/broadcast", handler.handlePushBroadcast)
	pushGroup.POST("/room", handler.handlePushToRoom)
	pushGroup.GET("/validate/:token", handler.handleValidatePushToken)
	pushGroup.POST("/register/:userID", handler.handleRegisterPushToken)

	return router, nil
}

type httpHandler struct {
	credentials    *auth.Service
	users          *users.Service
	gateway        *realtime.Gateway
	scheduler      *reminders.Scheduler
	push           *push.Client
	fallbackTokens []string
	logger         *zap.Logger
}

type userPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type authResponsePayload struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    userPayload `json:"user"`
}

func toUserPayload(user users.User) userPayload {
	return userPayload{ID: user.ID, Name: user.Name, Username: user.Username}
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Name) == "" ||
		strings.TrimSpace(request.Username) == "" ||
		request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name, username and password are required"})
		return
	}

	result, err := h.credentials.Register(c.Request.Context(), request.Name, request.Username, request.Password)
	if errors.Is(err, users.ErrUsernameTaken) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username already exists"})
		return
	}
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	c.JSON(http.StatusCreated, authResponsePayload{
		Success: true,
		Token:   result.Token,
		User:    toUserPayload(result.User),
	})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Username) == "" ||
		request.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	result, err := h.credentials.Login(c.Request.Context(), request.Username, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid username or password"})
		return
	}
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		Success: true,
		Token:   result.Token,
		User:    toUserPayload(result.User),
	})
}

func (h *httpHandler) handleGoogleLogin(c *gin.Context) {
	var request struct {
		IDToken string `json:"id_token"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id_token is required"})
		return
	}

	result, err := h.credentials.LoginWithGoogle(c.Request.Context(), request.IDToken)
	if errors.Is(err, auth.ErrInvalidToken) {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("google login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		Success: true,
		Token:   result.Token,
		User:    toUserPayload(result.User),
	})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	claims := c.MustGet(claimsContextKey).(auth.Claims)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"user": userPayload{
			ID:       claims.Subject,
			Name:     claims.DisplayName,
			Username: claims.Handle,
		},
	})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	token := c.GetString(tokenContextKey)
	if err := h.credentials.Revoke(c.Request.Context(), token); err != nil {
		h.logger.Error("logout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logout failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "logged out"})
}

type reminderRequestPayload struct {
	Target  string `json:"target"`
	Title   string `json:"title"`
	Message string `json:"message"`
	At      *int64 `json:"at"`
}

// resolveReminderTarget maps the wire target to a scheduler target: absent
// means broadcast, a name containing ':' addresses an explicit room, anything
// else addresses a user by id or handle.
func resolveReminderTarget(raw string) reminders.Target {
	target := strings.TrimSpace(raw)
	if target == "" {
		return reminders.BroadcastTarget()
	}
	if strings.Contains(target, ":") {
		return reminders.RoomTarget(target)
	}
	return reminders.UserTarget(target)
}

func (h *httpHandler) handleScheduleReminder(c *gin.Context) {
	var request reminderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and message are required"})
		return
	}
	h.scheduleReminder(c, resolveReminderTarget(request.Target), request)
}

func (h *httpHandler) handleScheduleReminderToUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	var request reminderRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and message are required"})
		return
	}
	h.scheduleReminder(c, reminders.UserTarget(userID), request)
}

func (h *httpHandler) scheduleReminder(c *gin.Context, target reminders.Target, request reminderRequestPayload) {
	schedulerRequest := reminders.Request{
		Target:  target,
		Title:   request.Title,
		Message: request.Message,
	}
	if request.At != nil {
		schedulerRequest.DeliverAt = time.UnixMilli(*request.At)
	}

	outcome, err := h.scheduler.Schedule(schedulerRequest)
	if errors.Is(err, reminders.ErrInvalidPayload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title and message are required"})
		return
	}
	if err != nil {
		h.logger.Error("reminder scheduling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scheduling failed"})
		return
	}

	if outcome.Sent {
		c.JSON(http.StatusOK, gin.H{"sent": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduledInMs": outcome.ScheduledInMs})
}

type notificationPayload struct {
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Data      map[string]interface{} `json:"data"`
	Sound     string                 `json:"sound"`
	Badge     int                    `json:"badge"`
	ChannelID string                 `json:"channelId"`
}

func (p notificationPayload) toNotification() push.Notification {
	return push.Notification{
		Title:     p.Title,
		Body:      p.Body,
		Data:      p.Data,
		Sound:     p.Sound,
		Badge:     p.Badge,
		ChannelID: p.ChannelID,
	}
}

func (h *httpHandler) handlePushTest(c *gin.Context) {
	if len(h.fallbackTokens) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no fallback push tokens configured"})
		return
	}
	result, err := h.push.SendToMany(c.Request.Context(), h.fallbackTokens, push.Notification{
		Title: "Chime test notification",
		Body:  "Push delivery is configured correctly.",
		Data:  map[string]interface{}{"type": "test"},
	})
	if err != nil {
		h.logger.Error("test notification failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send test notification"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "test notification sent", "result": result})
}

func (h *httpHandler) handlePushToTokens(c *gin.Context) {
	var request struct {
		Tokens       []string            `json:"tokens"`
		Notification notificationPayload `json:"notification"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "tokens array is required and must not be empty"})
		return
	}
	if strings.TrimSpace(request.Notification.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "notification body is required"})
		return
	}

	result, err := h.push.SendToMany(c.Request.Context(), request.Tokens, request.Notification.toNotification())
	if err != nil {
		h.logger.Error("push to tokens failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "notifications sent", "result": result})
}

func (h *httpHandler) handleConfiguredTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "tokens": h.fallbackTokens, "count": len(h.fallbackTokens)})
}

func (h *httpHandler) handlePushToUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	var request struct {
		Notification notificationPayload `json:"notification"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Notification.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "notification body is required"})
		return
	}

	token, err := h.users.PushToken(c.Request.Context(), userID)
	if errors.Is(err, users.ErrUserNotFound) || errors.Is(err, users.ErrNoPushToken) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "user not found or no push token registered"})
		return
	}
	if err != nil {
		h.logger.Error("push token lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send notification to user"})
		return
	}

	delivered, err := h.push.SendToOne(c.Request.Context(), token, request.Notification.toNotification())
	if err != nil || !delivered {
		h.logger.Error("push to user failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send notification to user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "notification sent to user", "userId": userID})
}

func (h *httpHandler) handlePushToAllUsers(c *gin.Context) {
	var request struct {
		Notification notificationPayload `json:"notification"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Notification.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "notification body is required"})
		return
	}

	tokens, err := h.users.AllPushTokens(c.Request.Context())
	if err != nil {
		h.logger.Error("push token listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send notifications"})
		return
	}
	if len(tokens) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no users with push tokens found"})
		return
	}

	result, err := h.push.SendToMany(c.Request.Context(), tokens, request.Notification.toNotification())
	if err != nil {
		h.logger.Error("push to all users failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "notifications sent to all users", "result": result})
}

func (h *httpHandler) handlePushBroadcast(c *gin.Context) {
	var request struct {
		Title   string `json:"title"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.Title) == "" ||
		strings.TrimSpace(request.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "title and message are required"})
		return
	}
	if len(h.fallbackTokens) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "no fallback push tokens configured"})
		return
	}

	result, err := h.push.SendToMany(c.Request.Context(), h.fallbackTokens, push.Notification{
		Title: request.Title,
		Body:  request.Message,
		Data:  map[string]interface{}{"type": "broadcast", "timestamp": time.Now().UnixMilli()},
	})
	if err != nil {
		h.logger.Error("push broadcast failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to send push broadcast"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "push notifications sent to all users",
		"userCount": len(h.fallbackTokens),
		"result":    result,
	})
}

func (h *httpHandler) handlePushToRoom(c *gin.Context) {
	var request struct {
		Room         string              `json:"room"`
		Notification notificationPayload `json:"notification"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Room) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "room name is required"})
		return
	}
	if strings.TrimSpace(request.Notification.Body) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "notification body is required"})
		return
	}

	members := h.push.SendToRoom(request.Room, h.gateway, request.Notification.toNotification())
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"message":          "room push is informational only; no device tokens are resolved",
		"connectedMembers": members,
	})
}

func (h *httpHandler) handleValidatePushToken(c *gin.Context) {
	token := c.Param("token")
	c.JSON(http.StatusOK, gin.H{"token": token, "valid": push.IsExpoPushToken(token)})
}

func (h *httpHandler) handleRegisterPushToken(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("userID"))
	var request struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "token is required"})
		return
	}
	if !push.IsExpoPushToken(request.Token) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid push token format"})
		return
	}

	err := h.users.UpdatePushToken(c.Request.Context(), userID, request.Token)
	if errors.Is(err, users.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "user not found"})
		return
	}
	if err != nil {
		h.logger.Error("push token registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to register push token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "push token registered", "userId": userID})
}

// authorizeStateless admits any bearer token with a valid signature and
// expiry; revocation is not checked on this path.
func (h *httpHandler) authorizeStateless(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.credentials.VerifyStateless(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Set(tokenContextKey, token)
	c.Next()
}

// authorizeStateful additionally requires a live session record, so
// revocation takes effect immediately.
func (h *httpHandler) authorizeStateful(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	user, err := h.credentials.VerifyStateful(c.Request.Context(), token)
	if err != nil {
		h.logger.Warn("stateful token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	c.Set(userContextKey, user)
	c.Set(tokenContextKey, token)
	c.Next()
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
