package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meridianhq/meridian/backend/internal/group"
	"github.com/meridianhq/meridian/backend/internal/keystore"
	"github.com/meridianhq/meridian/backend/internal/pairwise"
	"github.com/meridianhq/meridian/backend/internal/protocol/dratchet"
	"github.com/meridianhq/meridian/backend/internal/protocol/groupratchet"
	"github.com/meridianhq/meridian/backend/internal/roomkey"
	"github.com/meridianhq/meridian/backend/internal/todevice"
)

var (
	errMissingPairwiseService = errors.New("pairwise service dependency required")
	errMissingGroupService    = errors.New("group service dependency required")
	errMissingQueue           = errors.New("to-device queue dependency required")
	errMissingDistributor     = errors.New("room key distributor dependency required")
)

// Dependencies wire the HTTP surface to the engines.
type Dependencies struct {
	Pairwise    *pairwise.Service
	Group       *group.Service
	Queue       *todevice.Queue
	Distributor *roomkey.Distributor
	Notifier    *Notifier
	Logger      *zap.Logger
}

// NewHTTPHandler builds the API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Pairwise == nil {
		return nil, errMissingPairwiseService
	}
	if deps.Group == nil {
		return nil, errMissingGroupService
	}
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Distributor == nil {
		return nil, errMissingDistributor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		pairwise:    deps.Pairwise,
		group:       deps.Group,
		queue:       deps.Queue,
		distributor: deps.Distributor,
		notifier:    notifier,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/e2ee")
	api.POST("/devices", handler.handleEnroll)
	api.GET("/users/:user_id/devices", handler.handleListDevices)
	api.POST("/devices/:device_id/one-time-keys", handler.handlePublishKeys)
	api.GET("/devices/:device_id/one-time-keys", handler.handleKeyCount)
	api.POST("/one-time-keys/claim", handler.handleClaimKey)
	api.POST("/sessions/pairwise", handler.handleCreatePairwiseSession)
	api.POST("/messages/encrypt", handler.handlePairwiseEncrypt)
	api.POST("/messages/decrypt", handler.handlePairwiseDecrypt)
	api.POST("/rooms/:room_id/sessions", handler.handleCreateRoomSession)
	api.POST("/rooms/:room_id/share", handler.handleShareRoomKey)
	api.POST("/rooms/:room_id/encrypt", handler.handleGroupEncrypt)
	api.POST("/rooms/decrypt", handler.handleGroupDecrypt)
	api.POST("/rooms/keys", handler.handleImportRoomKey)
	api.POST("/devices/:device_id/messages", handler.handleSendToDevice)
	api.GET("/devices/:device_id/messages", handler.handleReadMessages)
	api.GET("/users/:user_id/messages", handler.handleReadUserMessages)
	api.POST("/devices/:device_id/messages/:message_id/ack", handler.handleAckMessage)
	api.GET("/devices/:device_id/events", handler.handleDeviceEvents)

	return router, nil
}

type httpHandler struct {
	pairwise    *pairwise.Service
	group       *group.Service
	queue       *todevice.Queue
	distributor *roomkey.Distributor
	notifier    *Notifier
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enrollRequest struct {
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

func (h *httpHandler) handleEnroll(c *gin.Context) {
	var request enrollRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	keys, err := h.pairwise.Enroll(c.Request.Context(), request.UserID, request.DeviceID, request.DeviceName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, keys)
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	keys, err := h.pairwise.DeviceKeysForUser(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": keys})
}

type publishKeysRequest struct {
	Count int `json:"count"`
}

func (h *httpHandler) handlePublishKeys(c *gin.Context) {
	var request publishKeysRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	published, err := h.pairwise.PublishOneTimeKeys(c.Request.Context(), c.Param("device_id"), request.Count)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"published": published})
}

func (h *httpHandler) handleKeyCount(c *gin.Context) {
	count, err := h.pairwise.OneTimeKeyCount(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

type claimKeyRequest struct {
	TargetDeviceID  string `json:"target_device_id"`
	ClaimerDeviceID string `json:"claimer_device_id"`
}

func (h *httpHandler) handleClaimKey(c *gin.Context) {
	var request claimKeyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	claimed, err := h.pairwise.ClaimOneTimeKey(c.Request.Context(), request.TargetDeviceID, request.ClaimerDeviceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, claimed)
}

type createPairwiseSessionRequest struct {
	OurDeviceID   string `json:"our_device_id"`
	TheirDeviceID string `json:"their_device_id"`
}

func (h *httpHandler) handleCreatePairwiseSession(c *gin.Context) {
	var request createPairwiseSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	identityKey, err := h.pairwise.CreateOutboundSession(c.Request.Context(), request.OurDeviceID, request.TheirDeviceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"their_identity_key": identityKey})
}

type pairwiseMessageRequest struct {
	DeviceID         string `json:"device_id"`
	TheirIdentityKey string `json:"their_identity_key"`
	Plaintext        []byte `json:"plaintext,omitempty"`
	Payload          []byte `json:"payload,omitempty"`
}

func (h *httpHandler) handlePairwiseEncrypt(c *gin.Context) {
	var request pairwiseMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	payload, err := h.pairwise.Encrypt(c.Request.Context(), request.DeviceID, request.TheirIdentityKey, request.Plaintext)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payload": payload})
}

func (h *httpHandler) handlePairwiseDecrypt(c *gin.Context) {
	var request pairwiseMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	plaintext, err := h.pairwise.Decrypt(c.Request.Context(), request.DeviceID, request.TheirIdentityKey, request.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plaintext": plaintext})
}

type createRoomSessionRequest struct {
	DeviceID  string   `json:"device_id"`
	ShareWith []string `json:"share_with"`
}

func (h *httpHandler) handleCreateRoomSession(c *gin.Context) {
	var request createRoomSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	key, err := h.group.CreateOutboundSession(c.Request.Context(), c.Param("room_id"), request.DeviceID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := gin.H{"session_id": key.SessionID, "algorithm": key.Algorithm}
	if len(request.ShareWith) > 0 {
		results, err := h.distributor.Distribute(c.Request.Context(), request.DeviceID, key, request.ShareWith)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.notifyDelivered(results, EventRoomKey)
		response["distribution"] = results
	}
	c.JSON(http.StatusCreated, response)
}

type shareRoomKeyRequest struct {
	DeviceID string   `json:"device_id"`
	UserIDs  []string `json:"user_ids"`
}

func (h *httpHandler) handleShareRoomKey(c *gin.Context) {
	var request shareRoomKeyRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.UserIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	key, err := h.group.ExportRoomKey(c.Request.Context(), c.Param("room_id"), request.DeviceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	results, err := h.distributor.Distribute(c.Request.Context(), request.DeviceID, key, request.UserIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.notifyDelivered(results, EventRoomKey)
	c.JSON(http.StatusOK, gin.H{"session_id": key.SessionID, "distribution": results})
}

type groupMessageRequest struct {
	DeviceID  string `json:"device_id"`
	Plaintext []byte `json:"plaintext,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

func (h *httpHandler) handleGroupEncrypt(c *gin.Context) {
	var request groupMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	payload, err := h.group.Encrypt(c.Request.Context(), c.Param("room_id"), request.DeviceID, request.Plaintext)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payload": payload})
}

func (h *httpHandler) handleGroupDecrypt(c *gin.Context) {
	var request groupMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID, plaintext, err := h.group.Decrypt(c.Request.Context(), request.DeviceID, request.Payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "plaintext": plaintext})
}

type importRoomKeyRequest struct {
	DeviceID          string `json:"device_id"`
	RoomID            string `json:"room_id"`
	SenderIdentityKey string `json:"sender_identity_key"`
	SessionKey        string `json:"session_key"`
}

func (h *httpHandler) handleImportRoomKey(c *gin.Context) {
	var request importRoomKeyRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.group.ImportRoomKey(c.Request.Context(), request.DeviceID, request.RoomID, request.SenderIdentityKey, request.SessionKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"imported": true})
}

type sendToDeviceRequest struct {
	SenderDeviceID string `json:"sender_device_id"`
	EventType      string `json:"event_type"`
	Payload        []byte `json:"payload"`
}

// handleSendToDevice queues an already-encrypted event for the device in
// the path and pings its live subscribers.
func (h *httpHandler) handleSendToDevice(c *gin.Context) {
	var request sendToDeviceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.SenderDeviceID == "" || request.EventType == "" || len(request.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	sender, err := h.pairwise.DeviceKeysForDevice(c.Request.Context(), request.SenderDeviceID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	recipient, err := h.pairwise.DeviceKeysForDevice(c.Request.Context(), c.Param("device_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	messageID, err := h.queue.Enqueue(c.Request.Context(), todevice.Event{
		SenderUserID:      sender.UserID,
		SenderDeviceID:    sender.DeviceID,
		RecipientUserID:   recipient.UserID,
		RecipientDeviceID: recipient.DeviceID,
		EventType:         request.EventType,
		Payload:           request.Payload,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.notifier.Publish(Notification{
		DeviceID:  recipient.DeviceID,
		EventType: EventToDevice,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, gin.H{"message_id": messageID})
}

type messagePayload struct {
	MessageID       string    `json:"message_id"`
	SenderUserID    string    `json:"sender_user,omitempty"`
	SenderDeviceID  string    `json:"sender_device_id"`
	RecipientUserID string    `json:"recipient_user,omitempty"`
	EventType       string    `json:"event_type"`
	Payload         []byte    `json:"payload"`
	CreatedAt       time.Time `json:"created_at"`
}

func messageListResponse(messages []todevice.Message) []messagePayload {
	response := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		response = append(response, messagePayload{
			MessageID:       message.MessageID,
			SenderUserID:    message.SenderUserID,
			SenderDeviceID:  message.SenderDeviceID,
			RecipientUserID: message.RecipientUserID,
			EventType:       message.EventType,
			Payload:         message.Payload,
			CreatedAt:       message.CreatedAt,
		})
	}
	return response
}

func (h *httpHandler) handleReadMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	messages, err := h.queue.Read(c.Request.Context(), c.Param("device_id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messageListResponse(messages)})
}

// handleReadUserMessages returns pending events across every device the
// user has enrolled. Acks stay per device.
func (h *httpHandler) handleReadUserMessages(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	messages, err := h.queue.ReadForUser(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messageListResponse(messages)})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	return parsed, true
}

func (h *httpHandler) handleAckMessage(c *gin.Context) {
	err := h.queue.Ack(c.Request.Context(), c.Param("device_id"), c.Param("message_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acked": true})
}

// handleDeviceEvents streams queue notifications for a device as
// server-sent events until the client disconnects.
func (h *httpHandler) handleDeviceEvents(c *gin.Context) {
	deviceID := c.Param("device_id")
	stream, cancel := h.notifier.Subscribe(c.Request.Context(), deviceID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notification.EventType, notification)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) notifyDelivered(results []roomkey.Result, eventType string) {
	now := time.Now().UTC()
	for _, result := range results {
		if result.MessageID == "" {
			continue
		}
		h.notifier.Publish(Notification{
			DeviceID:  result.DeviceID,
			EventType: eventType,
			MessageID: result.MessageID,
			Timestamp: now,
		})
	}
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var rotation *group.SessionNeedsRotationError
	var unknownIndex *groupratchet.UnknownIndexError

	switch {
	case errors.Is(err, pairwise.ErrInvalidArgument),
		errors.Is(err, group.ErrInvalidArgument),
		errors.Is(err, roomkey.ErrInvalidArgument),
		errors.Is(err, pairwise.ErrSelfTarget),
		errors.Is(err, dratchet.ErrMalformedMessage),
		errors.Is(err, groupratchet.ErrBadSessionKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, keystore.ErrDeviceNotFound),
		errors.Is(err, keystore.ErrAccountNotFound),
		errors.Is(err, keystore.ErrSessionNotFound),
		errors.Is(err, todevice.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, keystore.ErrNoOneTimeKey):
		c.JSON(http.StatusGone, gin.H{"error": "no_one_time_key"})
	case errors.As(err, &rotation):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "rotation_required",
			"room_id":       rotation.RoomID,
			"message_count": rotation.MessageCount,
			"max_messages":  rotation.MaxMessages,
		})
	case errors.As(err, &unknownIndex):
		c.JSON(http.StatusForbidden, gin.H{
			"error":             "unknown_message_index",
			"message_index":     unknownIndex.Index,
			"first_known_index": unknownIndex.FirstKnownIndex,
		})
	case errors.Is(err, dratchet.ErrDecryptFailed),
		errors.Is(err, dratchet.ErrUnknownOneTimeKey),
		errors.Is(err, groupratchet.ErrDecryptFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "decrypt_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
