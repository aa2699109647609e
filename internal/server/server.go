package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/wa-responder/internal/apperr"
	"github.com/xaenox/wa-responder/internal/bot"
	"github.com/xaenox/wa-responder/internal/models"
	"github.com/xaenox/wa-responder/internal/storage"
	"github.com/xaenox/wa-responder/internal/whatsapp"
	"go.uber.org/zap"
)

// Service is the conversation side the HTTP surface drives.
type Service interface {
	HandleIncoming(ctx context.Context, in models.InboundMessage) (*bot.Outcome, error)
	SendManual(ctx context.Context, phone, text string) (*models.Message, error)
	RecordHumanReply(ctx context.Context, phone, text string) (*models.Message, error)
	SendTemplate(ctx context.Context, phone, name, language string, params []string) (*models.Message, error)
	Requeue(ctx context.Context, pendingID int64) (*models.PendingResponse, error)
}

// StatusSource supplies the operator snapshot.
type StatusSource interface {
	Status(ctx context.Context) (*models.Status, error)
}

type Config struct {
	VerifyToken   string
	ResponseDelay time.Duration
	AIProvider    string
	HistoryLimit  int
}

type Server struct {
	service  Service
	status   StatusSource
	store    storage.Storage
	provider whatsapp.Provider
	cfg      Config
	logger   *zap.Logger
}

func New(service Service, status StatusSource, store storage.Storage, provider whatsapp.Provider, cfg Config, logger *zap.Logger) *Server {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	return &Server{
		service:  service,
		status:   status,
		store:    store,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(requestLogger(s.logger), recovery(s.logger))

	r.GET("/webhook", s.verifyWebhook)
	r.POST("/webhook", s.handleWebhook)
	r.POST("/send", s.manualSend)
	r.POST("/send-template", s.sendTemplate)
	r.POST("/human-replies", s.recordHumanReply)
	r.POST("/pending/:id/requeue", s.requeue)
	r.GET("/conversations/:phone", s.conversation)
	r.GET("/stats", s.stats)
	r.GET("/health", s.health)
	return r
}

func statusFor(err error) int {
	kind, ok := apperr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) verifyWebhook(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && s.cfg.VerifyToken != "" && token == s.cfg.VerifyToken {
		s.logger.Info("Webhook verified successfully")
		c.String(http.StatusOK, challenge)
		return
	}
	s.logger.Warn("Webhook verification failed")
	c.String(http.StatusForbidden, "Verification failed")
}

func (s *Server) handleWebhook(c *gin.Context) {
	messages, err := s.provider.ParseInbound(c.Request)
	if errors.Is(err, whatsapp.ErrMalformedWebhook) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	if len(messages) == 0 {
		c.JSON(http.StatusOK, gin.H{"status": "no_message"})
		return
	}

	results := make([]*bot.Outcome, 0, len(messages))
	for _, m := range messages {
		outcome, err := s.service.HandleIncoming(c.Request.Context(), m)
		if err != nil {
			s.writeError(c, err)
			return
		}
		results = append(results, outcome)
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "results": results})
}

type sendRequest struct {
	Phone   string `json:"phone_number"`
	Message string `json:"message"`
}

func (s *Server) manualSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.service.SendManual(c.Request.Context(), req.Phone, req.Message)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message_id": msg.ProviderMessageID})
}

type templateRequest struct {
	Phone    string   `json:"phone_number"`
	Template string   `json:"template"`
	Language string   `json:"language"`
	Params   []string `json:"params"`
}

func (s *Server) sendTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.service.SendTemplate(c.Request.Context(), req.Phone, req.Template, req.Language, req.Params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message_id": msg.ProviderMessageID})
}

func (s *Server) recordHumanReply(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := s.service.RecordHumanReply(c.Request.Context(), req.Phone, req.Message)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (s *Server) requeue(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pending response id"})
		return
	}
	pending, err := s.service.Requeue(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (s *Server) conversation(c *gin.Context) {
	phone := c.Param("phone")
	conv, err := s.store.GetConversation(c.Request.Context(), phone)
	if err != nil {
		s.writeError(c, err)
		return
	}
	limit := s.cfg.HistoryLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	history, err := s.store.History(c.Request.Context(), phone, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": conv,
		"active":       conv.IsActive(time.Now()),
		"messages":     history,
	})
}

type statsResponse struct {
	*models.Status
	ResponseDelay int `json:"response_delay"`
}

func (s *Server) stats(c *gin.Context) {
	status, err := s.status.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statsResponse{Status: status, ResponseDelay: int(s.cfg.ResponseDelay.Seconds())})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"provider":    s.provider.Name(),
		"ai_provider": s.cfg.AIProvider,
	})
}
