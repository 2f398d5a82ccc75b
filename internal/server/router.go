package server

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/morecoffee/internal/auth"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/consumption"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/supplies"
	"github.com/MarcoPoloResearchLab/morecoffee/internal/tracking"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	subjectContextKey   = "morecoffee_subject"
	requestIDContextKey = "morecoffee_request_id"
	requestIDHeader     = "X-Request-ID"
	accessTokenQuery    = "access_token"

	defaultHeartbeatInterval = 30 * time.Second
)

const (
	errorCodeInvalidRequest     = "invalid_request"
	errorCodeNotFound           = "not_found"
	errorCodeInsufficientSupply = "insufficient_supply"
	errorCodeQuantityOutOfRange = "quantity_out_of_range"
	errorCodeUnauthorized       = "unauthorized"
	errorCodeInternal           = "internal_error"
)

var (
	errMissingSupplies      = errors.New("supply repository dependency required")
	errMissingConsumption   = errors.New("consumption repository dependency required")
	errMissingCoordinator   = errors.New("tracking coordinator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")

	registerTagNameOnce sync.Once
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Supplies    *supplies.Repository
	Consumption *consumption.Repository
	Coordinator *tracking.Coordinator
	Realtime    *InventoryDispatcher
	// TokenValidator enables bearer authentication when set.
	TokenValidator    TokenValidator
	Location          *time.Location
	StatisticsDays    int
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Supplies == nil {
		return nil, errMissingSupplies
	}
	if deps.Consumption == nil {
		return nil, errMissingConsumption
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	location := deps.Location
	if location == nil {
		location = time.Local
	}
	statisticsDays := deps.StatisticsDays
	if statisticsDays <= 0 {
		statisticsDays = consumption.DefaultStatisticsDays
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewInventoryDispatcher()
	}
	registerJSONFieldNames()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())
	router.Use(requestLogger(logger))

	handler := &httpHandler{
		supplies:       deps.Supplies,
		consumption:    deps.Consumption,
		coordinator:    deps.Coordinator,
		realtime:       realtime,
		tokens:         deps.TokenValidator,
		location:       location,
		statisticsDays: statisticsDays,
		heartbeat:      heartbeat,
		clock:          clock,
		logger:         logger,
	}

	api := router.Group("/")
	if handler.tokens != nil {
		api.Use(handler.authorizeRequest)
	}

	api.GET("/supplies", handler.handleListSupplies)
	api.POST("/supplies", handler.handleCreateSupply)
	api.GET("/supplies/:id", handler.handleGetSupply)
	api.PUT("/supplies/:id", handler.handleUpdateSupply)
	api.DELETE("/supplies/:id", handler.handleDeleteSupply)

	api.GET("/consumptions", handler.handleListConsumptions)
	api.GET("/consumptions/days", handler.handleConsumptionDays)
	api.POST("/consumptions", handler.handleCreateConsumption)
	api.PUT("/consumptions/:id", handler.handleUpdateConsumption)
	api.DELETE("/consumptions/:id", handler.handleDeleteConsumption)

	api.GET("/statistics", handler.handleStatistics)
	api.GET("/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	supplies       *supplies.Repository
	consumption    *consumption.Repository
	coordinator    *tracking.Coordinator
	realtime       *InventoryDispatcher
	tokens         TokenValidator
	location       *time.Location
	statisticsDays int
	heartbeat      time.Duration
	clock          func() time.Time
	logger         *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:   []string{requestIDHeader},
		MaxAge:          12 * time.Hour,
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDContextKey, requestID)
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("request_id", c.GetString(requestIDContextKey)),
		)
	}
}

// authorizeRequest accepts a bearer header or, for EventSource clients
// that cannot set headers, an access_token query parameter.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var token string
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondInternalError(c *gin.Context, message string, err error) {
	h.logger.Error(message,
		zap.Error(err),
		zap.String("request_id", c.GetString(requestIDContextKey)),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": errorCodeInternal})
}

func respondNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
}

func respondInvalidRequest(c *gin.Context, fields ...string) {
	body := gin.H{"error": errorCodeInvalidRequest}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	c.JSON(http.StatusBadRequest, body)
}

// respondBindingError reports the JSON names of the fields that failed validation.
func respondBindingError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		respondInvalidRequest(c)
		return
	}
	fields := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		fields = append(fields, fieldError.Field())
	}
	respondInvalidRequest(c, fields...)
}

func registerJSONFieldNames() {
	registerTagNameOnce.Do(func() {
		engine, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		engine.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return field.Name
			}
			return name
		})
	})
}

func parseIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondInvalidRequest(c, "id")
		return 0, false
	}
	return id, true
}
