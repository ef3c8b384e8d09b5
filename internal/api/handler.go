package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Listener applies calendar mutations.
type Listener interface {
	Handle(ctx context.Context, batch domain.ChangeBatch) error
}

// TriggerReader lists pending triggers of an account.
type TriggerReader interface {
	ListTriggers(ctx context.Context, contextID, accountID int, eventID string) ([]domain.AlarmTrigger, error)
}

// ActionLister reports the actions with a registered notification service.
type ActionLister interface {
	Actions() []domain.Action
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	listener Listener
	triggers TriggerReader
	actions  ActionLister
	db       HealthChecker // optional
	logger   *zap.Logger
	now      func() time.Time

	metricsPath    string
	metricsHandler http.Handler // optional
}

func NewHandler(listener Listener, triggers TriggerReader, actions ActionLister, logger *zap.Logger) *Handler {
	return &Handler{
		listener: listener,
		triggers: triggers,
		actions:  actions,
		logger:   logger.Named("api"),
		now:      time.Now,
	}
}

// WithHealthChecker makes /health ping the database.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

// WithMetrics serves handler (promhttp) at path.
func (h *Handler) WithMetrics(path string, handler http.Handler) *Handler {
	h.metricsPath = path
	h.metricsHandler = handler
	return h
}

// Router builds the gin engine. The caller decides the gin mode.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(Logger(h.logger))

	r.GET("/health", h.health)
	if h.metricsHandler != nil {
		r.GET(h.metricsPath, gin.WrapH(h.metricsHandler))
	}

	v1 := r.Group("/v1")
	{
		v1.GET("/actions", h.listActions)

		account := v1.Group("/contexts/:context/accounts/:account")
		account.POST("/changes", h.applyChanges)
		account.GET("/triggers", h.listTriggers)
	}
	return r
}

func (h *Handler) health(c *gin.Context) {
	if h.db == nil {
		c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Components["database"] = "healthy"
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listActions(c *gin.Context) {
	actions := h.actions.Actions()
	resp := ActionsResponse{Actions: make([]string, 0, len(actions))}
	for _, a := range actions {
		resp.Actions = append(resp.Actions, string(a))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) applyChanges(c *gin.Context) {
	cid, account, ok := accountParams(c)
	if !ok {
		return
	}

	var req ChangeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := validateChangeBatch(req); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	now := h.now().UTC()
	batch := domain.ChangeBatch{
		ContextID: cid,
		AccountID: account,
		Created:   toDomainEvents(cid, account, req.Created, now),
		Updated:   toDomainEvents(cid, account, req.Updated, now),
		Deleted:   req.Deleted,
	}

	if err := h.listener.Handle(c.Request.Context(), batch); err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			writeError(c, http.StatusNotFound, "account not found")
		case errors.Is(err, domain.ErrInvalidEvent):
			writeError(c, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(c, http.StatusInternalServerError, "failed to apply changes")
		}
		return
	}

	c.JSON(http.StatusOK, ChangeResponse{
		Status:  "applied",
		Changed: len(req.Created) + len(req.Updated),
		Deleted: len(req.Deleted),
	})
}

func (h *Handler) listTriggers(c *gin.Context) {
	cid, account, ok := accountParams(c)
	if !ok {
		return
	}

	triggers, err := h.triggers.ListTriggers(c.Request.Context(), cid, account, c.Query("event"))
	if err != nil {
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "failed to list triggers")
		return
	}

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, 0, len(triggers))}
	for _, t := range triggers {
		resp.Triggers = append(resp.Triggers, TriggerResponse{
			EventID:     t.EventID,
			AlarmID:     t.AlarmID,
			UserID:      t.UserID,
			Action:      string(t.Action),
			TriggerTime: formatTime(t.TriggerTime),
			Recurrence:  formatTime(t.Recurrence),
			Processed:   t.Processed,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func accountParams(c *gin.Context) (int, int, bool) {
	cid, err := strconv.Atoi(c.Param("context"))
	if err != nil || cid < 0 {
		writeError(c, http.StatusBadRequest, "invalid context id")
		return 0, 0, false
	}
	account, err := strconv.Atoi(c.Param("account"))
	if err != nil || account < 0 {
		writeError(c, http.StatusBadRequest, "invalid account id")
		return 0, 0, false
	}
	return cid, account, true
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
