package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gin-gonic/gin"

	"github.com/arevik/schedulon/internal/domain"
	"github.com/arevik/schedulon/internal/repository"
	"github.com/arevik/schedulon/internal/scheduler"
)

// ScheduleHandler is the admin API's ingestion/inspection entrypoint. It has
// no usecase layer of its own; scheduler.Scheduler already plays that role.
type ScheduleHandler struct {
	facade *scheduler.Scheduler
	repo   repository.Repository
	logger *slog.Logger
}

func NewScheduleHandler(facade *scheduler.Scheduler, repo repository.Repository, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{facade: facade, repo: repo, logger: logger.With("component", "schedule_handler")}
}

// createScheduleRequest accepts exactly one of the three pattern shapes,
// mirroring the domain's closed tagged SchedulePattern.
type createScheduleRequest struct {
	Kind domain.PatternKind `json:"kind" binding:"required,oneof=delayed interval cron"`

	TransmitAt string `json:"transmit_at,omitempty"`

	FirstTransmission string `json:"first_transmission,omitempty"`
	IntervalSeconds   int64  `json:"interval_seconds,omitempty"`

	FirstTransmissionAfter string `json:"first_transmission_after,omitempty"`
	CronExpression         string `json:"cron_expression,omitempty"`

	RepeatInfinite bool   `json:"repeat_infinite,omitempty"`
	RepeatTimes    uint32 `json:"repeat_times,omitempty"`

	Subject string `json:"subject" binding:"required"`
	Payload []byte `json:"payload"`
}

func (req createScheduleRequest) repeat() domain.Repeat {
	if req.RepeatInfinite {
		return domain.Infinitely()
	}
	return domain.Times(req.RepeatTimes)
}

func (req createScheduleRequest) toPattern() (domain.SchedulePattern, error) {
	switch req.Kind {
	case domain.PatternDelayed:
		t, err := time.Parse(time.RFC3339, req.TransmitAt)
		if err != nil {
			return domain.SchedulePattern{}, err
		}
		return domain.NewDelayed(t), nil
	case domain.PatternInterval:
		first, err := time.Parse(time.RFC3339, req.FirstTransmission)
		if err != nil {
			return domain.SchedulePattern{}, err
		}
		return domain.NewInterval(first, time.Duration(req.IntervalSeconds)*time.Second, req.repeat()), nil
	case domain.PatternCron:
		first, err := time.Parse(time.RFC3339, req.FirstTransmissionAfter)
		if err != nil {
			return domain.SchedulePattern{}, err
		}
		return domain.NewCron(first, req.CronExpression, req.repeat()), nil
	default:
		return domain.SchedulePattern{}, errors.New("unknown pattern kind")
	}
}

type scheduleResponse struct {
	ID                string     `json:"id"`
	Kind              string     `json:"kind"`
	State             string     `json:"state"`
	Next              *time.Time `json:"next,omitempty"`
	TransmissionCount uint32     `json:"transmission_count"`
	Subject           string     `json:"subject"`
}

func toScheduleResponse(s domain.MessageSchedule) scheduleResponse {
	return scheduleResponse{
		ID:                s.ID.String(),
		Kind:              string(s.Pattern.Kind),
		State:             string(s.State),
		Next:              s.Next,
		TransmissionCount: s.TransmissionCount,
		Subject:           s.Message.Subject,
	}
}

// Create handles POST /schedules.
func (h *ScheduleHandler) Create(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pattern, err := req.toPattern()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidPattern})
		return
	}

	message := domain.Message{Subject: req.Subject, Payload: req.Payload}

	id, err := h.facade.Schedule(c.Request.Context(), pattern, message)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInterval), errors.Is(err, domain.ErrIntervalOverflows):
			c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidPattern})
		case errors.Is(err, domain.ErrInvalidCronExpr):
			c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidCronExpr})
		default:
			h.logger.ErrorContext(c.Request.Context(), "create schedule", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id.String()})
}

// GetByID handles GET /schedules/:id (inspection).
func (h *ScheduleHandler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid schedule id"})
		return
	}

	s, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "get schedule", "schedule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, toScheduleResponse(s))
}
