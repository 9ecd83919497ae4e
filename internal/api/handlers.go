// Package api exposes the engine's operations over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"schedsync/internal/appointments"
	"schedsync/internal/availability"
	"schedsync/internal/logging"
	"schedsync/internal/models"
	"schedsync/internal/schedule"
	"schedsync/internal/store"
	"schedsync/internal/syncer"
)

const dateLayout = "2006-01-02"

type Availability interface {
	GetAvailability(ctx context.Context, companyID string, date time.Time, o *schedule.Overrides) (*availability.Day, error)
	FindNextAvailableSlot(ctx context.Context, companyID string, after time.Time, duration time.Duration, maxDays int) (*models.TimeSlot, error)
	IsSlotAvailable(ctx context.Context, companyID string, start, end time.Time, excludeAppointmentID string) (*availability.Conflict, error)
}

type BusySource interface {
	GetBusySlots(ctx context.Context, companyID string, from, to time.Time) ([]models.TimeSlot, error)
}

type Appointments interface {
	Create(ctx context.Context, req appointments.CreateRequest) (*models.Appointment, error)
	Get(ctx context.Context, companyID, id string) (*models.Appointment, error)
	List(ctx context.Context, companyID string, f store.AppointmentFilter) ([]models.Appointment, error)
	Update(ctx context.Context, companyID, id string, req appointments.UpdateRequest) (*models.Appointment, error)
	Reschedule(ctx context.Context, companyID, id string, start, end time.Time, reason string) (*models.Appointment, error)
	Confirm(ctx context.Context, companyID, id string) (*models.Appointment, error)
	Cancel(ctx context.Context, companyID, id, reason string) (*models.Appointment, error)
	MarkNoShow(ctx context.Context, companyID, id string) (*models.Appointment, *models.Appointment, error)
}

type Syncer interface {
	RunSync(ctx context.Context, integ *models.Integration) (*syncer.Result, error)
	RunSyncAll(ctx context.Context, companyID string) ([]*syncer.Result, error)
	IntegrationStatuses(ctx context.Context, companyID string) ([]syncer.IntegrationStatus, error)
}

type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	GetScheduleSettings(ctx context.Context, companyID string) (*models.ScheduleSettings, error)
	SaveScheduleSettings(ctx context.Context, settings *models.ScheduleSettings) error
}

// Deps are the components served by the API.
type Deps struct {
	Availability Availability
	Busy         BusySource
	Appointments Appointments
	Syncer       Syncer
	Store        Store
	Logger       *slog.Logger
}

type Handler struct {
	avail  Availability
	busy   BusySource
	appts  Appointments
	sync   Syncer
	store  Store
	logger *slog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		avail:  d.Availability,
		busy:   d.Busy,
		appts:  d.Appointments,
		sync:   d.Syncer,
		store:  d.Store,
		logger: logging.OrDiscard(d.Logger),
	}
}

// NewRouter builds the engine. metrics, when non-nil, is served on /metrics.
func NewRouter(h *Handler, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	h.Register(r.Group("/api/v1"))
	return r
}

// Register mounts the company-scoped routes.
func (h *Handler) Register(r gin.IRouter) {
	company := r.Group("/companies/:company")
	{
		company.GET("/availability", h.getAvailability)
		company.GET("/availability/next", h.findNextSlot)
		company.GET("/availability/check", h.checkSlot)
		company.GET("/busy", h.getBusy)

		company.GET("/settings", h.getSettings)
		company.PUT("/settings", h.putSettings)

		company.GET("/appointments", h.listAppointments)
		company.POST("/appointments", h.createAppointment)
		company.GET("/appointments/:id", h.getAppointment)
		company.PATCH("/appointments/:id", h.updateAppointment)
		company.POST("/appointments/:id/reschedule", h.rescheduleAppointment)
		company.POST("/appointments/:id/confirm", h.confirmAppointment)
		company.POST("/appointments/:id/cancel", h.cancelAppointment)
		company.POST("/appointments/:id/no-show", h.markNoShow)

		company.GET("/integrations", h.integrationStatuses)
		company.POST("/integrations/:id/sync", h.syncIntegration)
		company.POST("/sync", h.syncCompany)
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		h.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}

// --- availability ---

func (h *Handler) getAvailability(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Query("date"))
	if err != nil {
		badRequest(c, "date must be YYYY-MM-DD", err)
		return
	}
	o, err := overrides(c)
	if err != nil {
		badRequest(c, "Invalid schedule override", err)
		return
	}
	day, err := h.avail.GetAvailability(c.Request.Context(), c.Param("company"), date, o)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, day)
}

// overrides reads per-call schedule overrides from the query string and validates them.
func overrides(c *gin.Context) (*schedule.Overrides, error) {
	o := &schedule.Overrides{
		Start:    c.Query("start"),
		End:      c.Query("end"),
		TimeZone: c.Query("timezone"),
	}
	if v := c.Query("slot_minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("slot_minutes must be a positive integer")
		}
		o.SlotDuration = time.Duration(n) * time.Minute
	}
	if v := c.Query("working_days"); v != "" {
		o.WorkingDays = strings.Split(v, ",")
	}
	if v := c.Query("exclude_holidays"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("exclude_holidays must be a boolean")
		}
		o.ExcludeHolidays = &b
	}
	if _, err := schedule.Merge(nil, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (h *Handler) findNextSlot(c *gin.Context) {
	after := time.Now()
	if v := c.Query("after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(c, "after must be RFC 3339", err)
			return
		}
		after = t
	}
	minutes, err := strconv.Atoi(c.DefaultQuery("duration_minutes", "30"))
	if err != nil || minutes <= 0 {
		badRequest(c, "duration_minutes must be a positive integer", err)
		return
	}
	maxDays, err := strconv.Atoi(c.DefaultQuery("max_days", "0"))
	if err != nil || maxDays < 0 {
		badRequest(c, "max_days must be a non-negative integer", err)
		return
	}
	slot, err := h.avail.FindNextAvailableSlot(c.Request.Context(), c.Param("company"), after, time.Duration(minutes)*time.Minute, maxDays)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

func (h *Handler) checkSlot(c *gin.Context) {
	start, end, ok := timeRange(c, "start", "end")
	if !ok {
		return
	}
	res, err := h.avail.IsSlotAvailable(c.Request.Context(), c.Param("company"), start, end, c.Query("exclude"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) getBusy(c *gin.Context) {
	from, to, ok := timeRange(c, "from", "to")
	if !ok {
		return
	}
	busy, err := h.busy.GetBusySlots(c.Request.Context(), c.Param("company"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	if busy == nil {
		busy = []models.TimeSlot{}
	}
	c.JSON(http.StatusOK, gin.H{"busy": busy})
}

func timeRange(c *gin.Context, fromKey, toKey string) (time.Time, time.Time, bool) {
	from, err := time.Parse(time.RFC3339, c.Query(fromKey))
	if err != nil {
		badRequest(c, fromKey+" must be RFC 3339", err)
		return time.Time{}, time.Time{}, false
	}
	to, err := time.Parse(time.RFC3339, c.Query(toKey))
	if err != nil {
		badRequest(c, toKey+" must be RFC 3339", err)
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		badRequest(c, toKey+" must be after "+fromKey, nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// --- settings ---

func (h *Handler) getSettings(c *gin.Context) {
	settings, err := h.store.GetScheduleSettings(c.Request.Context(), c.Param("company"))
	if errors.Is(err, schedule.ErrNoSettings) {
		settings = &models.ScheduleSettings{CompanyID: c.Param("company")}
	} else if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) putSettings(c *gin.Context) {
	var settings models.ScheduleSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	settings.CompanyID = c.Param("company")
	if _, err := schedule.Merge(&settings, nil); err != nil {
		badRequest(c, "Invalid schedule settings", err)
		return
	}
	if err := h.store.SaveScheduleSettings(c.Request.Context(), &settings); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// --- appointments ---

type createAppointmentRequest struct {
	ContactID         string                   `json:"contact_id"`
	CampaignID        string                   `json:"campaign_id"`
	Title             string                   `json:"title" binding:"required"`
	Description       string                   `json:"description"`
	Location          string                   `json:"location"`
	Start             time.Time                `json:"start" binding:"required"`
	End               time.Time                `json:"end" binding:"required"`
	TimeZone          string                   `json:"timezone"`
	VideoProvider     models.VideoProvider     `json:"video_provider"`
	Status            models.AppointmentStatus `json:"status"`
	Metadata          map[string]interface{}   `json:"metadata"`
	SkipConflictCheck bool                     `json:"skip_conflict_check"`
}

func (h *Handler) createAppointment(c *gin.Context) {
	var req createAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	a, err := h.appts.Create(c.Request.Context(), appointments.CreateRequest{
		CompanyID:         c.Param("company"),
		ContactID:         req.ContactID,
		CampaignID:        req.CampaignID,
		Title:             req.Title,
		Description:       req.Description,
		Location:          req.Location,
		Start:             req.Start,
		End:               req.End,
		TimeZone:          req.TimeZone,
		VideoProvider:     req.VideoProvider,
		Status:            req.Status,
		Metadata:          req.Metadata,
		SkipConflictCheck: req.SkipConflictCheck,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) listAppointments(c *gin.Context) {
	f := store.AppointmentFilter{ContactID: c.Query("contact_id")}
	for key, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				badRequest(c, key+" must be RFC 3339", err)
				return
			}
			*dst = t
		}
	}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, models.AppointmentStatus(strings.TrimSpace(s)))
		}
	}
	var err error
	if f.Limit, err = strconv.Atoi(c.DefaultQuery("limit", "100")); err != nil || f.Limit < 0 {
		badRequest(c, "limit must be a non-negative integer", err)
		return
	}
	if f.Offset, err = strconv.Atoi(c.DefaultQuery("offset", "0")); err != nil || f.Offset < 0 {
		badRequest(c, "offset must be a non-negative integer", err)
		return
	}

	list, err := h.appts.List(c.Request.Context(), c.Param("company"), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []models.Appointment{}
	}
	c.JSON(http.StatusOK, gin.H{"appointments": list, "limit": f.Limit, "offset": f.Offset})
}

func (h *Handler) getAppointment(c *gin.Context) {
	a, err := h.appts.Get(c.Request.Context(), c.Param("company"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type updateAppointmentRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Location    *string    `json:"location"`
	Start       *time.Time `json:"start"`
	End         *time.Time `json:"end"`
	TimeZone    *string    `json:"timezone"`
}

func (h *Handler) updateAppointment(c *gin.Context) {
	var req updateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	a, err := h.appts.Update(c.Request.Context(), c.Param("company"), c.Param("id"), appointments.UpdateRequest(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	Start  time.Time `json:"start" binding:"required"`
	End    time.Time `json:"end" binding:"required"`
	Reason string    `json:"reason"`
}

func (h *Handler) rescheduleAppointment(c *gin.Context) {
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	a, err := h.appts.Reschedule(c.Request.Context(), c.Param("company"), c.Param("id"), req.Start, req.End, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) confirmAppointment(c *gin.Context) {
	a, err := h.appts.Confirm(c.Request.Context(), c.Param("company"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelAppointment(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}
	a, err := h.appts.Cancel(c.Request.Context(), c.Param("company"), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) markNoShow(c *gin.Context) {
	a, retry, err := h.appts.MarkNoShow(c.Request.Context(), c.Param("company"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"appointment": a, "retry": retry})
}

// --- integrations and sync ---

func (h *Handler) integrationStatuses(c *gin.Context) {
	statuses, err := h.sync.IntegrationStatuses(c.Request.Context(), c.Param("company"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integrations": statuses})
}

func (h *Handler) syncIntegration(c *gin.Context) {
	integ, err := h.store.GetIntegration(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if integ.CompanyID != c.Param("company") {
		h.fail(c, store.ErrNotFound)
		return
	}
	res, err := h.sync.RunSync(c.Request.Context(), integ)
	if res == nil {
		h.fail(c, err)
		return
	}
	// A failed run is still reported with its counters; the error is in the result.
	c.JSON(http.StatusOK, res)
}

func (h *Handler) syncCompany(c *gin.Context) {
	results, err := h.sync.RunSyncAll(c.Request.Context(), c.Param("company"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if results == nil {
		results = []*syncer.Result{}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
