package http

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pothole-service/internal/http/middleware"
	"pothole-service/internal/model"
	"pothole-service/internal/repository"
	"pothole-service/internal/results"
	"pothole-service/internal/service"
)

const (
	maxUploadBytes   = 20 << 20
	defaultThreshold = 0.5
)

type Handler struct {
	detectionService *service.DetectionService
	repairService    *service.RepairService
	alertService     *service.AlertService
	log              zerolog.Logger
}

func NewHandler(
	detectionService *service.DetectionService,
	repairService *service.RepairService,
	alertService *service.AlertService,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		detectionService: detectionService,
		repairService:    repairService,
		alertService:     alertService,
		log:              log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/detections", h.listDetections)
	r.GET("/results", h.listResults)
	r.GET("/stats", h.getStatistics)

	mapGroup := r.Group("/map")
	{
		mapGroup.GET("/points", h.mapPoints)
		mapGroup.GET("/hotspots", h.hotspots)
		mapGroup.GET("/priorities", h.maintenancePriorities)
	}

	r.GET("/repairs", h.listRepairs)
	r.GET("/repairs/summary", h.repairSummary)
	r.GET("/repairs/locations", h.availableLocations)
	r.GET("/repairs/:id", h.getRepair)
	r.GET("/alerts/settings", h.getAlertSettings)

	r.GET("/charts/daily", h.dailyChart)
	r.GET("/charts/repairs", h.repairChart)

	protected := r.Group("/")
	protected.Use(authMiddleware)

	writer := protected.Group("/", middleware.RequireWriter())
	{
		writer.POST("/detections/upload", h.uploadImage)
		writer.POST("/detections/batch", h.processBatch)
		writer.POST("/repairs", h.submitRepair)
		writer.PUT("/repairs/:id", h.updateRepair)
		writer.PUT("/repairs/:id/status", h.transitionRepair)
		writer.PUT("/alerts/settings", h.updateAlertSettings)
		writer.POST("/alerts/evaluate", h.evaluateAlerts)
	}

	admin := protected.Group("/", middleware.RequireAdmin())
	{
		admin.PUT("/repairs/:id/override", h.overrideRepair)
		admin.DELETE("/detections/images/:id", h.deleteImage)
	}
}

func (h *Handler) listDetections(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.detectionService.Detections(c.Request.Context())))
}

func (h *Handler) listResults(c *gin.Context) {
	var opts results.FilterOptions

	if raw := c.Query("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			c.JSON(http.StatusBadRequest, errorResponse("min_confidence must be a number between 0 and 1"))
			return
		}
		opts.MinConfidence = v
	}
	if raw := c.Query("min_detections"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("min_detections must be a non-negative integer"))
			return
		}
		opts.MinDetections = v
	}

	var err error
	if opts.From, err = parseDateQuery(c, "start"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if opts.To, err = parseDateQuery(c, "end"); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, successResponse(h.detectionService.Records(c.Request.Context(), opts)))
}

func (h *Handler) getStatistics(c *gin.Context) {
	source := service.StatsSource(strings.ToLower(c.DefaultQuery("source", string(service.StatsSourceStore))))
	if source != service.StatsSourceStore && source != service.StatsSourceFiles {
		c.JSON(http.StatusBadRequest, errorResponse("source must be store or files"))
		return
	}
	c.JSON(http.StatusOK, successResponse(h.detectionService.Statistics(c.Request.Context(), source)))
}

func (h *Handler) mapPoints(c *gin.Context) {
	demo, err := strconv.ParseBool(c.DefaultQuery("demo", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("demo must be a boolean"))
		return
	}
	c.JSON(http.StatusOK, successResponse(h.detectionService.MapPoints(c.Request.Context(), demo)))
}

func (h *Handler) hotspots(c *gin.Context) {
	resolution := -1
	if raw := c.Query("resolution"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > 6 {
			c.JSON(http.StatusBadRequest, errorResponse("resolution must be between 0 and 6"))
			return
		}
		resolution = v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse("limit must be a positive integer"))
			return
		}
		limit = v
	}
	c.JSON(http.StatusOK, successResponse(h.detectionService.Hotspots(c.Request.Context(), resolution, limit)))
}

func (h *Handler) maintenancePriorities(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.detectionService.MaintenancePriorities(c.Request.Context())))
}

func (h *Handler) uploadImage(c *gin.Context) {
	threshold, err := parseThreshold(c.DefaultPostForm("confidence", ""))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("image file is required"))
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse("image is too large"))
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("cannot read uploaded image"))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("cannot read uploaded image"))
		return
	}

	result, err := h.detectionService.ProcessImage(c.Request.Context(), filepath.Base(file.Filename), data, threshold)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(result))
}

func (h *Handler) processBatch(c *gin.Context) {
	var req struct {
		Paths      []string `json:"paths" binding:"required,min=1"`
		Confidence *float64 `json:"confidence"`
		Format     string   `json:"format"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	threshold := defaultThreshold
	if req.Confidence != nil {
		threshold = *req.Confidence
	}

	items := make([]service.BatchItem, 0, len(req.Paths))
	for _, p := range req.Paths {
		items = append(items, service.BatchItem{Path: p})
	}

	ctx := c.Request.Context()
	report, err := h.detectionService.ProcessBatch(ctx, items, threshold, func(p service.BatchProgress) {
		h.log.Debug().Int("index", p.Index).Int("total", p.Total).Str("item", p.Name).Msg("batch progress")
	})
	if err != nil && ctx.Err() == nil {
		h.handleError(c, err)
		return
	}

	body, contentType, err := service.ExportBatch(report, req.Format)
	if err != nil {
		h.handleError(c, err)
		return
	}
	if contentType == "application/json" {
		c.JSON(http.StatusOK, successResponse(report))
		return
	}
	c.Data(http.StatusOK, contentType, body)
}

func (h *Handler) deleteImage(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid image id"))
		return
	}

	if err := h.detectionService.DeleteImage(c.Request.Context(), uint(id)); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{"deleted": id}))
}

func (h *Handler) listRepairs(c *gin.Context) {
	var query service.RepairQuery

	if raw := c.Query("status"); raw != "" {
		status, err := model.ParseRepairStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		query.Status = &status
	}
	if raw := c.Query("priority"); raw != "" {
		priority, err := model.ParsePriority(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		query.Priority = &priority
	}
	query.Sort = service.RepairSortKey(strings.ToLower(c.Query("sort")))

	requests, err := h.repairService.Query(c.Request.Context(), query)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(requests))
}

func (h *Handler) getRepair(c *gin.Context) {
	req, err := h.repairService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(req))
}

func (h *Handler) repairSummary(c *gin.Context) {
	summary, err := h.repairService.Summary(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(summary))
}

func (h *Handler) availableLocations(c *gin.Context) {
	locations, err := h.repairService.AvailableLocations(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(locations))
}

func (h *Handler) submitRepair(c *gin.Context) {
	var req struct {
		PotholeID      string   `json:"pothole_id" binding:"required"`
		Latitude       *float64 `json:"latitude" binding:"required"`
		Longitude      *float64 `json:"longitude" binding:"required"`
		Severity       int      `json:"severity"`
		DetectionCount int      `json:"detection_count"`
		Priority       string   `json:"priority" binding:"required"`
		RepairType     string   `json:"repair_type" binding:"required"`
		Notes          string   `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	loc, err := model.CoordinatesFrom(req.Latitude, req.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	repair, created, err := h.repairService.Submit(c.Request.Context(), service.SubmitRepairInput{
		PotholeID:      req.PotholeID,
		Location:       *loc,
		Severity:       req.Severity,
		DetectionCount: req.DetectionCount,
		Priority:       model.Priority(req.Priority),
		RepairType:     model.RepairType(req.RepairType),
		Notes:          req.Notes,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"data": repair, "created": created})
}

func (h *Handler) updateRepair(c *gin.Context) {
	var req struct {
		Priority   string `json:"priority" binding:"required"`
		RepairType string `json:"repair_type" binding:"required"`
		Notes      string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	repair, err := h.repairService.Update(c.Request.Context(), c.Param("id"), service.UpdateRepairInput{
		Priority:   model.Priority(req.Priority),
		RepairType: model.RepairType(req.RepairType),
		Notes:      req.Notes,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(repair))
}

type statusRequest struct {
	Status        string `json:"status" binding:"required"`
	Note          string `json:"note"`
	ScheduledDate string `json:"scheduled_date"`
}

func (r statusRequest) input() (service.TransitionInput, error) {
	in := service.TransitionInput{
		Status: model.RepairStatus(r.Status),
		Note:   r.Note,
	}
	if r.ScheduledDate != "" {
		d, err := model.ParseDate(strings.TrimSpace(r.ScheduledDate))
		if err != nil {
			return service.TransitionInput{}, err
		}
		in.ScheduledDate = &d
	}
	return in, nil
}

func (h *Handler) transitionRepair(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	in, err := req.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	repair, err := h.repairService.Transition(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(repair))
}

func (h *Handler) overrideRepair(c *gin.Context) {
	principal, ok := middleware.MustPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("missing principal"))
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	in, err := req.input()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	repair, err := h.repairService.Override(c.Request.Context(), principal, c.Param("id"), in)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(repair))
}

func (h *Handler) getAlertSettings(c *gin.Context) {
	settings, err := h.alertService.GetSettings(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(settings))
}

func (h *Handler) updateAlertSettings(c *gin.Context) {
	var req model.AlertSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	settings, err := h.alertService.UpdateSettings(c.Request.Context(), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(settings))
}

func (h *Handler) evaluateAlerts(c *gin.Context) {
	var req struct {
		Threshold *int `json:"threshold"`
		Dispatch  bool `json:"dispatch"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}

	report, err := h.alertService.Evaluate(c.Request.Context(), service.EvaluateAlertsInput{
		Threshold: req.Threshold,
		Dispatch:  req.Dispatch,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var transitionErr *model.InvalidTransitionError
	var duplicateErr *service.DuplicateActiveRequestError
	var writeErr *repository.StorageWriteError

	switch {
	case errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":       err.Error(),
			"from_status": transitionErr.From,
			"allowed":     transitionErr.From.NextStatuses(),
		})
	case errors.As(err, &duplicateErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":               err.Error(),
			"existing_request_id": duplicateErr.ExistingID,
		})
	case errors.Is(err, service.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	case errors.Is(err, service.ErrDataIntegrity):
		h.log.Error().Err(err).Msg("data integrity violation")
		c.JSON(http.StatusUnprocessableEntity, errorResponse(err.Error()))
	case errors.As(err, &writeErr):
		h.log.Error().Err(err).Msg("storage write failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse("storage unavailable"))
	default:
		h.log.Error().Err(err).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseThreshold(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultThreshold, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, errors.New("confidence must be a number between 0 and 1")
	}
	return v, nil
}

func parseDateQuery(c *gin.Context, key string) (*model.Date, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return nil, nil
	}
	t, err := parseTime(raw)
	if err != nil {
		return nil, errors.New(key + ": invalid date format")
	}
	d := model.DateOf(t)
	return &d, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	layouts := []string{
		time.RFC3339,
		"2006-01-02",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z",
	}
	for _, layout := range layouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, errors.New("invalid time format")
}
