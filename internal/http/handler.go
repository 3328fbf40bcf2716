package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"anpr-monitor/internal/config"
	"anpr-monitor/internal/domain/anpr"
	"anpr-monitor/internal/notify"
	"anpr-monitor/internal/service"
	"anpr-monitor/internal/utils"
	"anpr-monitor/internal/worker"
)

type Handler struct {
	events  *service.EventService
	pool    *worker.Pool
	board   *notify.StatusBoard
	hub     *notify.Hub
	ws      http.Handler
	preview *notify.Preview
	config  *config.Config
	// workers started over HTTP live as long as the process, not the request
	runCtx context.Context
	log    zerolog.Logger
}

type Options struct {
	Events  *service.EventService
	Pool    *worker.Pool
	Board   *notify.StatusBoard
	Hub     *notify.Hub
	WS      http.Handler
	Preview *notify.Preview
	Config  *config.Config
	RunCtx  context.Context
}

func NewHandler(opts Options, log zerolog.Logger) *Handler {
	runCtx := opts.RunCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	return &Handler{
		events:  opts.Events,
		pool:    opts.Pool,
		board:   opts.Board,
		hub:     opts.Hub,
		ws:      opts.WS,
		preview: opts.Preview,
		config:  opts.Config,
		runCtx:  runCtx,
		log:     log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	public := r.Group("/api/v1")
	{
		public.GET("/events", h.listEvents)
		public.GET("/events/search", h.searchEvents)
		public.GET("/events/:id", h.getEvent)
		public.GET("/channels", h.listChannels)
		if h.ws != nil {
			public.GET("/ws", gin.WrapH(h.ws))
		}
		if h.preview != nil {
			public.GET("/preview/:channel", h.previewChannel)
		}
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/channels/start", h.startChannels)
		protected.POST("/channels/restart", h.restartChannels)
		protected.POST("/channels/stop", h.stopChannels)
	}
}

func (h *Handler) listEvents(c *gin.Context) {
	from, err := service.ParseTime(c.Query("from"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	to, err := service.ParseTime(c.Query("to"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	// no limit (or 0) returns the whole window
	limit := 0
	if l := strings.TrimSpace(c.Query("limit")); l != "" {
		parsed, err := parseInt(l)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, errorResponse("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	events, err := h.events.FetchFiltered(c.Request.Context(), service.EventFilter{
		Start:   from,
		End:     to,
		Channel: strings.TrimSpace(c.Query("channel")),
		Plates:  utils.SplitPlates(c.Query("plates")),
		Limit:   limit,
	})
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) searchEvents(c *gin.Context) {
	from, err := service.ParseTime(c.Query("from"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	to, err := service.ParseTime(c.Query("to"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	events, err := h.events.SearchByPlate(c.Request.Context(), c.Query("plate"), from, to)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(events))
}

func (h *Handler) getEvent(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid event id"))
		return
	}

	event, err := h.events.GetEvent(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(event))
}

type channelView struct {
	worker.ChannelSnapshot
	Status      string      `json:"status,omitempty"`
	StatusTime  *time.Time  `json:"status_time,omitempty"`
	LastFrameAt *time.Time  `json:"last_frame_at,omitempty"`
	LastEvent   *anpr.Event `json:"last_event,omitempty"`
}

func (h *Handler) listChannels(c *gin.Context) {
	snapshots := h.pool.Snapshot()
	views := make([]channelView, 0, len(snapshots))
	for _, s := range snapshots {
		view := channelView{ChannelSnapshot: s}
		if h.board != nil {
			if st, ok := h.board.Get(s.Channel.Name); ok {
				view.Status = st.Status
				view.LastEvent = st.LastEvent
				if !st.StatusTime.IsZero() {
					t := st.StatusTime
					view.StatusTime = &t
				}
				if !st.LastFrameAt.IsZero() {
					t := st.LastFrameAt
					view.LastFrameAt = &t
				}
			}
		}
		views = append(views, view)
	}

	resp := gin.H{
		"running":  h.pool.Running(),
		"run_id":   h.pool.RunID(),
		"settings": h.pool.Settings(),
		"channels": views,
	}
	if h.board != nil {
		resp["last_event"] = h.board.LastEvent()
	}
	if h.hub != nil {
		resp["notifications"] = h.hub.Stats()
	}
	c.JSON(http.StatusOK, successResponse(resp))
}

type startRequest struct {
	Channels []anpr.ChannelConfig `json:"channels"`
	Settings *anpr.WorkerSettings `json:"settings"`
}

// bindStart falls back to the configured channels and settings for anything
// the request leaves out.
func (h *Handler) bindStart(c *gin.Context) ([]anpr.ChannelConfig, anpr.WorkerSettings, bool) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return nil, anpr.WorkerSettings{}, false
		}
	}

	channels := req.Channels
	if len(channels) == 0 && h.config != nil {
		channels = h.config.Channels
	}
	var settings anpr.WorkerSettings
	switch {
	case req.Settings != nil:
		settings = *req.Settings
	case h.config != nil:
		settings = h.config.Settings()
	}
	return channels, settings, true
}

func (h *Handler) startChannels(c *gin.Context) {
	channels, settings, ok := h.bindStart(c)
	if !ok {
		return
	}

	if h.pool.Running() {
		h.handleError(c, worker.ErrPoolRunning)
		return
	}
	h.resetBoard()
	if err := h.pool.Start(h.runCtx, channels, settings); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"run_id":   h.pool.RunID(),
		"channels": len(channels),
	}))
}

func (h *Handler) restartChannels(c *gin.Context) {
	channels, settings, ok := h.bindStart(c)
	if !ok {
		return
	}

	h.resetBoard()
	timedOut, err := h.pool.Restart(h.runCtx, channels, settings)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"run_id":    h.pool.RunID(),
		"channels":  len(channels),
		"timed_out": nonNil(timedOut),
	}))
}

func (h *Handler) stopChannels(c *gin.Context) {
	timedOut := h.pool.Stop()
	if len(timedOut) > 0 {
		h.log.Warn().Strs("channels", timedOut).Msg("stop request left workers behind")
	}

	c.JSON(http.StatusOK, successResponse(gin.H{
		"stopped":   true,
		"timed_out": nonNil(timedOut),
	}))
}

// resetBoard forgets statuses of the previous run before workers of the next
// one can report.
func (h *Handler) resetBoard() {
	if h.board != nil {
		h.board.Reset()
	}
}

func (h *Handler) previewChannel(c *gin.Context) {
	name := c.Param("channel")
	known := false
	for _, ch := range h.pool.Channels() {
		if ch.Name == name {
			known = true
			break
		}
	}
	if !known {
		c.JSON(http.StatusNotFound, errorResponse("unknown channel"))
		return
	}
	h.preview.Handler(name).ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, worker.ErrInvalidSettings):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, worker.ErrPoolRunning):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
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

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
