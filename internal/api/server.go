// Package api exposes the running session over a local HTTP control API.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/LastBotInc/coralie-interview-session/internal/compositor"
	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/models"
	"github.com/LastBotInc/coralie-interview-session/internal/session"
	"github.com/LastBotInc/coralie-interview-session/internal/transcribe"
	"github.com/LastBotInc/coralie-interview-session/internal/transport"
)

const maxUploadBytes = 10 << 20

// ArchiveStats reports connection pool counters of the transcript archive.
type ArchiveStats interface {
	PoolStats() map[string]int32
}

// Server serves the control API for one controller.
type Server struct {
	ctrl    *session.Controller
	archive ArchiveStats
	engine  *gin.Engine
	srv     *http.Server
}

// New builds the router.
func New(ctrl *session.Controller) *Server {
	s := &Server{ctrl: ctrl, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/healthz", s.health)

	v1 := s.engine.Group("/v1")
	v1.GET("/session", s.getSession)
	v1.POST("/consent", s.postConsent)
	v1.POST("/end", s.postEnd)

	v1.GET("/transcript", s.getTranscript)
	v1.POST("/transcript/start", s.startTranscript)
	v1.POST("/transcript/stop", s.stopTranscript)
	v1.POST("/transcript/language", s.postLanguage)
	v1.GET("/transcript/export", s.exportTranscript)

	v1.POST("/audio/toggle", s.toggleAudio)
	v1.POST("/video/toggle", s.toggleVideo)
	v1.POST("/screenshare/start", s.startScreenShare)
	v1.POST("/screenshare/stop", s.stopScreenShare)

	v1.GET("/backgrounds", s.listBackgrounds)
	v1.POST("/backgrounds", s.uploadBackground)
	v1.POST("/background", s.enableBackground)
	v1.POST("/background/disable", s.disableBackground)
	return s
}

// SetArchive adds the archive pool counters to the health response. Call
// before Start.
func (s *Server) SetArchive(a ArchiveStats) { s.archive = a }

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info(logging.CategoryControl, "control API listening on %s", addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(logging.CategoryControl, "control API stopped: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug(logging.CategoryControl, "%s %s status=%d duration=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

type sessionResponse struct {
	State        session.State          `json:"state"`
	Call         *models.CallSession    `json:"call,omitempty"`
	Consent      *models.ConsentRecord  `json:"consent,omitempty"`
	Transport    *transport.State       `json:"transport,omitempty"`
	Transcribing bool                   `json:"transcribing"`
	Language     string                 `json:"language,omitempty"`
	Background   *compositor.Background `json:"background,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok", "state": s.ctrl.State()}
	if s.archive != nil {
		resp["archive"] = s.archive.PoolStats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getSession(c *gin.Context) {
	resp := sessionResponse{
		State:   s.ctrl.State(),
		Call:    s.ctrl.Call(),
		Consent: s.ctrl.Consent(),
	}
	if tm := s.ctrl.Transport(); tm != nil {
		st := tm.State()
		resp.Transport = &st
	}
	if p := s.ctrl.Transcriber(); p != nil {
		resp.Transcribing = p.IsTranscribing()
		resp.Language = p.Language()
	}
	if comp := s.ctrl.Compositor(); comp != nil {
		bg := comp.Current()
		resp.Background = &bg
	}
	if err := s.ctrl.Err(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) postConsent(c *gin.Context) {
	var req struct {
		Consented *bool `json:"consented"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Consented == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "consented is required"})
		return
	}
	rec, err := s.ctrl.RecordConsent(c.Request.Context(), *req.Consented)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) postEnd(c *gin.Context) {
	if err := s.ctrl.End(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.ctrl.State()})
}

func (s *Server) pipeline(c *gin.Context) *transcribe.Pipeline {
	p := s.ctrl.Transcriber()
	if p == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "transcription is not enabled for this call"})
	}
	return p
}

func (s *Server) getTranscript(c *gin.Context) {
	p := s.pipeline(c)
	if p == nil {
		return
	}
	// Without q the matches of the last search are returned, updated for
	// segments that arrived since
	var highlighted []string
	if q, ok := c.GetQuery("q"); ok {
		highlighted = p.Search(q)
	} else {
		highlighted = p.Highlighted()
	}
	if highlighted == nil {
		highlighted = []string{}
	}
	resp := gin.H{
		"segments":     p.Segments(),
		"highlighted":  highlighted,
		"transcribing": p.IsTranscribing(),
	}
	if err := p.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startTranscript(c *gin.Context) {
	if err := s.ctrl.StartTranscription(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcribing": true})
}

func (s *Server) stopTranscript(c *gin.Context) {
	s.ctrl.StopTranscription()
	c.JSON(http.StatusOK, gin.H{"transcribing": false})
}

func (s *Server) postLanguage(c *gin.Context) {
	p := s.pipeline(c)
	if p == nil {
		return
	}
	var req struct {
		Language string `json:"language"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := p.SetLanguage(req.Language); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"language": req.Language})
}

func (s *Server) exportTranscript(c *gin.Context) {
	p := s.pipeline(c)
	if p == nil {
		return
	}
	u, err := p.Export(c.Request.Context(), models.ExportFormat(c.Query("format")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"download_url": u})
}

func (s *Server) transport(c *gin.Context) *transport.Manager {
	tm := s.ctrl.Transport()
	if tm == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "not connected"})
	}
	return tm
}

func (s *Server) toggleAudio(c *gin.Context) {
	if tm := s.transport(c); tm != nil {
		tm.ToggleAudio()
		c.JSON(http.StatusOK, tm.State())
	}
}

func (s *Server) toggleVideo(c *gin.Context) {
	if tm := s.transport(c); tm != nil {
		tm.ToggleVideo()
		c.JSON(http.StatusOK, tm.State())
	}
}

func (s *Server) startScreenShare(c *gin.Context) {
	tm := s.transport(c)
	if tm == nil {
		return
	}
	if err := tm.StartScreenShare(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tm.State())
}

func (s *Server) stopScreenShare(c *gin.Context) {
	if tm := s.transport(c); tm != nil {
		tm.StopScreenShare()
		c.JSON(http.StatusOK, tm.State())
	}
}

func (s *Server) compositor(c *gin.Context) *compositor.Compositor {
	comp := s.ctrl.Compositor()
	if comp == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "background processing is not configured"})
	}
	return comp
}

func (s *Server) listBackgrounds(c *gin.Context) {
	comp := s.compositor(c)
	if comp == nil {
		return
	}
	resp := gin.H{
		"available": comp.Available(),
		"current":   comp.Current(),
		"supported": comp.IsSupported(),
		"enabled":   comp.IsEnabled(),
	}
	if err := comp.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// uploadBackground accepts a multipart "file" field or a raw image body.
func (s *Server) uploadBackground(c *gin.Context) {
	comp := s.compositor(c)
	if comp == nil {
		return
	}

	name := c.Query("name")
	var data []byte
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()
		data, err = io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if name == "" {
			name = c.PostForm("name")
		}
		if name == "" {
			name = fh.Filename
		}
	} else {
		data, err = io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	bg, err := comp.UploadCustomBackground(name, data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bg)
}

func (s *Server) enableBackground(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	bg, err := s.ctrl.EnableBackground(c.Request.Context(), req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bg)
}

func (s *Server) disableBackground(c *gin.Context) {
	s.ctrl.DisableBackground()
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transcribe.ErrValidation), errors.Is(err, compositor.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrConsentRecorded),
		errors.Is(err, session.ErrCallEnded), errors.Is(err, transcribe.ErrDisabled):
		status = http.StatusConflict
	case errors.Is(err, compositor.ErrUnsupportedPlatform):
		status = http.StatusNotImplemented
	case errors.Is(err, compositor.ErrModelLoad), errors.Is(err, transcribe.ErrChannel),
		transport.IsMediaAcquisition(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrNegotiationTimeout):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		logging.Warning(logging.CategoryControl, "request failed path=%s: %v", c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
