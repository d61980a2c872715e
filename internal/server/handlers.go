package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ShayCichocki/conductor/internal/dispatch"
	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// GoalRequest runs a goal with a scripted decider.
type GoalRequest struct {
	Goal   string              `json:"goal" binding:"required"`
	Script orchestrator.Script `json:"script"`
}

// SpawnRequest starts one task.
type SpawnRequest struct {
	Profile       string      `json:"profile" binding:"required"`
	Instruction   string      `json:"instruction"`
	Mode          models.Mode `json:"mode"`
	ResumeSession string      `json:"resume_session"`
}

// CollectRequest names the handles to collect.
type CollectRequest struct {
	Handles []string `json:"handles" binding:"required"`
}

// CollectResponse carries completed results. Pending lists handles that
// have not completed yet.
type CollectResponse struct {
	Results []models.DispatchResult `json:"results"`
	Pending []string                `json:"pending"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "profiles": s.cfg.Profiles.Len()})
}

func (s *Server) runGoal(c *gin.Context) {
	var req GoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	for _, round := range req.Script.Rounds {
		for _, d := range round {
			if _, err := models.ParseMode(string(d.Mode)); err != nil {
				c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
		}
	}

	sched := s.newScheduler()
	defer sched.Close()
	orch := orchestrator.New(orchestrator.RequiredConfig{
		Decider:   orchestrator.NewScriptedDecider(req.Script),
		Scheduler: sched,
		Sessions:  s.cfg.Sessions,
	}, s.orchestratorOptions()...)
	defer orch.Close()
	go discardEvents(orch)

	outcome, err := orch.Run(c.Request.Context(), req.Goal)
	if err != nil {
		s.logger.Info("goal failed", zap.String("goal", req.Goal), zap.Error(err))
		c.JSON(statusFor(err), outcome)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) spawn(c *gin.Context) {
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	h, err := s.orch.Spawn(c.Request.Context(), req.Profile, req.Instruction, req.Mode, req.ResumeSession)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, h)
}

func (s *Server) cancel(c *gin.Context) {
	if !s.orch.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "no running task " + c.Param("id")})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) collect(c *gin.Context) {
	var req CollectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	handles := make([]dispatch.Handle, len(req.Handles))
	for i, id := range req.Handles {
		handles[i] = dispatch.Handle{ID: id}
	}

	resp := CollectResponse{Results: []models.DispatchResult{}, Pending: []string{}}
	for _, h := range handles {
		got := s.orch.Collect(h)
		if len(got) == 0 {
			resp.Pending = append(resp.Pending, h.ID)
			continue
		}
		resp.Results = append(resp.Results, got...)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listSessions(c *gin.Context) {
	status := models.SessionStatus(c.Query("status"))
	list, err := s.cfg.Sessions.List(c.Request.Context(), status)
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	if list == nil {
		list = []*models.Session{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.cfg.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) listProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Profiles.All())
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownProfile), errors.Is(err, models.ErrRoundLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionBusy), errors.Is(err, models.ErrSessionClosed),
		errors.Is(err, models.ErrProfileMismatch):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
