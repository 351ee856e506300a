package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/workflow"
	"github.com/tianpai/kairos-sub000/internal/workflow/engine"
)

func newJobID() string {
	return uuid.NewString()
}

// handleHealth reports liveness.
// (GET /health)
func (s *Server) handleHealth(c echo.Context) error {
	status := s.Status()
	if status == StatusStarting && s.Addr() == "" {
		status = StatusReady
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:        string(status),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

// handleStart starts a workflow with the request body as initial context.
// (POST /jobs/:job/workflows/:workflow, POST /workflows/:workflow)
func (s *Server) handleStart(c echo.Context) error {
	jobID := strings.TrimSpace(c.Param("job"))
	if jobID == "" {
		jobID = s.newJobID()
	}
	initial, reqErr := s.readContext(c)
	if reqErr != nil {
		return c.JSON(reqErr.status, errorResponse{Error: reqErr.message})
	}
	snap, err := s.engine.StartWorkflow(c.Request().Context(), c.Param("workflow"), jobID, initial)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

// handleRetry retries the failed tasks of a job.
// (POST /jobs/:job/retry)
func (s *Server) handleRetry(c echo.Context) error {
	jobID := c.Param("job")
	retried, err := s.engine.RetryFailedTasks(c.Request().Context(), jobID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, retryResponse{JobID: jobID, Retried: retried})
}

// handleSteps returns the job's current snapshot.
// (GET /jobs/:job/steps)
func (s *Server) handleSteps(c echo.Context) error {
	snap, err := s.engine.GetWorkflowSteps(c.Request().Context(), c.Param("job"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// handleListJobs summarizes every persisted job.
// (GET /jobs)
func (s *Server) handleListJobs(c echo.Context) error {
	if s.jobs == nil {
		return c.JSON(http.StatusOK, []JobSummary{})
	}
	snaps, err := s.jobs.ListSnapshots(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]JobSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, JobSummary{
			JobID:        snap.JobID,
			WorkflowName: snap.WorkflowName,
			Status:       snap.Status,
			Error:        snap.Error,
			UpdatedAt:    snap.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// handleEvents streams the job's engine events as Server-Sent Events. The
// current snapshot is sent first so a reconnecting client can resync.
// (GET /jobs/:job/events)
func (s *Server) handleEvents(c echo.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "event stream unavailable"})
	}
	jobID := c.Param("job")
	sub := s.events.Subscribe(jobID)
	defer sub.Close()

	req := c.Request()
	res := c.Response()
	rc := http.NewResponseController(res.Writer)
	_ = rc.SetWriteDeadline(time.Time{})
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)

	if snap, err := s.engine.GetWorkflowSteps(req.Context(), jobID); err == nil {
		if err := s.writeEvent(res, eventbus.StateChanged{JobID: jobID, Snapshot: snap}); err != nil {
			return nil
		}
	}
	res.Flush()

	heartbeat := time.NewTicker(s.settings.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case evt, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := s.writeEvent(res, evt); err != nil {
				s.logger.Printf("eventbridge: stream %s: %v", jobID, err)
				return nil
			}
			res.Flush()
		}
	}
}

func (s *Server) writeEvent(w io.Writer, evt eventbus.Event) error {
	payload, err := json.Marshal(EncodeEvent(evt, s.now()))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type(), payload)
	return err
}

type requestError struct {
	status  int
	message string
}

// readContext decodes the optional JSON object body.
func (s *Server) readContext(c echo.Context) (map[string]any, *requestError) {
	body := c.Request().Body
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Response(), body, s.settings.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &requestError{http.StatusRequestEntityTooLarge, "payload exceeds limit"}
		}
		return nil, &requestError{http.StatusBadRequest, "unable to read body"}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var initial map[string]any
	if err := json.Unmarshal(data, &initial); err != nil {
		return nil, &requestError{http.StatusBadRequest, "body must be a JSON object"}
	}
	return initial, nil
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	var (
		unknownWorkflow *engine.UnknownWorkflowError
		unknownJob      *engine.UnknownJobError
		invalidState    *engine.InvalidStateError
		unknownTask     *workflow.UnknownTaskError
	)
	switch {
	case errors.As(err, &unknownWorkflow), errors.As(err, &unknownJob), errors.Is(err, workflow.ErrSnapshotNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.As(err, &invalidState):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &unknownTask):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		s.logger.Printf("eventbridge: %s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
