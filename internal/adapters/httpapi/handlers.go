package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	scanerrors "scanqa/internal/errors"
	"scanqa/internal/evaluation"
	"scanqa/internal/reconcile"
	"scanqa/internal/review"
	"scanqa/pkg/domain"
)

func currentUser(c echo.Context) domain.User {
	user, _ := c.Get(userKey).(domain.User)
	return user
}

// requireSuperuser guards administrative routes: bulk import and export,
// membership changes and evaluation dispatch.
func requireSuperuser(c echo.Context) error {
	if !currentUser(c).Superuser {
		return scanerrors.Forbidden(scanerrors.NewStd("this action requires a superuser"))
	}
	return nil
}

func (s *Server) lockExperiment(c echo.Context) error {
	exp, err := s.deps.Reviews.Acquire(c.Request().Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

func (s *Server) unlockExperiment(c echo.Context) error {
	exp, err := s.deps.Reviews.Release(c.Request().Context(), c.Param("id"), currentUser(c).ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

type decisionRequest struct {
	ScanID string `json:"scan_id"`
	review.DecisionInput
}

func (s *Server) createDecision(c echo.Context) error {
	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.ScanID == "" {
		return scanerrors.ValidationError("scan_id is required")
	}
	decision, err := s.deps.Reviews.WriteDecision(c.Request().Context(), req.ScanID, currentUser(c).ID, req.DecisionInput)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, decision)
}

func (s *Server) importProject(c echo.Context) error {
	return s.runReconcile(c, c.Param("id"), s.deps.Reconcile.Import)
}

func (s *Server) exportProject(c echo.Context) error {
	return s.runReconcile(c, c.Param("id"), s.deps.Reconcile.Export)
}

func (s *Server) importGlobal(c echo.Context) error {
	return s.runReconcile(c, "", s.deps.Reconcile.Import)
}

func (s *Server) exportGlobal(c echo.Context) error {
	return s.runReconcile(c, "", s.deps.Reconcile.Export)
}

type reconcileFunc func(ctx context.Context, projectID string) (reconcile.Report, error)

func (s *Server) runReconcile(c echo.Context, projectID string, run reconcileFunc) error {
	if err := requireSuperuser(c); err != nil {
		return err
	}
	report, err := run(c.Request().Context(), projectID)
	if err != nil {
		return err
	}
	if report.Warnings == nil {
		report.Warnings = []reconcile.Warning{}
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) projectStatus(c echo.Context) error {
	ctx := c.Request().Context()
	projectID := c.Param("id")
	if _, err := s.deps.Service.UserRole(ctx, projectID, currentUser(c).ID); err != nil {
		return err
	}
	status, err := s.deps.Service.ProjectStatus(ctx, projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

type groupRequest struct {
	Usernames []string `json:"usernames"`
}

func (s *Server) updateGroup(c echo.Context) error {
	if err := requireSuperuser(c); err != nil {
		return err
	}
	var req groupRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	update, err := s.deps.Service.UpdateGroup(c.Request().Context(), c.Param("id"), domain.PermissionGroup(c.Param("group")), req.Usernames)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, update)
}

func (s *Server) dispatchEvaluations(c echo.Context) error {
	if err := requireSuperuser(c); err != nil {
		return err
	}
	var batch evaluation.Batch
	if err := json.NewDecoder(c.Request().Body).Decode(&batch); err != nil {
		return scanerrors.InvalidFormat("evaluation request must map project ids to frame ids: " + err.Error())
	}
	if batch.Size() == 0 {
		return scanerrors.ValidationError("no frames to evaluate")
	}
	job, err := s.deps.Jobs.Dispatch(c.Request().Context(), batch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) evaluateFrame(c echo.Context) error {
	if err := requireSuperuser(c); err != nil {
		return err
	}
	job, err := s.deps.Jobs.DispatchFrame(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) getJob(c echo.Context) error {
	job, ok := s.deps.Jobs.GetJob(c.Param("id"))
	if !ok {
		return scanerrors.NotFound("evaluation job", c.Param("id"))
	}
	if err := s.authorizeJob(c, job); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// authorizeJob lets superusers see every job and everyone else only jobs
// whose projects they hold a role on.
func (s *Server) authorizeJob(c echo.Context, job evaluation.Job) error {
	user := currentUser(c)
	if user.Superuser {
		return nil
	}
	ctx := c.Request().Context()
	projects := job.Batch.ProjectIDs()
	if job.FrameID != "" {
		projectID, err := s.deps.Service.FrameProjectID(ctx, job.FrameID)
		if err != nil {
			return scanerrors.Forbidden(scanerrors.NewStd("evaluation job is not visible to this user"))
		}
		projects = append(projects, projectID)
	}
	return s.deps.Service.RequireRead(ctx, user.ID, projects...)
}
