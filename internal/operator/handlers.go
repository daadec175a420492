package operator

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/recdeploy/internal/events"
	"github.com/lucasnoah/recdeploy/internal/record"
)

// RecordView is a record plus its rendered explanation.
type RecordView struct {
	*record.DeploymentRecord
	Summary string `json:"summary"`
}

// DecisionRequest is the body of approve and reject calls.
type DecisionRequest struct {
	ID      string `param:"id" json:"-" validate:"required,max=128,excludesall=/\\"`
	Comment string `json:"comment" validate:"max=2000"`
}

// CancelRequest is the body of a cancel call.
type CancelRequest struct {
	ID string `param:"id" json:"-" validate:"required,max=128,excludesall=/\\"`
}

// ListQuery filters the record list.
type ListQuery struct {
	Status string `query:"status" validate:"omitempty,oneof=running awaiting_approval succeeded failed rolled_back"`
}

func (s *Server) view(r *record.DeploymentRecord) RecordView {
	return RecordView{DeploymentRecord: r, Summary: s.deps.Explain(r)}
}

func (s *Server) lookup(id string) (*record.DeploymentRecord, error) {
	r, err := s.deps.Store.Get(id)
	switch {
	case errors.Is(err, record.ErrNotFound), errors.Is(err, record.ErrInvalidID):
		return nil, echo.NewHTTPError(http.StatusNotFound, "no record for "+id)
	case err != nil:
		s.logger.Error("load record", zap.String("rec", id), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "could not load record")
	}
	return r, nil
}

func (s *Server) handleList(c echo.Context) error {
	var q ListQuery
	if err := c.Bind(&q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query")
	}
	if err := c.Validate(&q); err != nil {
		return err
	}
	recs, err := s.deps.Store.List(record.Status(q.Status))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list records")
	}
	out := make([]RecordView, 0, len(recs))
	for i := range recs {
		out = append(out, s.view(&recs[i]))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGet(c echo.Context) error {
	r, err := s.lookup(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.view(r))
}

func (s *Server) handleEvents(c echo.Context) error {
	if s.deps.Events == nil {
		return echo.NewHTTPError(http.StatusNotFound, "audit log not configured")
	}
	id := c.Param("id")
	if _, err := s.lookup(id); err != nil {
		return err
	}
	evs, err := s.deps.Events.Events(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read audit log")
	}
	if evs == nil {
		evs = []events.Event{}
	}
	return c.JSON(http.StatusOK, evs)
}

// handleDecision records an approve or reject decision for a record that
// is awaiting approval. The waiting run, or a later resume, consumes it.
func (s *Server) handleDecision(decision string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req DecisionRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if err := c.Validate(&req); err != nil {
			return err
		}
		r, err := s.lookup(req.ID)
		if err != nil {
			return err
		}
		if r.CurrentStage != record.StageAwaitingApproval {
			return echo.NewHTTPError(http.StatusConflict, "record is "+string(r.CurrentStage)+", not awaiting approval")
		}
		who := operatorOf(c)
		sig, err := s.deps.Signals.Decide(req.ID, decision, req.Comment, who)
		if err != nil {
			s.logger.Error("record decision", zap.String("rec", req.ID), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "could not record decision")
		}
		s.logger.Info("decision recorded", zap.String("rec", req.ID), zap.String("decision", decision), zap.String("by", who))
		return c.JSON(http.StatusAccepted, sig)
	}
}

func (s *Server) handleCancel(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	r, err := s.lookup(req.ID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return echo.NewHTTPError(http.StatusConflict, "record already finished as "+string(r.CurrentStage))
	}
	who := operatorOf(c)
	if s.deps.Canceller != nil {
		err = s.deps.Canceller.Cancel(req.ID, who)
	} else {
		err = s.deps.Signals.RequestCancel(req.ID, who)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "could not request cancel")
	}
	s.logger.Info("cancel requested", zap.String("rec", req.ID), zap.String("by", who))
	return c.JSON(http.StatusAccepted, map[string]string{"recommendation_id": req.ID, "status": "cancel_requested"})
}
