package httpapi

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/petrijr/flowgrid/pkg/api"
)

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

// param returns a path parameter. IDs may carry escaped slashes, such as
// engine task IDs of the form <instance>/<step>.
func param(c echo.Context, name string) string {
	raw := c.Param(name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// POST /v1/definitions
func (s *Server) registerDefinition(c echo.Context) error {
	var def api.WorkflowDefinition
	if err := bind(c, &def); err != nil {
		return err
	}
	if err := s.engine.RegisterDefinition(c.Request().Context(), def); err != nil {
		return err
	}
	if def.Version == "" {
		def.Version = api.DefaultVersion
	}
	return c.JSON(http.StatusCreated, def)
}

// GET /v1/definitions/:id?version=
func (s *Server) getDefinition(c echo.Context) error {
	def, err := s.engine.Definition(c.Request().Context(), param(c, "id"), c.QueryParam("version"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// POST /v1/workflows
func (s *Server) startWorkflow(c echo.Context) error {
	var req startRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.DefinitionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "definition_id is required")
	}
	id, err := s.engine.StartWorkflowVersion(c.Request().Context(), req.DefinitionID, req.Version, req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, startResponse{InstanceID: id})
}

// GET /v1/workflows?definition_id=&status=
func (s *Server) listWorkflows(c echo.Context) error {
	insts, err := s.engine.ListInstances(c.Request().Context(), api.InstanceListOptions{
		DefinitionID: c.QueryParam("definition_id"),
		Status:       api.Status(c.QueryParam("status")),
	})
	if err != nil {
		return err
	}
	if insts == nil {
		insts = []*api.WorkflowInstance{}
	}
	return c.JSON(http.StatusOK, insts)
}

// GET /v1/workflows/:id
func (s *Server) getWorkflow(c echo.Context) error {
	inst, err := s.engine.GetWorkflowStatus(c.Request().Context(), param(c, "id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

// POST /v1/workflows/:id/cancel
func (s *Server) cancelWorkflow(c echo.Context) error {
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.engine.CancelWorkflow(c.Request().Context(), param(c, "id"), req.Reason); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /v1/queues/:queue/tasks
func (s *Server) submitTask(c echo.Context) error {
	var req submitRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	task := api.Task{
		ID:           req.ID,
		Queue:        param(c, "queue"),
		Payload:      req.Payload,
		MaxAttempts:  req.MaxAttempts,
		ExclusiveKey: req.ExclusiveKey,
	}
	if req.Retry != nil {
		task.Retry = *req.Retry
	}
	id, err := s.queue.Enqueue(c.Request().Context(), task)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, submitResponse{TaskID: id})
}

// POST /v1/queues/:queue/lease
func (s *Server) leaseTask(c echo.Context) error {
	var req leaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.NodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id is required")
	}
	task, err := s.queue.Lease(c.Request().Context(), param(c, "queue"), req.NodeID, req.LeaseDuration)
	if err != nil {
		return err
	}
	if task == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, task)
}

// GET /v1/tasks/:id
func (s *Server) getTask(c echo.Context) error {
	task, err := s.queue.Get(c.Request().Context(), param(c, "id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// POST /v1/tasks/:id/ack
func (s *Server) ackTask(c echo.Context) error {
	var req ackRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	task, err := s.queue.Ack(c.Request().Context(), param(c, "id"), req.Owner, req.Result)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// POST /v1/tasks/:id/fail
func (s *Server) failTask(c echo.Context) error {
	var req failRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	task, err := s.queue.Fail(c.Request().Context(), param(c, "id"), req.Owner, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// POST /v1/tasks/:id/defer
func (s *Server) deferTask(c echo.Context) error {
	var req deferRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	task, err := s.queue.Defer(c.Request().Context(), param(c, "id"), req.Owner, req.Delay)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// POST /v1/tasks/:id/extend
func (s *Server) extendTask(c echo.Context) error {
	var req extendRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.queue.Extend(c.Request().Context(), param(c, "id"), req.Owner, req.LeaseDuration); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// POST /v1/nodes
func (s *Server) joinNode(c echo.Context) error {
	var req joinRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.NodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id is required")
	}
	node, err := s.nodes.Join(c.Request().Context(), req.NodeID, req.Capacity)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, node)
}

// GET /v1/nodes
func (s *Server) listNodes(c echo.Context) error {
	nodes, err := s.nodes.ListActive(c.Request().Context())
	if err != nil {
		return err
	}
	if nodes == nil {
		nodes = []api.Node{}
	}
	return c.JSON(http.StatusOK, nodes)
}

// POST /v1/nodes/:id/heartbeat
func (s *Server) heartbeat(c echo.Context) error {
	if err := s.nodes.Heartbeat(c.Request().Context(), param(c, "id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DELETE /v1/nodes/:id
func (s *Server) leaveNode(c echo.Context) error {
	if err := s.nodes.Leave(c.Request().Context(), param(c, "id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
