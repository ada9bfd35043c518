package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"storyboard/pkg/events"
	"storyboard/pkg/grid"
	"storyboard/pkg/pipeline"
	"storyboard/pkg/queue"
	"storyboard/pkg/schema"
	"storyboard/pkg/state"
	"storyboard/pkg/utils"
)

var (
	errNotLoaded  = state.ErrNotLoaded
	errNoSuchGrid = errors.New("no such grid")
)

// POST /api/episodes/:id/select loads the episode, restores its unapplied grid results and starts a
// background scan for image tasks left unfinished by an earlier session.
func (s *Server) handleSelectEpisode(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.DB.GetEpisode(ctx, id); err != nil {
		return errStatus(c, err)
	}

	ticket := s.guard.Select(id)
	s.State.Dispatch(ctx, state.SelectEpisode{EpisodeID: id})
	if _, err := s.State.Load(ctx, id, s.DB.GetEpisode); err != nil {
		return errStatus(c, err)
	}
	s.State.Restore(ctx, id)
	go s.resume(ticket)

	st, _ := s.State.Episode(id)
	return c.JSON(http.StatusOK, st)
}

// POST /api/episodes/:id/resume scans the selected episode again. A scan still running for it stops
// writing results.
func (s *Server) handleResume(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if s.guard.Selected() != id {
		return c.JSON(http.StatusConflict, utils.ErrJSON("episode is not selected"))
	}
	ep, err := s.State.Load(ctx, id, s.DB.GetEpisode)
	if err != nil {
		return errStatus(c, err)
	}
	go s.resume(s.guard.Begin(id))
	return c.JSON(http.StatusAccepted, map[string]any{"episodeId": id, "pending": len(grid.Pending(ep.Shots))})
}

func (s *Server) resume(ticket grid.Ticket) {
	id := ticket.EpisodeID()
	st, ok := s.State.Episode(id)
	if !ok || len(grid.Pending(st.Shots)) == 0 {
		s.Events.Emit(events.ResumeDone, id, grid.Report{})
		return
	}

	s.State.Dispatch(s.Ctx, state.SetResuming{EpisodeID: id, On: true})
	_, report := s.resumer.Resume(s.Ctx, ticket, st.Shots, st.Grids)
	s.State.Dispatch(context.WithoutCancel(s.Ctx), state.SetResuming{EpisodeID: id, On: false})

	log.Info("resume scan finished", "episode", id, "checked", report.Checked, "resolved", report.Resolved,
		"failed", report.Failed, "pending", report.Pending, "errored", report.Errored, "aborted", report.Aborted)
	s.Events.Emit(events.ResumeDone, id, report)
}

// GET /api/episodes/:id/state
func (s *Server) handleGetState(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.State.Episode(id)
	if !ok {
		return c.JSON(http.StatusNotFound, utils.ErrJSON(errNotLoaded.Error()))
	}
	applied := make([]int, 0)
	for g := range grid.Applied(st.Shots) {
		applied = append(applied, g)
	}
	slices.Sort(applied)
	_, batch := s.batches.Load(id)

	return c.JSON(http.StatusOK, map[string]any{
		"state":        st,
		"selected":     s.guard.Selected() == id,
		"gridCount":    grid.Count(len(st.Shots)),
		"applied":      applied,
		"pending":      grid.Pending(st.Shots),
		"batchRunning": batch,
	})
}

// storeGridResult records a finished task, whether it came from a generation or a resume scan.
func (s *Server) storeGridResult(episodeID string, res schema.GridResult) {
	if res.URL == "" && res.Failure == nil {
		return
	}
	s.State.Dispatch(s.Ctx, state.SetGridResult{EpisodeID: episodeID, Result: res})
	s.Events.Emit(events.GridResult, episodeID, res)
}

func (s *Server) emitGridProgress(episodeID string, gridIndex int, p grid.Progress) {
	s.Events.Emit(events.GridProgress, episodeID, map[string]any{
		"gridIndex": gridIndex,
		"taskCode":  p.TaskCode,
		"attempt":   p.Attempt,
		"elapsedMs": p.Elapsed.Milliseconds(),
		"status":    p.Status,
	})
}

// renderGrid is the flight work for one grid. It queues the image task behind any other running
// grid and records the outcome in the state store.
func (s *Server) renderGrid(ctx context.Context, k gridKey) (schema.GridResult, error) {
	st, ok := s.State.Episode(k.episodeID)
	if !ok {
		return schema.GridResult{}, errNotLoaded
	}
	start, end := grid.Bounds(k.grid, len(st.Shots))
	if start == end {
		return schema.GridResult{}, fmt.Errorf("%w: %d", errNoSuchGrid, k.grid)
	}
	p, err := s.DB.GetProject(ctx, st.ProjectID)
	if err != nil {
		return schema.GridResult{}, err
	}
	req := pipeline.GridPrompt(st.Shots[start:end], p.Settings, p.Characters)
	if req.Model == "" {
		req.Model = s.imageModel
	}

	s.State.Dispatch(ctx, state.SetGenerating{EpisodeID: k.episodeID, GridIndex: k.grid, On: true})
	defer s.State.Dispatch(context.WithoutCancel(ctx), state.SetGenerating{EpisodeID: k.episodeID, GridIndex: k.grid, On: false})

	name := fmt.Sprintf("grid %s/%d", k.episodeID, k.grid)
	respCh, errCh, err := s.queue.Add(ctx, name, func(ctx context.Context) (schema.GridResult, error) {
		res, err := s.generator.Generate(ctx, k.episodeID, k.grid, req)
		if ctx.Err() == nil {
			s.storeGridResult(k.episodeID, res)
		}
		return res, err
	})
	if err != nil {
		return schema.GridResult{GridIndex: k.grid}, err
	}
	return queue.Wait(respCh, errCh)
}

// generateGrid joins a running generation for the same grid. force skips a recent result.
func (s *Server) generateGrid(ctx context.Context, k gridKey, force bool) (schema.GridResult, error) {
	if force {
		return s.flights.Force(ctx, k)
	}
	return s.flights.Get(ctx, k)
}

func gridErrStatus(err error) int {
	switch {
	case errors.Is(err, schema.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, schema.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, grid.ErrStillRunning):
		return http.StatusAccepted
	case errors.Is(err, grid.ErrTaskFailed):
		return http.StatusBadGateway
	case errors.Is(err, errNotLoaded):
		return http.StatusConflict
	case errors.Is(err, errNoSuchGrid):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// gridParam validates :grid against the loaded episode.
func (s *Server) gridParam(c echo.Context) (state.EpisodeState, int, error) {
	id := c.Param("id")
	st, ok := s.State.Episode(id)
	if !ok {
		return st, 0, echo.NewHTTPError(http.StatusConflict, errNotLoaded.Error())
	}
	g, err := strconv.Atoi(c.Param("grid"))
	if err != nil || g < 0 || g >= grid.Count(len(st.Shots)) {
		return st, 0, echo.NewHTTPError(http.StatusBadRequest, errNoSuchGrid.Error())
	}
	return st, g, nil
}

type gridOutcome struct {
	res schema.GridResult
	err error
}

// POST /api/episodes/:id/grids/:grid?force=true&wait=false
//
// Generation outlives the request: a client that leaves early gets the result as a grid_result
// event instead.
func (s *Server) handleGenerateGrid(c echo.Context) error {
	id := c.Param("id")
	_, g, err := s.gridParam(c)
	if err != nil {
		return err
	}
	force := c.QueryParam("force") == "true"
	log.Info("generating grid", "episode", id, "grid", g, "force", force)

	done := make(chan gridOutcome, 1)
	go func() {
		res, err := s.generateGrid(s.Ctx, gridKey{id, g}, force)
		done <- gridOutcome{res, err}
	}()

	if c.QueryParam("wait") == "false" {
		return c.JSON(http.StatusAccepted, map[string]any{"gridIndex": g, "status": "queued"})
	}

	select {
	case <-c.Request().Context().Done():
		return nil
	case o := <-done:
		if o.err == nil {
			return c.JSON(http.StatusOK, o.res)
		}
		payload := failurePayload(o.err)
		payload["gridIndex"] = g
		if st, ok := s.State.Episode(id); ok && st.Failures[g] != nil {
			payload["failure"] = st.Failures[g]
		}
		if errors.Is(o.err, grid.ErrStillRunning) {
			payload["status"] = "running"
		}
		return c.JSON(gridErrStatus(o.err), payload)
	}
}

type batchReq struct {
	// Grids limits the batch. Empty means every grid that is neither applied nor finished.
	Grids []int `json:"grids,omitempty"`
	Force bool  `json:"force,omitempty"`
}

type batchSummary struct {
	Requested int    `json:"requested"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Aborted   bool   `json:"aborted"`
	Error     string `json:"error,omitempty"`
}

// batchTargets lists the grids a batch should render.
func batchTargets(st state.EpisodeState, req batchReq) []int {
	count := grid.Count(len(st.Shots))
	if len(req.Grids) > 0 {
		var out []int
		for _, g := range req.Grids {
			if g >= 0 && g < count && !slices.Contains(out, g) {
				out = append(out, g)
			}
		}
		slices.Sort(out)
		return out
	}

	applied := grid.Applied(st.Shots)
	var out []int
	for g := 0; g < count; g++ {
		if applied[g] {
			continue
		}
		if !req.Force && g < len(st.Grids) && st.Grids[g] != "" {
			continue
		}
		out = append(out, g)
	}
	return out
}

// POST /api/episodes/:id/grids/batch renders grids one after another in the background. Progress
// arrives as grid_result events and a final batch_done event.
func (s *Server) handleGenerateBatch(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.State.Episode(id)
	if !ok {
		return c.JSON(http.StatusConflict, utils.ErrJSON(errNotLoaded.Error()))
	}
	var req batchReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	targets := batchTargets(st, req)
	if len(targets) == 0 {
		return c.JSON(http.StatusOK, map[string]any{"grids": []int{}, "status": "nothing to generate"})
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	if _, running := s.batches.LoadOrStore(id, cancel); running {
		cancel()
		return c.JSON(http.StatusConflict, utils.ErrJSON("a batch is already running for this episode"))
	}
	log.Info("starting batch generation", "episode", id, "grids", targets)

	go s.runBatch(ctx, cancel, id, targets, req.Force)
	return c.JSON(http.StatusAccepted, map[string]any{"grids": targets, "status": "queued"})
}

func (s *Server) runBatch(ctx context.Context, cancel context.CancelFunc, episodeID string, targets []int, force bool) {
	defer s.batches.Delete(episodeID)
	defer cancel()

	summary := batchSummary{Requested: len(targets)}
	for _, g := range targets {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}
		_, err := s.generateGrid(ctx, gridKey{episodeID, g}, force)
		switch {
		case err == nil:
			summary.Succeeded++
			continue
		case errors.Is(err, context.Canceled):
			summary.Aborted = true
		default:
			summary.Failed++
			log.Warn("batch grid failed", "episode", episodeID, "grid", g, "error", err)
		}
		if schema.Permanent(err) {
			summary.Error = err.Error()
			break
		}
		if summary.Aborted {
			break
		}
	}

	log.Info("batch generation finished", "episode", episodeID, "requested", summary.Requested,
		"succeeded", summary.Succeeded, "failed", summary.Failed, "aborted", summary.Aborted)
	s.Events.Emit(events.BatchDone, episodeID, summary)
}

// DELETE /api/episodes/:id/grids/batch stops the batch before its next grid. A task already
// created keeps running remotely and is picked up by the next resume scan.
func (s *Server) handleAbortBatch(c echo.Context) error {
	id := c.Param("id")
	cancel, ok := s.batches.Load(id)
	if !ok {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("no batch is running for this episode"))
	}
	cancel()
	log.Info("batch generation aborted", "episode", id)
	return c.JSON(http.StatusAccepted, map[string]any{"episodeId": id, "status": "aborting"})
}

type applyReq struct {
	// Grids limits which finished grids are applied. Empty means all of them.
	Grids []int `json:"grids,omitempty"`
}

// POST /api/episodes/:id/grids/apply writes the finished grid images onto their shots. When the
// remote save fails the local result stands and the response carries a warning.
func (s *Server) handleApplyGrids(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, ok := s.State.Episode(id); !ok {
		return c.JSON(http.StatusConflict, utils.ErrJSON(errNotLoaded.Error()))
	}
	var req applyReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	if _, busy := s.applying.LoadOrStore(id, true); busy {
		return c.JSON(http.StatusConflict, utils.ErrJSON("grids are already being applied"))
	}
	defer s.applying.Delete(id)
	s.State.Dispatch(ctx, state.SetApplying{EpisodeID: id, On: true})
	defer s.State.Dispatch(context.WithoutCancel(ctx), state.SetApplying{EpisodeID: id, On: false})

	shots, applied, err := s.State.ApplyGrids(ctx, id, req.Grids, s.applier)
	var syncErr *grid.SyncError
	switch {
	case errors.Is(err, grid.ErrNothingToApply):
		return c.JSON(http.StatusBadRequest, utils.ErrJSON(err.Error()))
	case errors.Is(err, state.ErrNotLoaded):
		return c.JSON(http.StatusConflict, utils.ErrJSON(err.Error()))
	case errors.As(err, &syncErr):
		log.Warn("grids applied locally but not saved", "episode", id, "grids", applied, "error", syncErr.Err)
		s.Events.Emit(events.SyncFailed, id, map[string]any{"grids": applied, "error": syncErr.Error()})
	case err != nil:
		log.Error("failed to apply grids", "episode", id, "error", err)
		return errStatus(c, err)
	}

	for _, g := range applied {
		s.flights.Forget(gridKey{id, g})
	}
	s.Events.Emit(events.GridsApplied, id, applied)
	log.Info("grids applied", "episode", id, "grids", applied)

	resp := map[string]any{"applied": applied, "shots": shots}
	if syncErr != nil {
		resp["warning"] = syncErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
