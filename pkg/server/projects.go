package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"

	"storyboard/pkg/pipeline"
	"storyboard/pkg/schema"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

// GET /api/projects
func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.DB.ListProjects(c.Request().Context())
	if err != nil {
		log.Error("failed to list projects", "error", err)
		return errStatus(c, err)
	}
	return c.JSON(http.StatusOK, projects)
}

type projectReq struct {
	Name       string             `json:"name"`
	Settings   schema.Settings    `json:"settings"`
	Characters []schema.Character `json:"characters"`
	Scenes     []schema.Scene     `json:"scenes"`
}

// POST /api/projects
func (s *Server) handlePostProject(c echo.Context) error {
	var req projectReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, utils.ErrJSON("name is required"))
	}

	p := schema.Project{
		ID:         ksuid.New().String(),
		Name:       req.Name,
		Settings:   req.Settings,
		Characters: req.Characters,
		Scenes:     req.Scenes,
		CreatedAt:  time.Now(),
	}
	if err := s.DB.SaveProject(c.Request().Context(), &p); err != nil {
		log.Error("failed to create project", "error", err)
		return errStatus(c, err)
	}
	log.Info("project created", "project", p.ID, "name", p.Name)
	return c.JSON(http.StatusCreated, p)
}

// GET /api/projects/:id
func (s *Server) handleGetProject(c echo.Context) error {
	p, err := s.DB.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// PUT /api/projects/:id replaces name, settings, characters and scenes. Episodes are left alone.
func (s *Server) handlePutProject(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.DB.GetProject(ctx, c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	var req projectReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		p.Name = name
	}
	p.Settings = req.Settings
	if req.Characters != nil {
		p.Characters = req.Characters
	}
	if req.Scenes != nil {
		p.Scenes = req.Scenes
	}

	episodes := p.Episodes
	p.Episodes = nil
	if err := s.DB.SaveProject(ctx, p); err != nil {
		log.Error("failed to update project", "project", p.ID, "error", err)
		return errStatus(c, err)
	}
	p.Episodes = episodes
	return c.JSON(http.StatusOK, p)
}

// DELETE /api/projects/:id
func (s *Server) handleDeleteProject(c echo.Context) error {
	if err := s.DB.DeleteProject(c.Request().Context(), c.Param("id")); err != nil {
		return errStatus(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type scriptReq struct {
	Script string `json:"script"`
	// Replace rewrites episodes that already exist, dropping their shots.
	Replace bool `json:"replace,omitempty"`
}

// POST /api/projects/:id/script cleans the script and splits it into episodes. Unless Replace is
// set, an episode whose index already exists gets the new text and keeps its shots.
func (s *Server) handlePostScript(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.DB.GetProject(ctx, c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	var req scriptReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}

	parts := pipeline.SplitEpisodes(pipeline.CleanScript(req.Script))
	if len(parts) == 0 {
		return c.JSON(http.StatusBadRequest, utils.ErrJSON("script is empty"))
	}

	existing := make(map[int]schema.Episode, len(p.Episodes))
	for _, ep := range p.Episodes {
		existing[ep.Index] = ep
	}

	var tokens int
	out := make([]schema.Episode, 0, len(parts))
	for _, part := range parts {
		tokens += part.Tokens
		if ep, ok := existing[part.Index]; ok && !req.Replace {
			title, script := part.Title, part.Script
			if err := s.DB.PatchEpisode(ctx, ep.ID, store.EpisodePatch{Title: &title, Script: &script}); err != nil {
				return errStatus(c, err)
			}
			ep.Title, ep.Script = title, script
			out = append(out, ep)
			continue
		}
		ep := schema.Episode{
			ID:     ksuid.New().String(),
			Index:  part.Index,
			Title:  part.Title,
			Script: part.Script,
		}
		if old, ok := existing[part.Index]; ok {
			ep.ID = old.ID
		}
		if err := s.DB.SaveEpisode(ctx, p.ID, &ep); err != nil {
			return errStatus(c, err)
		}
		out = append(out, ep)
	}

	log.Info("script imported", "project", p.ID, "episodes", len(out), "tokens", tokens)
	return c.JSON(http.StatusOK, map[string]any{
		"episodes": out,
		"tokens":   tokens,
	})
}

// GET /api/episodes/:id
func (s *Server) handleGetEpisode(c echo.Context) error {
	ep, err := s.DB.GetEpisode(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(http.StatusOK, ep)
}

type episodePatchReq struct {
	Title  *string        `json:"title"`
	Script *string        `json:"script"`
	Shots  *[]schema.Shot `json:"shots"`
}

// PATCH /api/episodes/:id
func (s *Server) handlePatchEpisode(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	var req episodePatchReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	patch := store.EpisodePatch{Title: req.Title, Script: req.Script, Shots: req.Shots}
	_, loaded := s.State.Episode(id)
	if loaded {
		// Shots of a loaded episode are saved through the state store, in order with task metadata.
		patch.Shots = nil
	}
	if err := s.DB.PatchEpisode(ctx, id, patch); err != nil {
		return errStatus(c, err)
	}
	if loaded && req.Shots != nil {
		if err := s.State.PatchShots(ctx, id, *req.Shots); err != nil {
			return errStatus(c, err)
		}
	}
	ep, err := s.DB.GetEpisode(ctx, id)
	if err != nil {
		return errStatus(c, err)
	}
	return c.JSON(http.StatusOK, ep)
}
