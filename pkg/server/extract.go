package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"storyboard/pkg/pipeline"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

type extractReq struct {
	// Script overrides the project's episode scripts.
	Script    string `json:"script,omitempty"`
	EpisodeID string `json:"episodeId,omitempty"`
}

// projectScript picks the text to read characters or scenes from: the request's script, one
// episode, or every episode in order.
func projectScript(p *schema.Project, req extractReq) string {
	if s := strings.TrimSpace(req.Script); s != "" {
		return pipeline.CleanScript(s)
	}
	var parts []string
	for _, ep := range p.Episodes {
		if req.EpisodeID != "" && ep.ID != req.EpisodeID {
			continue
		}
		parts = append(parts, ep.Script)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// saveProjectMeta stores characters and scenes without touching the episodes.
func (s *Server) saveProjectMeta(ctx context.Context, p *schema.Project) error {
	episodes := p.Episodes
	p.Episodes = nil
	defer func() { p.Episodes = episodes }()
	return s.DB.SaveProject(ctx, p)
}

// POST /api/projects/:id/characters/extract (SSE)
func (s *Server) handleExtractCharacters(c echo.Context) error {
	p, script, err := s.extractInput(c)
	if err != nil {
		return err
	}
	log.Info("extracting characters", "project", p.ID, "chars", len(script))

	return s.stream(c, p.ID, func(ctx context.Context, progress pipeline.Progress) (any, error) {
		chars, err := s.Pipeline.ExtractCharacters(ctx, script, p.Characters, progress)
		if err != nil {
			return nil, err
		}
		p.Characters = chars
		if err := s.saveProjectMeta(ctx, p); err != nil {
			return chars, err
		}
		return chars, nil
	})
}

// POST /api/projects/:id/scenes/extract (SSE)
func (s *Server) handleExtractScenes(c echo.Context) error {
	p, script, err := s.extractInput(c)
	if err != nil {
		return err
	}
	log.Info("extracting scenes", "project", p.ID, "chars", len(script))

	return s.stream(c, p.ID, func(ctx context.Context, progress pipeline.Progress) (any, error) {
		scenes, err := s.Pipeline.ExtractScenes(ctx, script, p.Scenes, progress)
		if err != nil {
			return nil, err
		}
		p.Scenes = scenes
		if err := s.saveProjectMeta(ctx, p); err != nil {
			return scenes, err
		}
		return scenes, nil
	})
}

func (s *Server) extractInput(c echo.Context) (*schema.Project, string, error) {
	p, err := s.DB.GetProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, "", errStatus(c, err)
	}
	var req extractReq
	if err := c.Bind(&req); err != nil {
		return nil, "", echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	script := projectScript(p, req)
	if script == "" {
		return nil, "", c.JSON(http.StatusBadRequest, utils.ErrJSON("project has no script"))
	}
	return p, script, nil
}

// POST /api/projects/:id/characters/:cid/supplement (SSE). Stages that finished before a failure
// are kept and saved.
func (s *Server) handleSupplement(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.DB.GetProject(ctx, c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	idx := -1
	for i, ch := range p.Characters {
		if ch.ID == c.Param("cid") {
			idx = i
			break
		}
	}
	if idx < 0 {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("character not found"))
	}
	var req extractReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	script := projectScript(p, req)

	return s.stream(c, p.ID, func(ctx context.Context, progress pipeline.Progress) (any, error) {
		char, err := s.Pipeline.Supplement(ctx, p.Settings, p.Characters[idx], script, progress)
		p.Characters[idx] = char
		if saveErr := s.saveProjectMeta(ctx, p); saveErr != nil {
			log.Error("failed to save character", "project", p.ID, "character", char.ID, "error", saveErr)
			if err == nil {
				err = saveErr
			}
		}
		return char, err
	})
}
