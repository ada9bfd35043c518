package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"storyboard/pkg/pipeline"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

// episodeWithProject loads an episode and the project it belongs to.
func (s *Server) episodeWithProject(ctx context.Context, episodeID string) (*schema.Episode, *schema.Project, error) {
	ep, err := s.DB.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.DB.GetProject(ctx, ep.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return ep, p, nil
}

// saveShots goes through the state store when the episode is loaded so open views see the change.
func (s *Server) saveShots(ctx context.Context, episodeID string, shots []schema.Shot) error {
	if _, loaded := s.State.Episode(episodeID); loaded {
		return s.State.PatchShots(ctx, episodeID, shots)
	}
	return s.DB.PatchShots(ctx, episodeID, shots)
}

type generateShotsReq struct {
	// Fresh ignores a saved checkpoint and runs every stage again.
	Fresh bool `json:"fresh,omitempty"`
}

// POST /api/episodes/:id/shots/generate (SSE)
func (s *Server) handleGenerateShots(c echo.Context) error {
	ep, p, err := s.episodeWithProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	var req generateShotsReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json")
	}
	if ep.Script == "" {
		return c.JSON(http.StatusBadRequest, utils.ErrJSON("episode has no script"))
	}
	log.Info("generating shot list", "episode", ep.ID, "fresh", req.Fresh)

	return s.stream(c, ep.ID, func(ctx context.Context, progress pipeline.Progress) (any, error) {
		res, err := s.Pipeline.GenerateShots(ctx, pipeline.ShotListInput{
			EpisodeID:  ep.ID,
			Script:     ep.Script,
			Settings:   p.Settings,
			Characters: p.Characters,
			Scenes:     p.Scenes,
			Fresh:      req.Fresh,
		}, progress)
		if err != nil {
			return nil, err
		}
		if err := s.saveShots(ctx, ep.ID, res.Shots); err != nil {
			return res, err
		}
		log.Info("shot list saved", "episode", ep.ID, "shots", len(res.Shots), "revised", len(res.Diff))
		return res, nil
	})
}

// POST /api/episodes/:id/shots/prompts (SSE)
func (s *Server) handleExtractPrompts(c echo.Context) error {
	ep, p, err := s.episodeWithProject(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errStatus(c, err)
	}
	if len(ep.Shots) == 0 {
		return c.JSON(http.StatusBadRequest, utils.ErrJSON("episode has no shots"))
	}

	return s.stream(c, ep.ID, func(ctx context.Context, progress pipeline.Progress) (any, error) {
		shots, err := s.Pipeline.ExtractPrompts(ctx, ep.Shots, p.Settings, p.Characters, p.Scenes, progress)
		if err != nil {
			return nil, err
		}
		if err := s.saveShots(ctx, ep.ID, shots); err != nil {
			return shots, err
		}
		return shots, nil
	})
}

func shotBySeq(shots []schema.Shot, param string) (schema.Shot, bool) {
	seq, err := strconv.Atoi(param)
	if err != nil {
		return schema.Shot{}, false
	}
	for _, s := range shots {
		if s.Seq == seq {
			return s, true
		}
	}
	return schema.Shot{}, false
}
