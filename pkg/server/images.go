package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/segmentio/ksuid"

	"storyboard/pkg/imageutil"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

const cellQuality = 90

var errBadGridImage = errors.New("grid image cannot be split")

// POST /api/episodes/:id/grids/:grid/image takes a grid image made elsewhere. It is stored as WebP
// and becomes the grid's unapplied result, exactly like a generated one.
func (s *Server) handleUploadGrid(c echo.Context) error {
	id := c.Param("id")
	_, g, err := s.gridParam(c)
	if err != nil {
		return err
	}
	if s.Uploader == nil {
		return c.JSON(http.StatusServiceUnavailable, utils.ErrJSON("image storage is not configured"))
	}

	fh, err := c.FormFile("image")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing image file")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable image file")
	}
	defer f.Close()

	data, err := imageutil.ToWebP(f)
	if err != nil {
		log.Warn("rejected grid upload", "episode", id, "grid", g, "error", err)
		return c.JSON(http.StatusBadRequest, utils.ErrJSON(err.Error()))
	}

	name := path.Join("grids", utils.SanitizeFilename(id), fmt.Sprintf("%d-%s.webp", g, ksuid.New().String()))
	url, err := s.Uploader.Upload(c.Request().Context(), bytes.NewReader(data), int64(len(data)), name, "image/webp")
	if err != nil {
		log.Error("failed to store grid upload", "episode", id, "grid", g, "error", err)
		return errStatus(c, err)
	}

	res := schema.GridResult{GridIndex: g, URL: url}
	s.storeGridResult(id, res)
	s.flights.Forget(gridKey{id, g})
	log.Info("grid image uploaded", "episode", id, "grid", g, "url", url, "bytes", len(data))
	return c.JSON(http.StatusOK, res)
}

// GET /api/episodes/:id/shots/:seq/cell crops the shot's panel out of its applied grid image.
func (s *Server) handleGetCell(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var shots []schema.Shot
	if st, ok := s.State.Episode(id); ok {
		shots = st.Shots
	} else {
		ep, err := s.DB.GetEpisode(ctx, id)
		if err != nil {
			return errStatus(c, err)
		}
		shots = ep.Shots
	}

	shot, ok := shotBySeq(shots, c.Param("seq"))
	if !ok {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("shot not found"))
	}
	if shot.StoryboardGridURL == "" || shot.StoryboardGridCellIndex == nil {
		return c.JSON(http.StatusNotFound, utils.ErrJSON("shot has no grid image"))
	}

	cells, err := s.cells.Get(ctx, shot.StoryboardGridURL)
	switch {
	case errors.Is(err, errBadGridImage):
		return c.JSON(http.StatusUnprocessableEntity, utils.ErrJSON(err.Error()))
	case err != nil:
		log.Warn("failed to load grid image", "episode", id, "seq", shot.Seq, "error", err)
		return c.JSON(http.StatusBadGateway, utils.ErrJSON(err.Error()))
	}
	idx := *shot.StoryboardGridCellIndex
	if idx < 0 || idx >= len(cells) {
		return c.JSON(http.StatusUnprocessableEntity, utils.ErrJSON(fmt.Sprintf("cell %d out of range", idx)))
	}
	data := cells[idx]

	c.Response().Header().Set("Cache-Control", "public, max-age=3600")
	return c.Blob(http.StatusOK, "image/webp", data)
}

// splitGrid downloads a grid image once and encodes all nine cells, so neighbouring shots reuse it.
func (s *Server) splitGrid(ctx context.Context, url string) ([][]byte, error) {
	img, err := imageutil.Fetch(ctx, s.HTTP, url)
	if err != nil {
		return nil, err
	}
	cells, err := imageutil.SplitGrid(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadGridImage, err)
	}
	out := make([][]byte, len(cells))
	for i, cell := range cells {
		if out[i], err = imageutil.EncodeWebP(cell, cellQuality); err != nil {
			return nil, fmt.Errorf("%w: cell %d: %v", errBadGridImage, i, err)
		}
	}
	log.Debug("split grid image", "url", url)
	return out, nil
}
