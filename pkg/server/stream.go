package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"storyboard/pkg/events"
	"storyboard/pkg/pipeline"
	"storyboard/pkg/schema"
	"storyboard/pkg/utils"
)

// streamFunc runs one LLM job. On failure it may still return a partial result, or nil.
type streamFunc func(ctx context.Context, progress pipeline.Progress) (any, error)

// stream runs fn and reports it as server-sent events: "progress" for every pipeline event, then
// either "done" with the result or "error" (followed by "partial" when fn kept something). Pipeline
// events are also broadcast to websocket clients under scope.
func (s *Server) stream(c echo.Context, scope string, fn streamFunc) error {
	w, err := utils.NewSSEWriter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer w.Close()

	progress := func(e pipeline.Event) {
		if err := w.Event("progress", e); err != nil {
			log.Debug("failed to write progress event", "error", err)
		}
		s.Events.Emit(events.PipelineEvent, scope, e)
	}

	out, err := fn(c.Request().Context(), progress)
	if err != nil {
		log.Error("pipeline failed", "scope", scope, "error", err)
		_ = w.Event("error", failurePayload(err))
		if out != nil {
			return w.Event("partial", out)
		}
		return nil
	}
	return w.Event("done", out)
}

func failurePayload(err error) map[string]any {
	payload := map[string]any{
		"error":     err.Error(),
		"permanent": schema.Permanent(err),
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		payload["stage"] = se.Stage
		if se.Raw != "" {
			payload["raw"] = utils.LimitStr(se.Raw, 2000)
		}
	}
	return payload
}
