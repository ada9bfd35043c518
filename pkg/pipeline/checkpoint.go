package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/charmbracelet/log"

	"storyboard/pkg/schema"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

const (
	checkpointPrefix = "pipeline:"
	compressedPrefix = "gz:"
	// compressAbove is the encoded size from which checkpoints are stored gzipped.
	compressAbove = 256 << 10
)

// Checkpoint is the shot-list state after the last completed stage.
type Checkpoint struct {
	EpisodeID string                 `json:"episodeId"`
	Analysis  *schema.ScriptAnalysis `json:"analysis,omitempty"`
	Strategy  *schema.VisualStrategy `json:"strategy,omitempty"`
	Plan      *schema.ShotPlan       `json:"plan,omitempty"`
	Designed  []schema.DesignedShot  `json:"designed,omitempty"`
	// DesignedBatches counts completed design batches.
	DesignedBatches int `json:"designedBatches,omitempty"`
}

func checkpointKey(episodeID string) string { return checkpointPrefix + episodeID }

func (p *Pipeline) loadCheckpoint(ctx context.Context, episodeID string) *Checkpoint {
	if p.KV == nil || episodeID == "" {
		return nil
	}
	raw, ok, err := p.KV.Get(ctx, checkpointKey(episodeID))
	if err != nil {
		log.Warn("failed to read checkpoint", "episode", episodeID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if rest, found := strings.CutPrefix(raw, compressedPrefix); found {
		if raw, err = utils.DecompressFromBase64(rest); err != nil {
			log.Warn("failed to decompress checkpoint", "episode", episodeID, "error", err)
			return nil
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		log.Warn("discarding unreadable checkpoint", "episode", episodeID, "error", err)
		return nil
	}
	return &cp
}

func (p *Pipeline) saveCheckpoint(ctx context.Context, cp *Checkpoint) {
	if p.KV == nil || cp.EpisodeID == "" {
		return
	}
	b, err := json.Marshal(cp)
	if err != nil {
		log.Warn("failed to encode checkpoint", "episode", cp.EpisodeID, "error", err)
		return
	}
	value := string(b)
	if len(value) > compressAbove {
		if z, err := utils.CompressToBase64(value); err == nil {
			value = compressedPrefix + z
		}
	}
	store.SetBestEffort(ctx, p.KV, checkpointKey(cp.EpisodeID), value)
}

// ClearCheckpoint removes the saved shot-list state of an episode.
func (p *Pipeline) ClearCheckpoint(ctx context.Context, episodeID string) {
	if p.KV == nil || episodeID == "" {
		return
	}
	if err := p.KV.Delete(ctx, checkpointKey(episodeID)); err != nil {
		log.Warn("failed to remove checkpoint", "episode", episodeID, "error", err)
	}
}
