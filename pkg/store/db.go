// Package store persists projects and episodes, keeps small local key-value state, and uploads
// images to object storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"storyboard/pkg/schema"
)

var ErrNotFound = errors.New("not found")

type projectRecord struct {
	ID         string             `gorm:"primaryKey"`
	Name       string             `gorm:"not null"`
	Settings   schema.Settings    `gorm:"serializer:json"`
	Characters []schema.Character `gorm:"serializer:json"`
	Scenes     []schema.Scene     `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (projectRecord) TableName() string { return "projects" }

type episodeRecord struct {
	ID        string `gorm:"primaryKey"`
	ProjectID string `gorm:"index;not null"`
	Index     int    `gorm:"column:episode_index"`
	Title     string
	Script    string
	Shots     []schema.Shot `gorm:"serializer:json"`
	UpdatedAt time.Time
}

func (episodeRecord) TableName() string { return "episodes" }

// EpisodePatch updates only the non-nil fields.
type EpisodePatch struct {
	Title  *string
	Script *string
	Shots  *[]schema.Shot
}

// DB is the remote project/episode persistence, backed by gorm.
type DB struct {
	db *gorm.DB
}

// Open opens (and migrates) the sqlite database at path. Use ":memory:" in tests.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; a single connection also keeps ":memory:" databases shared.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	return NewDB(db)
}

func NewDB(db *gorm.DB) (*DB, error) {
	if err := db.AutoMigrate(&projectRecord{}, &episodeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) SaveProject(ctx context.Context, p *schema.Project) error {
	rec := projectRecord{
		ID:         p.ID,
		Name:       p.Name,
		Settings:   p.Settings,
		Characters: p.Characters,
		Scenes:     p.Scenes,
		CreatedAt:  p.CreatedAt,
	}
	if err := d.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	p.UpdatedAt = rec.UpdatedAt
	p.CreatedAt = rec.CreatedAt
	for i := range p.Episodes {
		if err := d.SaveEpisode(ctx, p.ID, &p.Episodes[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetProject loads a project with its episodes ordered by index.
func (d *DB) GetProject(ctx context.Context, id string) (*schema.Project, error) {
	var rec projectRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}

	episodes, err := d.ListEpisodes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &schema.Project{
		ID:         rec.ID,
		Name:       rec.Name,
		Settings:   rec.Settings,
		Characters: rec.Characters,
		Scenes:     rec.Scenes,
		Episodes:   episodes,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}

// ListProjects returns projects without their episodes, newest first.
func (d *DB) ListProjects(ctx context.Context) ([]schema.Project, error) {
	var recs []projectRecord
	if err := d.db.WithContext(ctx).Order("updated_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]schema.Project, len(recs))
	for i, rec := range recs {
		out[i] = schema.Project{
			ID:         rec.ID,
			Name:       rec.Name,
			Settings:   rec.Settings,
			Characters: rec.Characters,
			Scenes:     rec.Scenes,
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		}
	}
	return out, nil
}

func (d *DB) DeleteProject(ctx context.Context, id string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", id).Delete(&episodeRecord{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&projectRecord{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (d *DB) SaveEpisode(ctx context.Context, projectID string, ep *schema.Episode) error {
	rec := episodeRecord{
		ID:        ep.ID,
		ProjectID: projectID,
		Index:     ep.Index,
		Title:     ep.Title,
		Script:    ep.Script,
		Shots:     ep.Shots,
	}
	if err := d.db.WithContext(ctx).Save(&rec).Error; err != nil {
		return fmt.Errorf("save episode %s: %w", ep.ID, err)
	}
	ep.ProjectID = projectID
	ep.UpdatedAt = rec.UpdatedAt
	return nil
}

// PatchEpisode writes only the fields set in patch. Shots can be updated without the rest of the
// episode.
func (d *DB) PatchEpisode(ctx context.Context, episodeID string, patch EpisodePatch) error {
	var cols []string
	rec := episodeRecord{}
	if patch.Title != nil {
		cols = append(cols, "Title")
		rec.Title = *patch.Title
	}
	if patch.Script != nil {
		cols = append(cols, "Script")
		rec.Script = *patch.Script
	}
	if patch.Shots != nil {
		cols = append(cols, "Shots")
		rec.Shots = *patch.Shots
	}
	if len(cols) == 0 {
		return nil
	}
	cols = append(cols, "UpdatedAt")

	res := d.db.WithContext(ctx).Model(&episodeRecord{ID: episodeID}).Select(cols).Updates(&rec)
	if res.Error != nil {
		return fmt.Errorf("patch episode %s: %w", episodeID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	log.Debug("patched episode", "episode", episodeID, "fields", cols)
	return nil
}

// PatchShots replaces the shot list of an episode.
func (d *DB) PatchShots(ctx context.Context, episodeID string, shots []schema.Shot) error {
	return d.PatchEpisode(ctx, episodeID, EpisodePatch{Shots: &shots})
}

// GetEpisode returns ErrNotFound when the episode does not exist.
func (d *DB) GetEpisode(ctx context.Context, episodeID string) (*schema.Episode, error) {
	var rec episodeRecord
	err := d.db.WithContext(ctx).First(&rec, "id = ?", episodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", episodeID, err)
	}
	ep := rec.episode()
	return &ep, nil
}

func (d *DB) ListEpisodes(ctx context.Context, projectID string) ([]schema.Episode, error) {
	var recs []episodeRecord
	err := d.db.WithContext(ctx).Where("project_id = ?", projectID).Order("episode_index asc").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list episodes of %s: %w", projectID, err)
	}
	out := make([]schema.Episode, len(recs))
	for i, rec := range recs {
		out[i] = rec.episode()
	}
	return out, nil
}

func (r episodeRecord) episode() schema.Episode {
	return schema.Episode{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Index:     r.Index,
		Title:     r.Title,
		Script:    r.Script,
		Shots:     r.Shots,
		UpdatedAt: r.UpdatedAt,
	}
}
