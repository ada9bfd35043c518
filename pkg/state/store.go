package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"storyboard/pkg/events"
	"storyboard/pkg/grid"
	"storyboard/pkg/schema"
	"storyboard/pkg/store"
	"storyboard/pkg/utils"
)

var ErrNotLoaded = errors.New("episode is not loaded, select it first")

const (
	selectedKey   = "state:selected"
	gridKeyPrefix = "state:grids:"
)

// Store owns the AppState. Dispatch reduces, saves the touched episode's grid results to local
// storage and emits a StateChanged event, in that order.
//
// Shot list changes that are also saved remotely hold the episode's save lock from the local
// update until the remote save returns, so remote saves land in the same order as local ones.
type Store struct {
	mu    sync.Mutex
	state AppState

	saving *utils.SyncMap[map[string]*sync.Mutex, string, *sync.Mutex]

	kv      store.KV
	remote  grid.ShotPatcher
	emitter *events.Emitter
}

var (
	_ grid.MetaRecorder = (*Store)(nil)
	_ grid.ShotPatcher  = (*Store)(nil)
)

// NewStore accepts nil for any collaborator: no local persistence, no remote saves, no events.
func NewStore(kv store.KV, remote grid.ShotPatcher, emitter *events.Emitter) *Store {
	return &Store{
		state:   AppState{Episodes: make(map[string]EpisodeState)},
		saving:  utils.NewSyncMap[map[string]*sync.Mutex](),
		kv:      kv,
		remote:  remote,
		emitter: emitter,
	}
}

func (s *Store) Dispatch(ctx context.Context, a Action) AppState {
	s.mu.Lock()
	next := s.dispatchLocked(ctx, a)
	s.mu.Unlock()

	ep := a.Episode()
	if ep == "" {
		s.emitter.Emit(events.StateChanged, next.SelectedEpisodeID, map[string]string{"selectedEpisodeId": next.SelectedEpisodeID})
	} else {
		s.emitter.Emit(events.StateChanged, ep, next.Episodes[ep])
	}
	return next
}

func (s *Store) dispatchLocked(ctx context.Context, a Action) AppState {
	s.state = Reduce(s.state, a)
	s.persist(ctx, a.Episode())
	return s.state.clone()
}

func (s *Store) persist(ctx context.Context, episodeID string) {
	if s.kv == nil {
		return
	}
	if episodeID == "" {
		store.SetBestEffort(ctx, s.kv, selectedKey, s.state.SelectedEpisodeID)
		return
	}
	b, err := json.Marshal(s.state.Episodes[episodeID].Grids)
	if err != nil {
		log.Warn("failed to encode grid results", "episode", episodeID, "error", err)
		return
	}
	store.SetBestEffort(ctx, s.kv, gridKeyPrefix+episodeID, string(b))
}

// State returns a copy of the current state.
func (s *Store) State() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Store) Episode(episodeID string) (EpisodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.state.Episodes[episodeID]
	return e.clone(), ok
}

// Selected returns the episode selected in an earlier session, if it was saved.
func (s *Store) Selected(ctx context.Context) string {
	if s.kv == nil {
		return ""
	}
	v, _, err := s.kv.Get(ctx, selectedKey)
	if err != nil {
		log.Warn("failed to read selected episode", "error", err)
	}
	return v
}

// Restore loads the grid results saved for episodeID by an earlier session.
func (s *Store) Restore(ctx context.Context, episodeID string) {
	if s.kv == nil {
		return
	}
	raw, ok, err := s.kv.Get(ctx, gridKeyPrefix+episodeID)
	if err != nil {
		log.Warn("failed to read saved grid results", "episode", episodeID, "error", err)
		return
	}
	if !ok {
		return
	}
	var grids []string
	if err := json.Unmarshal([]byte(raw), &grids); err != nil {
		log.Warn("discarding unreadable grid results", "episode", episodeID, "error", err)
		return
	}
	s.Dispatch(ctx, RestoreGrids{EpisodeID: episodeID, Grids: grids})
}

func (s *Store) lockEpisode(episodeID string) (unlock func()) {
	mu, _ := s.saving.LoadOrStore(episodeID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Load reads the episode with get and replaces the local shot list with it. The read happens under
// the episode's save lock so it never sees a shot list older than the local one.
func (s *Store) Load(ctx context.Context, episodeID string, get func(context.Context, string) (*schema.Episode, error)) (*schema.Episode, error) {
	unlock := s.lockEpisode(episodeID)
	defer unlock()

	ep, err := get(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	s.Dispatch(ctx, LoadEpisode{Data: *ep})
	return ep, nil
}

// RecordMeta attaches a new task's metadata to every shot of its grid, then saves the shot list
// remotely. The local update stands even when the remote save fails.
func (s *Store) RecordMeta(ctx context.Context, episodeID string, meta schema.GridMeta) error {
	unlock := s.lockEpisode(episodeID)
	defer unlock()

	s.mu.Lock()
	e, ok := s.state.Episodes[episodeID]
	if !ok || len(e.Shots) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("episode %s has no shots loaded", episodeID)
	}
	shots := grid.WithMeta(e.Shots, meta)
	next := s.dispatchLocked(ctx, SetShots{EpisodeID: episodeID, Shots: shots})
	s.mu.Unlock()

	s.emitter.Emit(events.StateChanged, episodeID, next.Episodes[episodeID])
	if s.remote == nil {
		return nil
	}
	return s.remote.PatchShots(ctx, episodeID, shots)
}

// PatchShots stores shots locally and saves them remotely.
func (s *Store) PatchShots(ctx context.Context, episodeID string, shots []schema.Shot) error {
	unlock := s.lockEpisode(episodeID)
	defer unlock()

	s.Dispatch(ctx, SetShots{EpisodeID: episodeID, Shots: shots})
	if s.remote == nil {
		return nil
	}
	return s.remote.PatchShots(ctx, episodeID, shots)
}

// ApplyGrids writes the episode's unapplied grid results onto its current shots and saves them
// through a. only limits the grids considered; empty means all of them. When the remote save fails
// the local result stands and err is a *grid.SyncError.
func (s *Store) ApplyGrids(ctx context.Context, episodeID string, only []int, a *grid.Applier) ([]schema.Shot, []int, error) {
	unlock := s.lockEpisode(episodeID)
	defer unlock()

	s.mu.Lock()
	e, ok := s.state.Episodes[episodeID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotLoaded
	}
	shots, applied, err := a.Prepare(e.Shots, pick(e.Grids, only))
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	next := s.dispatchLocked(ctx, GridsApplied{EpisodeID: episodeID, Shots: shots, Grids: applied})
	s.mu.Unlock()
	s.emitter.Emit(events.StateChanged, episodeID, next.Episodes[episodeID])

	if err := a.Save(ctx, episodeID, shots); err != nil {
		s.Dispatch(ctx, SetSyncError{EpisodeID: episodeID, Err: err.Error()})
		return shots, applied, err
	}
	return shots, applied, nil
}

// pick keeps the slots named in only, or all of them when only is empty.
func pick(grids []string, only []int) []string {
	if len(only) == 0 {
		return grids
	}
	out := make([]string, len(grids))
	for _, g := range only {
		if g >= 0 && g < len(grids) {
			out[g] = grids[g]
		}
	}
	return out
}
