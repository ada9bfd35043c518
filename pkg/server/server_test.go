package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/pkg/events"
	"storyboard/pkg/grid"
	"storyboard/pkg/imageutil"
	"storyboard/pkg/pipeline"
	"storyboard/pkg/schema"
	"storyboard/pkg/store"
)

// fakeTasks completes every task on its first check unless told otherwise.
type fakeTasks struct {
	mu      sync.Mutex
	next    int
	created []grid.TaskRequest
	results map[string]grid.TaskResult
	// pending keeps new tasks running forever; failReason fails them.
	pending    bool
	failReason string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{results: make(map[string]grid.TaskResult)}
}

func (f *fakeTasks) Create(_ context.Context, req grid.TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	code := "task-" + strconv.Itoa(f.next)
	f.created = append(f.created, req)
	switch {
	case f.pending:
		f.results[code] = grid.TaskResult{Status: grid.StatusPending}
	case f.failReason != "":
		f.results[code] = grid.TaskResult{Status: grid.StatusFailed, FailureReason: f.failReason}
	default:
		f.results[code] = grid.TaskResult{Status: grid.StatusSuccess, ImageURLs: []string{"https://img.test/" + code + ".png"}}
	}
	return code, nil
}

func (f *fakeTasks) Check(_ context.Context, code string) (grid.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[code]
	if !ok {
		return grid.TaskResult{}, fmt.Errorf("unknown task %s", code)
	}
	return res, nil
}

func (f *fakeTasks) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// fixedInferencer gives the same answer to every prompt.
type fixedInferencer struct {
	reply string
	err   error
}

func (f *fixedInferencer) Infer(context.Context, *openai.ChatCompletionNewParams, string, string) (string, error) {
	return f.reply, f.err
}

func (f *fixedInferencer) Stream(_ context.Context, _ *openai.ChatCompletionNewParams, _, _ string, onDelta func(string)) (string, error) {
	if f.reply != "" && onDelta != nil {
		onDelta(f.reply)
	}
	return f.reply, f.err
}

type harness struct {
	srv       *Server
	db        *store.DB
	tasks     *fakeTasks
	inf       *fixedInferencer
	uploadDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	kv, err := store.NewFileKV(t.TempDir())
	require.NoError(t, err)

	tasks := newFakeTasks()
	tracker := grid.NewTracker(tasks)
	tracker.Timeout = 2 * time.Second
	tracker.InitialDelay = time.Millisecond
	tracker.MaxDelay = 5 * time.Millisecond

	inf := &fixedInferencer{}
	uploadDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	srv := NewServer(ctx, Deps{
		DB:        db,
		KV:        kv,
		Pipeline:  pipeline.New(inf, kv),
		Tracker:   tracker,
		Uploader:  &store.DiskUploader{Dir: uploadDir, BaseURL: "http://test/uploads"},
		UploadDir: uploadDir,
	})
	t.Cleanup(func() {
		cancel()
		srv.queue.Stop()
	})
	return &harness{srv: srv, db: db, tasks: tasks, inf: inf, uploadDir: uploadDir}
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	h.srv.Echo.ServeHTTP(rec, req)
	return rec
}

func makeShots(n int) []schema.Shot {
	shots := make([]schema.Shot, n)
	for i := range shots {
		shots[i] = schema.Shot{Seq: i + 1, Duration: 3, ShotType: schema.ShotStatic, Story: "beat " + strconv.Itoa(i+1), Characters: []string{"c1"}}
	}
	return shots
}

// seed stores project p1 with episode e1 holding shots.
func (h *harness) seed(t *testing.T, shots []schema.Shot) {
	t.Helper()
	require.NoError(t, h.db.SaveProject(context.Background(), &schema.Project{
		ID:         "p1",
		Name:       "Rain",
		Settings:   schema.Settings{Style: "ink wash", AspectRatio: "16:9"},
		Characters: []schema.Character{{ID: "c1", Name: "林夏", Gender: "female"}},
		Episodes: []schema.Episode{
			{ID: "e1", Index: 1, Title: "第1集", Script: "林夏走进茶馆。", Shots: shots},
		},
	}))
}

// waitFor registers for one event type before the action that triggers it.
func (h *harness) waitFor(eventType string) <-chan events.Event {
	ch := make(chan events.Event, 8)
	h.srv.Events.On(eventType, func(ev events.Event) { ch <- ev })
	return ch
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func (h *harness) selectEpisode(t *testing.T) {
	t.Helper()
	done := h.waitFor(events.ResumeDone)
	rec := h.do(http.MethodPost, "/api/episodes/e1/select", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receive(t, done)
}

func (h *harness) storedShots(t *testing.T) []schema.Shot {
	t.Helper()
	ep, err := h.db.GetEpisode(context.Background(), "e1")
	require.NoError(t, err)
	return ep.Shots
}

func TestProjectLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/projects", map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/projects", map[string]any{"name": "Rain", "settings": map[string]string{"era": "现代"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p schema.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.NotEmpty(t, p.ID)

	rec = h.do(http.MethodPost, "/api/projects/"+p.ID+"/script", map[string]any{"script": "第1集\n林夏走进茶馆。\n第2集\n陈默在警局。"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var imported struct {
		Episodes []schema.Episode `json:"episodes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	require.Len(t, imported.Episodes, 2)
	assert.Equal(t, 2, imported.Episodes[1].Index)
	secondID := imported.Episodes[1].ID

	require.NoError(t, h.db.PatchShots(context.Background(), secondID, makeShots(2)))
	rec = h.do(http.MethodPost, "/api/projects/"+p.ID+"/script", map[string]any{"script": "第2集\n陈默离开警局。"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ep, err := h.db.GetEpisode(context.Background(), secondID)
	require.NoError(t, err)
	assert.Contains(t, ep.Script, "离开")
	assert.Len(t, ep.Shots, 2, "re-import keeps shots")

	rec = h.do(http.MethodPut, "/api/projects/"+p.ID, map[string]any{"name": "Rain 2", "settings": map[string]string{"era": "民国"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []schema.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Rain 2", list[0].Name)
	assert.Equal(t, "民国", list[0].Settings.Era)

	rec = h.do(http.MethodGet, "/api/projects/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Len(t, p.Episodes, 2)

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/api/projects/"+p.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/projects/"+p.ID, nil).Code)
}

func TestSelectEpisode_ResumesPendingTask(t *testing.T) {
	h := newHarness(t)
	shots := makeShots(10)
	meta := schema.GridMeta{TaskCode: "old-1", TaskCreatedAt: time.Now().UTC().Format(time.RFC3339Nano), GridIndex: 0}
	shots = grid.WithMeta(shots, meta)
	h.seed(t, shots)
	h.tasks.results["old-1"] = grid.TaskResult{Status: grid.StatusSuccess, ImageURLs: []string{"https://img.test/old-1.png"}}

	done := h.waitFor(events.ResumeDone)
	rec := h.do(http.MethodPost, "/api/episodes/e1/select", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ev := receive(t, done)
	report, ok := ev.Data.(grid.Report)
	require.True(t, ok)
	assert.Equal(t, 1, report.Resolved)

	st, ok := h.srv.State.Episode("e1")
	require.True(t, ok)
	require.NotEmpty(t, st.Grids)
	assert.Equal(t, "https://img.test/old-1.png", st.Grids[0])
	assert.False(t, st.Resuming)

	stored := h.storedShots(t)
	require.NotNil(t, stored[0].StoryboardGridGenerationMeta, "resume does not touch the shots")
	assert.Empty(t, stored[0].StoryboardGridURL)
}

func TestSelectEpisode_NotFound(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/episodes/missing/select", nil).Code)
}

func TestGenerateAndApplyGrid(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(10))
	h.selectEpisode(t)

	rec := h.do(http.MethodPost, "/api/episodes/e1/grids/0", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res schema.GridResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "https://img.test/task-1.png", res.URL)
	assert.Equal(t, "task-1", res.TaskCode)

	require.Equal(t, 1, h.tasks.createdCount())
	assert.Contains(t, h.tasks.created[0].Prompt, "Panel 1: ")
	assert.Contains(t, h.tasks.created[0].Prompt, "Style: ink wash.")
	assert.Equal(t, "16:9", h.tasks.created[0].AspectRatio)

	stored := h.storedShots(t)
	require.NotNil(t, stored[0].StoryboardGridGenerationMeta)
	assert.Equal(t, "task-1", stored[0].StoryboardGridGenerationMeta.TaskCode)
	assert.Nil(t, stored[9].StoryboardGridGenerationMeta)

	applied := h.waitFor(events.GridsApplied)
	rec = h.do(http.MethodPost, "/api/episodes/e1/grids/apply", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []int{0}, receive(t, applied).Data)

	stored = h.storedShots(t)
	for i := 0; i < 9; i++ {
		assert.Equal(t, res.URL, stored[i].StoryboardGridURL)
		require.NotNil(t, stored[i].StoryboardGridCellIndex)
		assert.Equal(t, i, *stored[i].StoryboardGridCellIndex)
		assert.Nil(t, stored[i].StoryboardGridGenerationMeta)
		assert.NotEmpty(t, stored[i].StoryboardGridAppliedAt)
	}
	assert.Empty(t, stored[9].StoryboardGridURL)
	assert.True(t, grid.Applied(stored)[0])

	st, _ := h.srv.State.Episode("e1")
	assert.Empty(t, st.Grids[0])
	assert.False(t, st.Applying)

	rec = h.do(http.MethodPost, "/api/episodes/e1/grids/apply", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGenerateGrid_Validation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(10))

	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/episodes/e1/grids/0", nil).Code)

	h.selectEpisode(t)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/episodes/e1/grids/2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/episodes/e1/grids/x", nil).Code)
	assert.Zero(t, h.tasks.createdCount())
}

func TestGenerateGrid_FailureIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(9))
	h.selectEpisode(t)
	h.tasks.failReason = "content policy"

	rec := h.do(http.MethodPost, "/api/episodes/e1/grids/0", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "content policy")

	st, _ := h.srv.State.Episode("e1")
	require.NotNil(t, st.Failures[0])
	assert.Equal(t, "content policy", st.Failures[0].Reason)
	assert.Empty(t, st.Generating)
}

func TestGenerateBatch_SkipsAppliedGrids(t *testing.T) {
	h := newHarness(t)
	shots, _ := grid.ApplyToShots(makeShots(20), []string{"https://img.test/done.png"}, time.Now())
	h.seed(t, shots)
	h.selectEpisode(t)

	done := h.waitFor(events.BatchDone)
	rec := h.do(http.MethodPost, "/api/episodes/e1/grids/batch", map[string]any{})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var started struct {
		Grids []int `json:"grids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, []int{1, 2}, started.Grids)

	summary, ok := receive(t, done).Data.(batchSummary)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Succeeded)
	assert.False(t, summary.Aborted)

	st, _ := h.srv.State.Episode("e1")
	require.Len(t, st.Grids, 3)
	assert.Empty(t, st.Grids[0])
	assert.NotEmpty(t, st.Grids[1])
	assert.NotEmpty(t, st.Grids[2])
}

func TestAbortBatch(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(18))
	h.selectEpisode(t)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/episodes/e1/grids/batch", nil).Code)

	h.tasks.pending = true
	done := h.waitFor(events.BatchDone)
	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/api/episodes/e1/grids/batch", nil).Code)
	require.Eventually(t, func() bool { return h.tasks.createdCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/api/episodes/e1/grids/batch", nil).Code)
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodDelete, "/api/episodes/e1/grids/batch", nil).Code)

	summary := receive(t, done).Data.(batchSummary)
	assert.True(t, summary.Aborted)
	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, 1, h.tasks.createdCount(), "no new task after abort")

	stored := h.storedShots(t)
	require.NotNil(t, stored[0].StoryboardGridGenerationMeta, "the started task stays recorded for resume")
	assert.Equal(t, "task-1", stored[0].StoryboardGridGenerationMeta.TaskCode)
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestUploadGrid(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(9))
	h.selectEpisode(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "grid.png")
	require.NoError(t, err)
	_, err = fw.Write(testPNG(t, 90, 90))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/episodes/e1/grids/0/image", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.srv.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res schema.GridResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, strings.HasPrefix(res.URL, "http://test/uploads/grids/e1/0-"), res.URL)
	assert.True(t, strings.HasSuffix(res.URL, ".webp"))

	name := strings.TrimPrefix(res.URL, "http://test/uploads/")
	_, err = os.Stat(filepath.Join(h.uploadDir, filepath.FromSlash(name)))
	assert.NoError(t, err)

	st, _ := h.srv.State.Episode("e1")
	assert.Equal(t, res.URL, st.Grids[0])
}

func TestGetCell(t *testing.T) {
	h := newHarness(t)
	pngData := testPNG(t, 90, 90)
	var downloads atomic.Int32
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngData)
	}))
	defer images.Close()

	shots, _ := grid.ApplyToShots(makeShots(10), []string{images.URL + "/grid.png"}, time.Now())
	h.seed(t, shots)

	rec := h.do(http.MethodGet, "/api/episodes/e1/shots/5/cell", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/webp", rec.Header().Get(echo.HeaderContentType))

	img, err := imageutil.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())

	rec = h.do(http.MethodGet, "/api/episodes/e1/shots/1/cell", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int32(1), downloads.Load(), "cells of one grid share a download")

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/episodes/e1/shots/10/cell", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/episodes/e1/shots/99/cell", nil).Code)
}

func TestExtractCharacters_Streams(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil)
	h.inf.reply = `{"characters":[{"name":"林夏","aliases":["小林"],"gender":"female","appearance":"短发","identity":"记者"},{"name":"陈默","aliases":[],"gender":"male","appearance":"","identity":"警察"}]}`

	rec := h.do(http.MethodPost, "/api/projects/p1/characters/extract", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: progress")
	assert.Contains(t, rec.Body.String(), "event: done")

	p, err := h.db.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, p.Characters, 2)
	assert.Equal(t, "c1", p.Characters[0].ID)
	assert.Equal(t, []string{"小林"}, p.Characters[0].Aliases)
	assert.Equal(t, "陈默", p.Characters[1].Name)
	assert.Len(t, p.Episodes, 1, "episodes survive the save")
}

func TestSupplement_Streams(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil)
	h.inf.reply = `{"appearance":{"hair":"齐肩短发"}}`

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/projects/p1/characters/nobody/supplement", nil).Code)

	rec := h.do(http.MethodPost, "/api/projects/p1/characters/c1/supplement", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: done")

	p, err := h.db.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "齐肩短发", p.Characters[0].Appearance["hair"])
}

func TestGenerateShots_ReportsPermanentError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, nil)
	h.inf.err = fmt.Errorf("openai: %w", schema.ErrUnauthorized)

	rec := h.do(http.MethodPost, "/api/episodes/e1/shots/generate", map[string]any{"fresh": true})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, `"permanent":true`)
	assert.Contains(t, body, `"stage":"analysis"`)
	assert.NotContains(t, body, "event: done")
}

func TestGetState(t *testing.T) {
	h := newHarness(t)
	h.seed(t, makeShots(10))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/episodes/e1/state", nil).Code)

	h.selectEpisode(t)
	rec := h.do(http.MethodGet, "/api/episodes/e1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Selected  bool `json:"selected"`
		GridCount int  `json:"gridCount"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Selected)
	assert.Equal(t, 2, view.GridCount)
}
