package grid

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"storyboard/pkg/schema"
)

// fakeClient answers Check from a per-code script; the last entry repeats.
type fakeClient struct {
	mu      sync.Mutex
	results map[string][]TaskResult
	errs    map[string]error
	checks  map[string]int
	created []TaskRequest
	onCheck func(code string)
	nextID  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		results: make(map[string][]TaskResult),
		errs:    make(map[string]error),
		checks:  make(map[string]int),
	}
}

func (f *fakeClient) Create(_ context.Context, req TaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextID++
	return "T" + strconv.Itoa(f.nextID), nil
}

func (f *fakeClient) Check(_ context.Context, code string) (TaskResult, error) {
	if f.onCheck != nil {
		f.onCheck(code)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.checks[code]
	f.checks[code] = n + 1
	if err := f.errs[code]; err != nil {
		return TaskResult{}, err
	}
	script, ok := f.results[code]
	if !ok || len(script) == 0 {
		return TaskResult{}, fmt.Errorf("unknown task %s", code)
	}
	return script[min(n, len(script)-1)], nil
}

func (f *fakeClient) checkCount(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[code]
}

func fastTracker(c TaskClient) *Tracker {
	t := NewTracker(c)
	t.Timeout = 50 * time.Millisecond
	t.InitialDelay = time.Millisecond
	t.MaxDelay = 5 * time.Millisecond
	return t
}

func makeShots(n int) []schema.Shot {
	shots := make([]schema.Shot, n)
	for i := range shots {
		shots[i] = schema.Shot{Seq: i + 1, Duration: 3, ShotType: schema.ShotStatic, Story: "beat " + strconv.Itoa(i+1)}
	}
	return shots
}

func success(url string) TaskResult {
	return TaskResult{Status: StatusSuccess, ImageURLs: []string{url}}
}
