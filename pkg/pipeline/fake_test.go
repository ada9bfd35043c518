package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"

	"storyboard/pkg/retry"
)

type reply struct {
	text string
	err  error
}

// fakeInferencer answers by stage. Replies for a stage are consumed in order.
type fakeInferencer struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []string
}

var stageBySystem = map[string]string{
	analysisPrompt:         StageAnalysis,
	strategyPrompt:         StageStrategy,
	planPrompt:             StagePlan,
	designPrompt:           StageDesign,
	reviewPrompt:           StageReview,
	shotPromptsPrompt:      StagePrompts,
	characterExtractPrompt: StageCharacters,
	sceneExtractPrompt:     StageScenes,
	appearancePrompt:       StageAppearance,
	costumePrompt:          StageCostume,
	formsPrompt:            StageForms,
}

func newFakeInferencer() *fakeInferencer {
	return &fakeInferencer{replies: make(map[string][]reply)}
}

func (f *fakeInferencer) on(stage string, replies ...reply) *fakeInferencer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[stage] = append(f.replies[stage], replies...)
	return f
}

func (f *fakeInferencer) next(system string) (string, reply) {
	key := "fix"
	if !strings.HasSuffix(system, fixJSONPrompt) {
		key = stageBySystem[system]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	rs := f.replies[key]
	if len(rs) == 0 {
		return key, reply{err: fmt.Errorf("unexpected %s call", key)}
	}
	f.replies[key] = rs[1:]
	return key, rs[0]
}

func (f *fakeInferencer) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == key {
			n++
		}
	}
	return n
}

func (f *fakeInferencer) Infer(_ context.Context, _ *openai.ChatCompletionNewParams, system, _ string) (string, error) {
	_, r := f.next(system)
	return r.text, r.err
}

func (f *fakeInferencer) Stream(_ context.Context, _ *openai.ChatCompletionNewParams, system, _ string, onDelta func(string)) (string, error) {
	_, r := f.next(system)
	if r.text != "" && onDelta != nil {
		onDelta(r.text)
	}
	return r.text, r.err
}

func ok(text string) reply { return reply{text: text} }

func fail(err error) reply { return reply{err: err} }

type memKV struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemKV() *memKV { return &memKV{m: make(map[string]string)} }

func (k *memKV) Get(_ context.Context, key string) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) Set(_ context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = value
	return nil
}

func (k *memKV) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func testPipeline(inf *fakeInferencer, kv *memKV) *Pipeline {
	p := New(inf, nil)
	if kv != nil {
		p.KV = kv
	}
	p.Policy = func(stage string) retry.Policy {
		return retry.Policy{Name: stage, MaxAttempts: 3, IsRetryable: Retryable}
	}
	return p
}
