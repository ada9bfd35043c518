package grid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/pkg/schema"
)

func TestPollUntilDone_ReturnsWhenTaskFinishes(t *testing.T) {
	client := newFakeClient()
	client.results["T1"] = []TaskResult{{Status: StatusPending}, {Status: StatusPending}, success("https://x/img1.png")}

	var progress []Progress
	res, err := fastTracker(client).PollUntilDone(context.Background(), "T1", func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "https://x/img1.png", res.URL())
	assert.Len(t, progress, 2)
	assert.Equal(t, 3, client.checkCount("T1"))
}

func TestPollUntilDone_TimesOutWithoutHanging(t *testing.T) {
	client := newFakeClient()
	client.results["T1"] = []TaskResult{{Status: StatusPending}}
	tracker := fastTracker(client)

	start := time.Now()
	res, err := tracker.PollUntilDone(context.Background(), "T1", nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.NotEqual(t, StatusSuccess, res.Status)
	assert.True(t, res.TimedOut)
}

func TestPollUntilDone_TransientErrorsKeepPolling(t *testing.T) {
	client := newFakeClient()
	client.results["T1"] = []TaskResult{{Status: StatusPending}, {Status: StatusPending}, {Status: StatusPending}, success("https://x/a.png")}
	client.errs["T1"] = errors.New("connection reset")
	client.onCheck = func(string) {
		// the first two checks fail, the third is pending, the fourth succeeds
		if client.checkCount("T1") == 2 {
			client.mu.Lock()
			delete(client.errs, "T1")
			client.mu.Unlock()
		}
	}

	var progress []Progress
	tracker := fastTracker(client)
	tracker.Timeout = time.Second
	res, err := tracker.PollUntilDone(context.Background(), "T1", func(p Progress) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "https://x/a.png", res.URL())
	require.Len(t, progress, 1, "failed checks report no progress")
	assert.Equal(t, StatusPending, progress[0].Status)
	assert.Equal(t, 3, progress[0].Attempt)
}

func TestPollUntilDone_PermanentErrorStops(t *testing.T) {
	client := newFakeClient()
	client.errs["T1"] = schema.ErrInsufficientBalance

	_, err := fastTracker(client).PollUntilDone(context.Background(), "T1", nil)
	assert.ErrorIs(t, err, schema.ErrInsufficientBalance)
	assert.Equal(t, 1, client.checkCount("T1"))
}

func TestPollUntilDone_Cancelled(t *testing.T) {
	client := newFakeClient()
	client.results["T1"] = []TaskResult{{Status: StatusPending}}
	tracker := fastTracker(client)
	tracker.Timeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tracker.PollUntilDone(ctx, "T1", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreate_RecordsCodeBeforeReturning(t *testing.T) {
	client := newFakeClient()
	var recorded string
	code, err := fastTracker(client).Create(context.Background(), TaskRequest{Prompt: "p"}, func(code string) error {
		recorded = code
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, code, recorded)
}
