package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/progress"
	"github.com/JakeFAU/polite-crawler/internal/publisher/memory"
)

func TestPublisherSinkCollapsesSites(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublisherSink(pub, "crawl-progress", nil)
	runUUID := uuid.New()
	runID := [16]byte(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now.Add(time.Second), Stage: progress.StageFetchDone, Site: "b.test", Bytes: 100, StatusClass: progress.Status2xx},
		{RunID: runID, TS: now.Add(2 * time.Second), Stage: progress.StageFetchDone, Site: "a.test", Bytes: 50, StatusClass: progress.Status2xx},
		{RunID: runID, TS: now.Add(3 * time.Second), Stage: progress.StageFetchDone, Site: "b.test", Bytes: 25, StatusClass: progress.Status3xx},
		{RunID: runID, TS: now.Add(4 * time.Second), Stage: progress.StageFetchError, Site: "b.test", Kind: "timeout"},
		{RunID: runID, TS: now.Add(5 * time.Second), Stage: progress.StageRunDone, Dur: 5 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		require.Equal(t, "crawl-progress", m.Topic)
	}

	start, ok := msgs[0].Payload.(RunMessage)
	require.True(t, ok)
	require.Equal(t, "RUN_START", start.Stage)
	require.Equal(t, runUUID.String(), start.RunID)

	done, ok := msgs[1].Payload.(RunMessage)
	require.True(t, ok)
	require.Equal(t, "5s", done.Duration)

	a, ok := msgs[2].Payload.(*SiteMessage)
	require.True(t, ok)
	require.Equal(t, "a.test", a.Site)
	require.EqualValues(t, 1, a.Pages)

	b, ok := msgs[3].Payload.(*SiteMessage)
	require.True(t, ok)
	require.Equal(t, "b.test", b.Site)
	require.EqualValues(t, 2, b.Pages)
	require.EqualValues(t, 125, b.Bytes)
	require.EqualValues(t, 1, b.Errors)
	require.Equal(t, map[string]int64{"2xx": 1, "3xx": 1}, b.StatusCounts)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}

func TestPublisherSinkReturnsErrors(t *testing.T) {
	t.Parallel()

	sink := NewPublisherSink(failingPublisher{}, "t", nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: [16]byte(uuid.New()), TS: time.Now(), Stage: progress.StageRunStart},
	})
	require.ErrorContains(t, err, "unavailable")
}

func TestLogSinkConsumes(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: [16]byte(uuid.New()), TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: [16]byte(uuid.New()), TS: time.Now(), Stage: progress.StageFetchDone, Site: "a.test"},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
