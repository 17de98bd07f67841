package sinks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/progress"
)

// RunMessage announces a run lifecycle transition.
type RunMessage struct {
	Type     string    `json:"type"`
	RunID    string    `json:"run_id"`
	Stage    string    `json:"stage"`
	At       time.Time `json:"at"`
	Duration string    `json:"duration,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// SiteMessage carries the per-site fetch totals collapsed from one batch.
type SiteMessage struct {
	Type         string           `json:"type"`
	RunID        string           `json:"run_id"`
	Site         string           `json:"site"`
	Pages        int64            `json:"pages"`
	Bytes        int64            `json:"bytes"`
	Errors       int64            `json:"errors"`
	StatusCounts map[string]int64 `json:"status_counts,omitempty"`
	At           time.Time        `json:"at"`
}

// PublisherSink forwards run lifecycle events one-to-one and collapses fetch
// events per run and site before publishing, to bound message volume.
type PublisherSink struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(pub crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{pub: pub, topic: topic, logger: logger}
}

type siteKey struct {
	runID [16]byte
	site  string
}

// Consume publishes the batch. Every message is attempted; failures are
// joined into the returned error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	var errs []error
	sites := make(map[siteKey]*SiteMessage)
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
			msg := RunMessage{
				Type:  "run",
				RunID: evt.RunUUID().String(),
				Stage: string(evt.Stage),
				At:    evt.TS.UTC(),
				Note:  evt.Note,
			}
			if evt.Dur > 0 {
				msg.Duration = evt.Dur.String()
			}
			if err := s.publish(ctx, msg); err != nil {
				errs = append(errs, err)
			}
		case progress.StageFetchDone, progress.StageFetchError:
			collapse(sites, evt)
		}
	}

	keys := make([]siteKey, 0, len(sites))
	for k := range sites {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].site < keys[j].site })
	for _, k := range keys {
		if err := s.publish(ctx, sites[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func collapse(sites map[siteKey]*SiteMessage, evt progress.Event) {
	key := siteKey{runID: evt.RunID, site: evt.Site}
	msg := sites[key]
	if msg == nil {
		msg = &SiteMessage{
			Type:         "site",
			RunID:        evt.RunUUID().String(),
			Site:         evt.Site,
			StatusCounts: make(map[string]int64),
		}
		sites[key] = msg
	}
	if evt.Stage == progress.StageFetchError {
		msg.Errors++
	} else {
		msg.Pages++
		msg.Bytes += evt.Bytes
		msg.StatusCounts[string(evt.StatusClass)]++
	}
	if evt.TS.After(msg.At) {
		msg.At = evt.TS.UTC()
	}
}

func (s *PublisherSink) publish(ctx context.Context, payload any) error {
	id, err := s.pub.Publish(ctx, s.topic, payload)
	if err != nil {
		return fmt.Errorf("publish progress: %w", err)
	}
	s.logger.Debug("progress published", zap.String("topic", s.topic), zap.String("message_id", id))
	return nil
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
