package alerts

import (
	"time"

	"github.com/beeker1121/goque"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// ISink receives the alert groups hidden by off-hours suppression. The
// suppressed groups stay inspectable even though they never reached an
// operator.
type ISink interface {
	RecordSuppressed(group datamodel.AlertGroup, at time.Time) error
	Close() error
}

type suppressedEntry struct {
	Group        datamodel.AlertGroup `json:"group"`
	SuppressedAt time.Time            `json:"suppressedAt"`
}

// QueueSink writes suppressed groups to an embedded disk queue. Entries
// survive restarts and are drained out of band.
type QueueSink struct {
	queue *goque.Queue
}

func NewQueueSink(dataDir string) (*QueueSink, error) {
	queue, err := goque.OpenQueue(dataDir)
	if err != nil {
		return nil, err
	}
	return &QueueSink{queue: queue}, nil
}

func (s *QueueSink) RecordSuppressed(group datamodel.AlertGroup, at time.Time) error {
	raw, err := json.Marshal(suppressedEntry{Group: group, SuppressedAt: at})
	if err != nil {
		return err
	}
	_, err = s.queue.Enqueue(raw)
	return err
}

func (s *QueueSink) Close() error {
	return s.queue.Close()
}

// NoopSink drops suppressed groups. Used where no audit trail is configured.
type NoopSink struct{}

func (NoopSink) RecordSuppressed(group datamodel.AlertGroup, _ time.Time) error {
	zap.S().Debugf("No audit sink configured, dropping suppressed group %s", group.Label)
	return nil
}

func (NoopSink) Close() error {
	return nil
}
