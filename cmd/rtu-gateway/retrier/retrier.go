package retrier

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/collector"
	"github.com/fieldgrid/rtu-telemetry/cmd/rtu-gateway/metrics"
	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// Retry schedules. Data collection tolerates more attempts than control,
// a stale reading is harmless while a twice applied switch command is not.
var (
	collectSchedule = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}
	controlSchedule = []time.Duration{10 * time.Second, 30 * time.Second}
)

// chainState tracks one running retry chain. attempts is only written by
// the chain owner, concurrent readers get a consistent snapshot through the
// mutex.
type chainState struct {
	mu       sync.Mutex
	attempts int
	kind     datamodel.ErrorKind

	cancelOnce sync.Once
	cancel     chan struct{}
}

func newChainState(kind datamodel.ErrorKind) *chainState {
	return &chainState{kind: kind, cancel: make(chan struct{})}
}

func (s *chainState) snapshot() (int, datamodel.ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, s.kind
}

func (s *chainState) update(attempts int, kind datamodel.ErrorKind) {
	s.mu.Lock()
	s.attempts = attempts
	s.kind = kind
	s.mu.Unlock()
}

func (s *chainState) stop() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
	})
}

// Coordinator runs bounded retry chains on top of the collector. At most
// one chain per gateway and operation is active at any time, a second
// request for the same operation observes the running chain instead of
// starting its own.
type Coordinator struct {
	collector *collector.Collector

	// chains maps gatewayID/operation to the running chainState.
	chains sync.Map

	// sleep is swapped out by tests to run chains without real delays.
	sleep func(ctx context.Context, d time.Duration, cancel <-chan struct{}) error
}

func NewCoordinator(c *collector.Collector) *Coordinator {
	return &Coordinator{
		collector: c,
		sleep:     sleepWithCancel,
	}
}

func sleepWithCancel(ctx context.Context, d time.Duration, cancel <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-cancel:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func collectKey(gatewayID string, class datamodel.DataClass) string {
	return gatewayID + "/collect/" + string(class)
}

func controlKey(gatewayID string, outputID string) string {
	return gatewayID + "/control/" + outputID
}

// RetryCollect runs the data retry chain for one gateway and class and
// returns the final outcome. Each attempt waits out its schedule delay
// first, the failure that triggered the chain already happened. If a chain
// for the same operation is already running, the current fallback data is
// returned immediately and the running chain is left untouched.
func (r *Coordinator) RetryCollect(ctx context.Context, gatewayID string, class datamodel.DataClass, kind datamodel.ErrorKind) datamodel.CollectResult {
	key := collectKey(gatewayID, class)
	state := newChainState(kind)
	if existing, loaded := r.chains.LoadOrStore(key, state); loaded {
		attempts, activeKind := existing.(*chainState).snapshot()
		result := r.collector.FallbackView(ctx, gatewayID, class, activeKind)
		result.Failure.RetryInProgress = true
		result.Failure.Attempts = attempts
		return result
	}
	metrics.RetryChainsActive.Inc()
	defer func() {
		r.chains.Delete(key)
		metrics.RetryChainsActive.Dec()
	}()

	var last datamodel.CollectResult
	for i, delay := range collectSchedule {
		attempt := i + 1
		if err := r.sleep(ctx, delay, state.cancel); err != nil {
			zap.S().Infof("Retry chain for %s stopped before attempt %d: %s", key, attempt, err)
			attempts, lastKind := state.snapshot()
			result := r.collector.FallbackView(ctx, gatewayID, class, lastKind)
			result.Failure.Attempts = attempts
			return result
		}

		metrics.RetriesTotal.WithLabelValues("collect").Inc()
		last = r.collector.Collect(ctx, gatewayID, class)
		last.Attempt = attempt
		if last.OK() {
			zap.S().Infof("Retry attempt %d for %s succeeded", attempt, key)
			return last
		}
		state.update(attempt, last.Failure.Kind)
		last.Failure.Attempts = attempt
		if !last.Failure.RetryEligible {
			// The failure mode changed to one retries cannot fix.
			zap.S().Infof("Retry chain for %s stopped, %s is not retryable", key, last.Failure.Kind)
			return last
		}
	}
	last.Failure.RetryExhausted = true
	zap.S().Warnf("Retry chain for %s exhausted after %d attempts", key, len(collectSchedule))
	return last
}

// RetryControl runs the control retry chain for one digital output.
func (r *Coordinator) RetryControl(ctx context.Context, gatewayID string, outputID string, desired bool, kind datamodel.ErrorKind) datamodel.ControlResult {
	key := controlKey(gatewayID, outputID)
	state := newChainState(kind)
	if existing, loaded := r.chains.LoadOrStore(key, state); loaded {
		attempts, activeKind := existing.(*chainState).snapshot()
		failure := inProgressFailure(activeKind, attempts)
		return datamodel.ControlResult{OutputID: outputID, State: desired, Failure: failure}
	}
	metrics.RetryChainsActive.Inc()
	defer func() {
		r.chains.Delete(key)
		metrics.RetryChainsActive.Dec()
	}()

	var last datamodel.ControlResult
	for i, delay := range controlSchedule {
		attempt := i + 1
		if err := r.sleep(ctx, delay, state.cancel); err != nil {
			zap.S().Infof("Control retry chain for %s stopped before attempt %d: %s", key, attempt, err)
			attempts, lastKind := state.snapshot()
			failure := inProgressFailure(lastKind, attempts)
			failure.RetryInProgress = false
			return datamodel.ControlResult{OutputID: outputID, State: desired, Failure: failure}
		}

		metrics.RetriesTotal.WithLabelValues("control").Inc()
		last = r.collector.SetDigitalOutput(ctx, gatewayID, outputID, desired)
		if last.OK {
			zap.S().Infof("Control retry attempt %d for %s succeeded", attempt, key)
			return last
		}
		state.update(attempt, last.Failure.Kind)
		last.Failure.Attempts = attempt
		if !last.Failure.RetryEligible {
			zap.S().Infof("Control retry chain for %s stopped, %s is not retryable", key, last.Failure.Kind)
			return last
		}
	}
	last.Failure.RetryExhausted = true
	zap.S().Warnf("Control retry chain for %s exhausted after %d attempts", key, len(controlSchedule))
	return last
}

func inProgressFailure(kind datamodel.ErrorKind, attempts int) *datamodel.CollectFailure {
	return &datamodel.CollectFailure{
		Kind:            kind,
		Message:         "a retry for this operation is already running",
		RetryEligible:   false,
		RetrySuggested:  false,
		RetryInProgress: true,
		Attempts:        attempts,
	}
}

// CancelCollect stops a running data retry chain. Reports whether a chain
// was actually running.
func (r *Coordinator) CancelCollect(gatewayID string, class datamodel.DataClass) bool {
	return r.cancelChain(collectKey(gatewayID, class))
}

// CancelControl stops a running control retry chain.
func (r *Coordinator) CancelControl(gatewayID string, outputID string) bool {
	return r.cancelChain(controlKey(gatewayID, outputID))
}

func (r *Coordinator) cancelChain(key string) bool {
	value, ok := r.chains.Load(key)
	if !ok {
		return false
	}
	value.(*chainState).stop()
	return true
}

// ActiveChains returns the number of currently running retry chains.
func (r *Coordinator) ActiveChains() int {
	count := 0
	r.chains.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
