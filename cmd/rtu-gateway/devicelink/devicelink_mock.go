package devicelink

import (
	"context"
	"sync"
	"testing"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// MockLink is a scripted device link for tests. Each fetch pops the next
// error from the script; an empty script falls back to Err. With neither
// set, the configured payloads are returned.
type MockLink struct {
	mu sync.Mutex

	SystemData  *datamodel.SystemHealthPayload
	NetworkData *datamodel.NetworkStatusPayload
	IoData      *datamodel.IoStatusPayload

	// ScriptedErrs is consumed one entry per call, nil entries mean success.
	ScriptedErrs []error
	// Err is returned by every call once the script is exhausted.
	Err error

	FetchCalls   int
	CommandCalls []MockCommand
	CommandErr   error
}

type MockCommand struct {
	GatewayID string
	OutputID  string
	State     bool
}

func GetMockLink(t *testing.T) *MockLink {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock device link")
	return &MockLink{}
}

func (m *MockLink) nextErr() error {
	if len(m.ScriptedErrs) > 0 {
		err := m.ScriptedErrs[0]
		m.ScriptedErrs = m.ScriptedErrs[1:]
		return err
	}
	return m.Err
}

func (m *MockLink) FetchSystemData(_ context.Context, _ *datamodel.Gateway) (*datamodel.SystemHealthPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.SystemData, nil
}

func (m *MockLink) FetchNetworkData(_ context.Context, _ *datamodel.Gateway) (*datamodel.NetworkStatusPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.NetworkData, nil
}

func (m *MockLink) FetchIoData(_ context.Context, _ *datamodel.Gateway) (*datamodel.IoStatusPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchCalls++
	if err := m.nextErr(); err != nil {
		return nil, err
	}
	return m.IoData, nil
}

func (m *MockLink) SendDigitalOutputCommand(_ context.Context, gw *datamodel.Gateway, outputID string, state bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommandCalls = append(m.CommandCalls, MockCommand{GatewayID: gw.ID, OutputID: outputID, State: state})
	if m.CommandErr != nil {
		return m.CommandErr
	}
	return m.nextErr()
}

// Calls returns the total number of fetch calls made so far.
func (m *MockLink) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FetchCalls
}
