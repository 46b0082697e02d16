package postgresql

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldgrid/rtu-telemetry/pkg/datamodel"
)

// MockConnection is an in-memory IConnection for tests.
type MockConnection struct {
	mu       sync.Mutex
	Gateways map[string]*datamodel.Gateway
	History  []datamodel.HistoryPoint
	Alerts   map[int64]*datamodel.AlertRecord
	nextID   int64

	// FailSave makes SaveGateway fail, for exercising persistence errors.
	FailSave bool
	Saves    int
}

func CreateMockConnection(t *testing.T) *MockConnection {
	// Passing t here to ensure it is not used in production code
	t.Logf("Using mock connection")
	return &MockConnection{
		Gateways: make(map[string]*datamodel.Gateway),
		Alerts:   make(map[int64]*datamodel.AlertRecord),
		nextID:   1,
	}
}

func (m *MockConnection) AddGateway(gw datamodel.Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := gw
	m.Gateways[gw.ID] = &copied
}

func (m *MockConnection) AddAlert(record datamodel.AlertRecord) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.ID == 0 {
		record.ID = m.nextID
		m.nextID++
	} else if record.ID >= m.nextID {
		m.nextID = record.ID + 1
	}
	copied := record
	m.Alerts[record.ID] = &copied
	return record.ID
}

func (m *MockConnection) ListGateways(_ context.Context) ([]datamodel.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gateways := make([]datamodel.Gateway, 0, len(m.Gateways))
	for _, gw := range m.Gateways {
		gateways = append(gateways, *gw)
	}
	return gateways, nil
}

func (m *MockConnection) LoadGateway(_ context.Context, gatewayID string) (*datamodel.Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.Gateways[gatewayID]
	if !ok {
		return nil, fmt.Errorf("gateway %s not found", gatewayID)
	}
	copied := *gw
	return &copied, nil
}

func (m *MockConnection) SaveGateway(_ context.Context, gw *datamodel.Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSave {
		return fmt.Errorf("save failed")
	}
	copied := *gw
	m.Gateways[gw.ID] = &copied
	m.Saves++
	return nil
}

func (m *MockConnection) InsertHistory(_ context.Context, point datamodel.HistoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History = append(m.History, point)
	return nil
}

func (m *MockConnection) HistoryWindow(_ context.Context, gatewayID string, window time.Duration) ([]datamodel.HistoryPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var points []datamodel.HistoryPoint
	for _, point := range m.History {
		if point.GatewayID == gatewayID && point.Timestamp.After(cutoff) {
			points = append(points, point)
		}
	}
	return points, nil
}

func (m *MockConnection) UnresolvedAlerts(_ context.Context, gatewayID string) ([]datamodel.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var records []datamodel.AlertRecord
	for _, record := range m.Alerts {
		if record.DeviceID == gatewayID && !record.Resolved {
			records = append(records, *record)
		}
	}
	return records, nil
}

func (m *MockConnection) InsertAlert(_ context.Context, record *datamodel.AlertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record.ID = m.nextID
	m.nextID++
	copied := *record
	m.Alerts[record.ID] = &copied
	return nil
}

func (m *MockConnection) ResolveAlert(_ context.Context, alertID int64, resolverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.Alerts[alertID]
	if !ok || record.Resolved {
		return fmt.Errorf("alert %d not found or already resolved", alertID)
	}
	now := time.Now()
	record.Resolved = true
	record.ResolvedBy = &resolverID
	record.ResolvedAt = &now
	return nil
}
