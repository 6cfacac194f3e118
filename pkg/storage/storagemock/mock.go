package storagemock

import (
	"context"

	"github.com/johanzander/batterymanager/pkg/storage"
	"github.com/johanzander/batterymanager/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) SaveDay(ctx context.Context, snap types.DaySnapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

func (m *MockDatabase) GetDay(ctx context.Context, date string) (types.DaySnapshot, error) {
	args := m.Called(ctx, date)
	if len(args) > 0 {
		return args.Get(0).(types.DaySnapshot), args.Error(1)
	}
	return types.DaySnapshot{}, nil
}

func (m *MockDatabase) ListDays(ctx context.Context, start, end string) ([]string, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]string), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPrices(ctx context.Context, date string, prices []types.PricePoint) error {
	args := m.Called(ctx, date, prices)
	return args.Error(0)
}

func (m *MockDatabase) GetPrices(ctx context.Context, date string) ([]types.PricePoint, error) {
	args := m.Called(ctx, date)
	if len(args) > 0 {
		return args.Get(0).([]types.PricePoint), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SaveFlowSample(ctx context.Context, sample types.EnergyFlowSample) error {
	args := m.Called(ctx, sample)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestFlowSample(ctx context.Context) (types.EnergyFlowSample, bool, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.EnergyFlowSample), args.Bool(1), args.Error(2)
	}
	return types.EnergyFlowSample{}, false, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
