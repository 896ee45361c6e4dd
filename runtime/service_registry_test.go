package runtime

import (
	"reflect"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockService struct {
	started bool
	stopped bool
	status  error
}

type secondMockService struct {
	status error
}

func (m *mockService) Start() { m.started = true }

func (m *mockService) Stop() error {
	m.stopped = true
	return nil
}

func (m *mockService) Status() error { return m.status }

func (*secondMockService) Start() {}

func (*secondMockService) Stop() error { return nil }

func (s *secondMockService) Status() error { return s.status }

func TestRegisterServiceTwice(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))
	require.Len(t, registry.serviceTypes, 1)

	err := registry.RegisterService(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterDifferentServices(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))
	require.Len(t, registry.serviceTypes, 2)

	_, exists := registry.services[reflect.TypeOf(m)]
	assert.True(t, exists)
	_, exists = registry.services[reflect.TypeOf(s)]
	assert.True(t, exists)
}

func TestFetchService(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	require.NoError(t, registry.RegisterService(m))

	err := registry.FetchService(*m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a pointer")

	var unknown *secondMockService
	err = registry.FetchService(&unknown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")

	var fetched *mockService
	require.NoError(t, registry.FetchService(&fetched))
	assert.Same(t, m, fetched)
}

func TestStartStopAndStatuses(t *testing.T) {
	registry := NewServiceRegistry()

	m := &mockService{}
	s := &secondMockService{}
	require.NoError(t, registry.RegisterService(m))
	require.NoError(t, registry.RegisterService(s))

	registry.StartAll()
	assert.True(t, m.started)

	m.status = errors.New("backlog growing")
	statuses := registry.Statuses()
	assert.EqualError(t, statuses[reflect.TypeOf(m)], "backlog growing")
	assert.NoError(t, statuses[reflect.TypeOf(s)])

	registry.StopAll()
	assert.True(t, m.stopped)
}
