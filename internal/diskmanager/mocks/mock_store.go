// mock_store.go - Mock implementation of diskmanager.Store using testify/mock
package mock_diskmanager

import (
	"github.com/stretchr/testify/mock"

	"github.com/tphakala/birdnet-pipeline/internal/datastore"
)

// MockStore is a mock implementation of the diskmanager.Store interface.
//
// Note: Cannot add compile-time interface assertion (var _ diskmanager.Store = (*MockStore)(nil))
// as it would create an import cycle: mocks -> diskmanager -> mocks (via tests)
type MockStore struct {
	mock.Mock
}

// GetEvictionCandidates mocks the GetEvictionCandidates method
func (m *MockStore) GetEvictionCandidates(protected []string, after datastore.EvictionCursor, limit int) ([]datastore.Detection, error) {
	args := m.Called(protected, after, limit)
	if dets, ok := args.Get(0).([]datastore.Detection); ok {
		return dets, args.Error(1)
	}
	return nil, args.Error(1)
}

// DeleteDetection mocks the DeleteDetection method
func (m *MockStore) DeleteDetection(id uint) error {
	args := m.Called(id)
	return args.Error(0)
}
