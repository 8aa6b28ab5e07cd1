package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockMeetingRepository struct {
	mock.Mock
}

func (m *MockMeetingRepository) CheckAccess(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (bool, error) {
	args := m.Called(ctx, roomID, identity)
	return args.Bool(0), args.Error(1)
}

func (m *MockMeetingRepository) SnapshotActiveMembers(ctx context.Context, roomID domain.RoomID, exclude domain.UserID) ([]domain.Identity, error) {
	args := m.Called(ctx, roomID, exclude)
	members, _ := args.Get(0).([]domain.Identity)
	return members, args.Error(1)
}

func (m *MockMeetingRepository) LookupUsername(ctx context.Context, userID domain.UserID) (string, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Error(1)
}

const room domain.RoomID = "8f7c2a7e-0b57-4b6e-9a43-5a3b8f1f8d21"

func newWrapper(repo *MockMeetingRepository) *MeetingRepositoryWrapper {
	return NewMeetingRepositoryWrapper(repo, circuitbreaker.Config{
		FailureThreshold: 2,
		OpenTimeout:      time.Hour,
	}, zap.NewNop().Sugar())
}

func TestMeetingRepositoryWrapper_PassesThrough(t *testing.T) {
	repo := new(MockMeetingRepository)
	alice := domain.Identity{ID: 3, Username: "alice"}
	members := []domain.Identity{{ID: 4, Username: "bob"}}

	repo.On("CheckAccess", mock.Anything, room, alice).Return(true, nil)
	repo.On("SnapshotActiveMembers", mock.Anything, room, domain.UserID(3)).Return(members, nil)
	repo.On("LookupUsername", mock.Anything, domain.UserID(4)).Return("bob", nil)

	w := newWrapper(repo)
	ctx := context.Background()

	ok, err := w.CheckAccess(ctx, room, alice)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := w.SnapshotActiveMembers(ctx, room, 3)
	require.NoError(t, err)
	assert.Equal(t, members, got)

	name, err := w.LookupUsername(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "bob", name)

	repo.AssertExpectations(t)
}

func TestMeetingRepositoryWrapper_OpensOnBackendFailures(t *testing.T) {
	repo := new(MockMeetingRepository)
	alice := domain.Identity{ID: 3, Username: "alice"}
	repo.On("CheckAccess", mock.Anything, room, alice).Return(false, errors.New("connection refused")).Twice()

	w := newWrapper(repo)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := w.CheckAccess(ctx, room, alice)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, w.BreakerState())

	_, err := w.CheckAccess(ctx, room, alice)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	repo.AssertExpectations(t)
}

func TestMeetingRepositoryWrapper_UnknownUserDoesNotTrip(t *testing.T) {
	repo := new(MockMeetingRepository)
	repo.On("LookupUsername", mock.Anything, domain.UserID(9)).Return("", domain.ErrUserNotFound)

	w := newWrapper(repo)
	for i := 0; i < 5; i++ {
		_, err := w.LookupUsername(context.Background(), 9)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, w.BreakerState())
}
