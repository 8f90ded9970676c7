package services

import (
	"context"
	"time"

	"huddle/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetUserByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *MockUserRepository) Upsert(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type MockPresenceStore struct {
	mock.Mock
}

func (m *MockPresenceStore) SetStatus(ctx context.Context, userID domain.UserID, status domain.PresenceStatus, at time.Time) error {
	args := m.Called(ctx, userID, status, at)
	return args.Error(0)
}

func (m *MockPresenceStore) GetStatus(ctx context.Context, userID domain.UserID) (domain.PresenceStatus, time.Time, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(domain.PresenceStatus), args.Get(1).(time.Time), args.Error(2)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) BroadcastToRoom(ctx context.Context, room, event string, payload any, exceptUserID domain.UserID) {
	m.Called(ctx, room, event, payload, exceptUserID)
}

func (m *MockBroadcaster) SendToUser(ctx context.Context, userID domain.UserID, event string, payload any) {
	m.Called(ctx, userID, event, payload)
}

func (m *MockBroadcaster) BroadcastAll(ctx context.Context, event string, payload any, exceptUserID domain.UserID) {
	m.Called(ctx, event, payload, exceptUserID)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) CreateNotification(ctx context.Context, n *domain.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}
