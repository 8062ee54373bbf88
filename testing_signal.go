package librtc

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/pion/webrtc/v4"
)

type mockSignalClient struct {
	mock.Mock

	tapConnect func(opts ConnectOptions)
}

func (m *mockSignalClient) Connect(
	ctx context.Context,
	url, token string,
	opts ConnectOptions,
) (ConnectResponse, error) {
	if m.tapConnect != nil {
		m.tapConnect(opts)
	}
	args := m.Called(ctx, url, token, opts)
	return args.Get(0).(ConnectResponse), args.Error(1)
}

func (m *mockSignalClient) ResumeQueues() {
	m.Called()
}

func (m *mockSignalClient) SendCandidate(candidate webrtc.ICECandidateInit, target TransportRole) error {
	args := m.Called(candidate, target)
	return args.Error(0)
}

func (m *mockSignalClient) SendOffer(sdp webrtc.SessionDescription) error {
	args := m.Called(sdp)
	return args.Error(0)
}

func (m *mockSignalClient) SendSyncState(state SyncState) error {
	args := m.Called(state)
	return args.Error(0)
}

func (m *mockSignalClient) Close() {
	m.Called()
}

type mockCleanUp struct {
	mock.Mock
}

func (m *mockCleanUp) CleanUp(isFullReconnect bool) {
	m.Called(isFullReconnect)
}

func (m *mockCleanUp) CleanUpWithError(err error) {
	m.Called(err)
}
