package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dnsconfd/internal/log"
	"dnsconfd/internal/reconcile"
	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
	"dnsconfd/internal/systemdclient"
)

type fakeSystemd struct {
	nextJobID uint32
	restarts  int
	stops     int
	jobCh     chan systemdclient.JobCompletion
}

func newFakeSystemd() *fakeSystemd {
	return &fakeSystemd{nextJobID: 1, jobCh: make(chan systemdclient.JobCompletion, 4)}
}

func (f *fakeSystemd) RestartUnit(unit string) (uint32, error) {
	f.restarts++
	id := f.nextJobID
	f.nextJobID++
	return id, nil
}

func (f *fakeSystemd) StopUnit(unit string) (uint32, error) {
	f.stops++
	id := f.nextJobID
	f.nextJobID++
	return id, nil
}

func (f *fakeSystemd) SubscribeJobRemoved() (<-chan systemdclient.JobCompletion, func(), error) {
	return f.jobCh, func() {}, nil
}

type fakeConfigWriter struct{ calls int }

func (f *fakeConfigWriter) Write(table routing.Table, mode routing.Mode) (string, error) {
	f.calls++
	return "ca", nil
}

type fakeResolvConf struct {
	writes  int
	reverts int
}

func (f *fakeResolvConf) Write(table routing.Table, mode routing.Mode) error {
	f.writes++
	return nil
}

func (f *fakeResolvConf) Revert() error {
	f.reverts++
	return nil
}

type fakeExecutor struct{}

func (fakeExecutor) Run(ctx context.Context, args ...string) error { return nil }

type fakeNotifier struct{ states []string }

func (f *fakeNotifier) Notify(state string) error {
	f.states = append(f.states, state)
	return nil
}

type fakeEmitter struct{ serials []uint32 }

func (f *fakeEmitter) EmitSerialChanged(serial uint32) {
	f.serials = append(f.serials, serial)
}

func newTestContext(t *testing.T) (*Context, *fakeSystemd) {
	t.Helper()
	systemd := newFakeSystemd()
	c := New(Config{ServiceUnit: "unbound.service"}, systemd, &fakeConfigWriter{}, &fakeResolvConf{},
		fakeExecutor{}, &fakeNotifier{}, &fakeEmitter{}, log.New("test", ""))
	return c, systemd
}

func TestKickoffDrivesToWaitingForStartJob(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.Kickoff())
	require.Equal(t, StateWaitingForStartJob, c.State())
}

func TestJobSuccessDrivesToRunning(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.Kickoff())
	require.NoError(t, c.Dispatch(EventJobSuccess))
	require.Equal(t, StateRunning, c.State())
	require.Equal(t, uint32(2), c.ConfigurationSerial())
}

func TestIllegalTransitionReturnsError(t *testing.T) {
	c, _ := newTestContext(t)
	err := c.Dispatch(EventJobSuccess)
	require.Error(t, err)
	var target *ErrIllegalTransition
	require.ErrorAs(t, err, &target)
}

func TestUpdateWhileRunningReturnsToRunning(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.Kickoff())
	require.NoError(t, c.Dispatch(EventJobSuccess))
	require.Equal(t, StateRunning, c.State())

	s, err := server.FromURI("dns+udp://1.1.1.1")
	require.NoError(t, err)
	serial, err := c.Update([]*server.Server{s}, routing.ModeBackup)
	require.NoError(t, err)
	require.Greater(t, serial, uint32(0))
	require.Equal(t, StateRunning, c.State())
}

func TestStopFromRunningEndsInStoppedAndQuits(t *testing.T) {
	c, _ := newTestContext(t)
	require.NoError(t, c.Kickoff())
	require.NoError(t, c.Dispatch(EventJobSuccess))
	require.NoError(t, c.RequestStop())
	require.NoError(t, c.Dispatch(EventJobSuccess))
	require.Equal(t, StateStopping, c.State())

	select {
	case <-c.Stopped():
	default:
		t.Fatal("expected FSM to have signalled stop completion")
	}
}

func TestStatusReportsCurrentState(t *testing.T) {
	c, _ := newTestContext(t)
	data, err := c.Status()
	require.NoError(t, err)
	require.Contains(t, string(data), `"state":"STARTING"`)
}
