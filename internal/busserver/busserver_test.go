package busserver

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"dnsconfd/internal/log"
	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
)

type fakeDispatcher struct {
	serial     uint32
	updateErr  error
	reloadErr  error
	statusJSON []byte
	statusErr  error
	gotServers []*server.Server
	gotMode    routing.Mode
}

func (f *fakeDispatcher) Update(servers []*server.Server, mode routing.Mode) (uint32, error) {
	f.gotServers = servers
	f.gotMode = mode
	if f.updateErr != nil {
		return 0, f.updateErr
	}
	return f.serial, nil
}

func (f *fakeDispatcher) Reload() error { return f.reloadErr }

func (f *fakeDispatcher) Status() ([]byte, error) { return f.statusJSON, f.statusErr }

func (f *fakeDispatcher) ConfigurationSerial() uint32 { return f.serial }

func newTestManager(fsm Dispatcher) manager {
	return manager{s: &Server{fsm: fsm, logger: log.New("test", "")}}
}

func TestModeFromWire(t *testing.T) {
	m, err := modeFromWire(0)
	require.NoError(t, err)
	require.Equal(t, routing.ModeBackup, m)

	m, err = modeFromWire(2)
	require.NoError(t, err)
	require.Equal(t, routing.ModeExclusive, m)

	_, err = modeFromWire(99)
	require.Error(t, err)
}

func TestManagerUpdateParsesServersAndDispatches(t *testing.T) {
	fake := &fakeDispatcher{serial: 7}
	m := newTestManager(fake)

	dict := map[string]dbus.Variant{"address": dbus.MakeVariant("1.1.1.1")}
	serial, msg, derr := m.Update([]map[string]dbus.Variant{dict}, 1)
	require.Nil(t, derr)
	require.Equal(t, uint32(7), serial)
	require.Equal(t, "Update accepted", msg)
	require.Len(t, fake.gotServers, 1)
	require.Equal(t, routing.ModePrefer, fake.gotMode)
}

func TestManagerUpdateRejectsBadMode(t *testing.T) {
	m := newTestManager(&fakeDispatcher{})
	serial, msg, derr := m.Update(nil, 99)
	require.Nil(t, derr)
	require.Equal(t, uint32(0), serial)
	require.NotEmpty(t, msg)
}

func TestManagerUpdateRejectsBadServer(t *testing.T) {
	m := newTestManager(&fakeDispatcher{})
	dict := map[string]dbus.Variant{}
	serial, msg, derr := m.Update([]map[string]dbus.Variant{dict}, 0)
	require.Nil(t, derr)
	require.Equal(t, uint32(0), serial)
	require.NotEmpty(t, msg)
}

func TestManagerUpdatePropagatesDispatchError(t *testing.T) {
	m := newTestManager(&fakeDispatcher{updateErr: errors.New("fsm busy")})
	dict := map[string]dbus.Variant{"address": dbus.MakeVariant("1.1.1.1")}
	_, _, derr := m.Update([]map[string]dbus.Variant{dict}, 0)
	require.NotNil(t, derr)
}

func TestManagerStatus(t *testing.T) {
	m := newTestManager(&fakeDispatcher{statusJSON: []byte(`{"state":"ok"}`)})
	out, derr := m.Status()
	require.Nil(t, derr)
	require.Equal(t, `{"state":"ok"}`, out)
}

func TestManagerReload(t *testing.T) {
	m := newTestManager(&fakeDispatcher{})
	out, derr := m.Reload()
	require.Nil(t, derr)
	require.Equal(t, "Reload accepted", out)
}
