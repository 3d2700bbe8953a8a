package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
)

func mustURI(t *testing.T, raw string) *server.Server {
	t.Helper()
	s, err := server.FromURI(raw)
	require.NoError(t, err)
	return s
}

func TestReconcileAddsNewDomain(t *testing.T) {
	s := mustURI(t, "dns+udp://1.1.1.1?domain=example.com")
	table, err := routing.Build([]*server.Server{s})
	require.NoError(t, err)

	plan := Reconcile(table, routing.ModeBackup, "", Snapshot{Domains: map[string][]*server.Server{}})
	require.False(t, plan.ReloadRequired)
	require.Contains(t, plan.ToAdd, "example.com")
	require.Empty(t, plan.ToRemove)
}

func TestReconcileNoChangeWhenSetIdentical(t *testing.T) {
	s := mustURI(t, "dns+udp://1.1.1.1?domain=example.com")
	table, err := routing.Build([]*server.Server{s})
	require.NoError(t, err)

	first := Reconcile(table, routing.ModeBackup, "", Snapshot{Domains: map[string][]*server.Server{}})
	second := Reconcile(table, routing.ModeBackup, "", first.Next)
	require.Empty(t, second.ToAdd)
	require.Empty(t, second.ToRemove)
}

func TestReconcileRemovesDroppedDomain(t *testing.T) {
	s := mustURI(t, "dns+udp://1.1.1.1?domain=example.com")
	table, err := routing.Build([]*server.Server{s})
	require.NoError(t, err)
	prev := Reconcile(table, routing.ModeBackup, "", Snapshot{Domains: map[string][]*server.Server{}}).Next

	empty, err := routing.Build(nil)
	require.NoError(t, err)
	plan := Reconcile(empty, routing.ModeBackup, "", prev)
	require.Equal(t, []string{"example.com"}, plan.ToRemove)
}

func TestReconcileCAChangeForcesReload(t *testing.T) {
	s := mustURI(t, "dns+tls://1.1.1.1?ca=/etc/old.pem")
	table, err := routing.Build([]*server.Server{s})
	require.NoError(t, err)
	prev := Reconcile(table, routing.ModeBackup, "", Snapshot{Domains: map[string][]*server.Server{}}).Next

	s2 := mustURI(t, "dns+tls://1.1.1.1?ca=/etc/new.pem")
	table2, err := routing.Build([]*server.Server{s2})
	require.NoError(t, err)
	plan := Reconcile(table2, routing.ModeBackup, "", prev)
	require.True(t, plan.ReloadRequired)
}

type fakeExecutor struct {
	calls [][]string
	fail  bool
}

func (f *fakeExecutor) Run(ctx context.Context, args ...string) error {
	f.calls = append(f.calls, append([]string{}, args...))
	if f.fail {
		return context.DeadlineExceeded
	}
	return nil
}

func TestAddDomainBuildsInsecureTLSFlag(t *testing.T) {
	s := mustURI(t, "dns+tls://1.1.1.1?dnssec=0")
	exec := &fakeExecutor{}
	require.NoError(t, AddDomain(context.Background(), exec, "example.com", []*server.Server{s}))
	require.Equal(t, []string{"forward_add", "+it", "example.com", "1.1.1.1@853"}, exec.calls[0])
	require.Equal(t, []string{"flush_zone", "example.com"}, exec.calls[1])
}

func TestRemoveDomainRootSpecialCase(t *testing.T) {
	exec := &fakeExecutor{}
	require.NoError(t, RemoveDomain(context.Background(), exec, "."))
	require.Equal(t, []string{"forward_add", ".", "127.0.0.1"}, exec.calls[0])
}

func TestRemoveDomainNonRoot(t *testing.T) {
	exec := &fakeExecutor{}
	require.NoError(t, RemoveDomain(context.Background(), exec, "example.com"))
	require.Equal(t, []string{"forward_remove", "+i", "example.com"}, exec.calls[0])
}
