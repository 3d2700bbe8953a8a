package reconcile

import (
	"context"
	"fmt"
	"os/exec"

	"dnsconfd/internal/server"
	"dnsconfd/internal/unboundconf"
)

// Executor runs unbound-control commands. Tests substitute a fake
// that records the argv instead of spawning a process.
type Executor interface {
	Run(ctx context.Context, args ...string) error
}

// execExecutor shells out to the real unbound-control binary found on
// PATH, never via a shell, so no argument is ever string-concatenated
// into a command line.
type execExecutor struct{}

func NewExecExecutor() Executor { return execExecutor{} }

func (execExecutor) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "unbound-control", args...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("reconcile: unbound-control %v: %w", args, err)
	}
	return nil
}

// AddDomain issues forward_add for domain with the given server set,
// prefixed by the +i/+t/+it insecure/tls flags taken from the first
// (highest-tier) server, then flushes the zone's cache.
func AddDomain(ctx context.Context, exec Executor, domain string, servers []*server.Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("reconcile: AddDomain called with no servers for %q", domain)
	}

	args := []string{"forward_add"}
	if flag := insecureTLSFlag(servers[0]); flag != "" {
		args = append(args, flag)
	}
	args = append(args, domain)
	for _, s := range servers {
		args = append(args, forwardArg(s))
	}

	if err := exec.Run(ctx, args...); err != nil {
		return err
	}
	return exec.Run(ctx, "flush_zone", domain)
}

// RemoveDomain drops a domain's forwarding: the root domain can never
// be truly removed from unbound, so it is reset to loopback instead;
// every other domain is removed outright. Either way the zone's cache
// is flushed afterward.
func RemoveDomain(ctx context.Context, exec Executor, domain string) error {
	if domain == "." {
		if err := exec.Run(ctx, "forward_add", ".", "127.0.0.1"); err != nil {
			return err
		}
	} else {
		if err := exec.Run(ctx, "forward_remove", "+i", domain); err != nil {
			return err
		}
	}
	return exec.Run(ctx, "flush_zone", domain)
}

func insecureTLSFlag(s *server.Server) string {
	insecure := !s.DNSSEC
	tls := s.Protocol == server.ProtocolTLS
	switch {
	case insecure && tls:
		return "+it"
	case insecure:
		return "+i"
	case tls:
		return "+t"
	default:
		return ""
	}
}

func forwardArg(s *server.Server) string {
	return unboundconf.ForwardAddrString(s)
}
