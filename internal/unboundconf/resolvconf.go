package unboundconf

import (
	"bytes"
	"fmt"
	"os"

	"dnsconfd/internal/routing"
)

// ResolvConfOptions configures the stub resolv.conf writer.
type ResolvConfOptions struct {
	Path            string
	ListenAddress   string
	ResolverOptions string
}

// ResolvConfWriter rewrites the system resolv.conf in place (not via a
// temporary file and rename) and remembers the file's pre-daemon contents so a later failure can
// roll back to exactly what was there before dnsconfd ever touched
// it (spec §6, the stub-file rollback requirement).
type ResolvConfWriter struct {
	opts      ResolvConfOptions
	backup    []byte
	hasBackup bool
}

func NewResolvConfWriter(opts ResolvConfOptions) *ResolvConfWriter {
	return &ResolvConfWriter{opts: opts}
}

// Write renders the stub file: a banner comment, one search line
// built from every active server's search domains (each domain
// appears once, in the order first seen while walking the table; the
// table is a map, so the order of domains is not stable), an options
// line if configured, and the daemon's own listen address as the
// sole nameserver. The original file is captured as a backup on the
// first call only.
func (w *ResolvConfWriter) Write(table routing.Table, mode routing.Mode) error {
	if !w.hasBackup {
		original, err := os.ReadFile(w.opts.Path)
		if err != nil {
			return fmt.Errorf("unboundconf: failed to back up %s: %w", w.opts.Path, err)
		}
		w.backup = original
		w.hasBackup = true
	}

	var buf bytes.Buffer
	buf.WriteString("#Generated by dnsconfd\n")

	seen := make(map[string]bool)
	firstSearch := true
	for domain, servers := range table {
		used := routing.ActiveSet(domain, servers, mode)
		for _, s := range used {
			for _, search := range s.SearchDomains {
				if seen[search] {
					continue
				}
				seen[search] = true
				if firstSearch {
					buf.WriteString("search ")
					firstSearch = false
				} else {
					buf.WriteString(" ")
				}
				buf.WriteString(search)
			}
		}
	}
	if !firstSearch {
		buf.WriteString("\n")
	}

	if w.opts.ResolverOptions != "" {
		fmt.Fprintf(&buf, "options %s\n", w.opts.ResolverOptions)
	}
	fmt.Fprintf(&buf, "nameserver %s\n", w.opts.ListenAddress)

	if err := os.WriteFile(w.opts.Path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("unboundconf: failed to write %s: %w", w.opts.Path, err)
	}
	return nil
}

// Revert restores the backed-up content, failing if Write was never
// called successfully first.
func (w *ResolvConfWriter) Revert() error {
	if !w.hasBackup {
		return fmt.Errorf("unboundconf: no backup captured for %s", w.opts.Path)
	}
	if err := os.WriteFile(w.opts.Path, w.backup, 0o644); err != nil {
		return fmt.Errorf("unboundconf: failed to revert %s: %w", w.opts.Path, err)
	}
	return nil
}
