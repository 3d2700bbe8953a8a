// Package systemdclient drives unit lifecycle over the systemd1 D-Bus
// manager interface (spec component G): starting/stopping the
// resolver unit and waiting for its JobRemoved completion signal.
package systemdclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	systemdDest = "org.freedesktop.systemd1"
	systemdPath = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIfc  = "org.freedesktop.systemd1.Manager"
)

// JobResult mirrors the original daemon's interpretation of the
// JobRemoved signal: anything other than "done" or "skipped" is a
// failure.
type JobResult int

const (
	JobSuccess JobResult = iota
	JobFailure
)

// ResultFromString classifies a JobRemoved signal's result string.
func ResultFromString(result string) JobResult {
	if result == "done" || result == "skipped" {
		return JobSuccess
	}
	return JobFailure
}

// Client wraps a system-bus connection scoped to the systemd manager.
type Client struct {
	conn *dbus.Conn
}

func New(conn *dbus.Conn) *Client {
	return &Client{conn: conn}
}

// RestartUnit issues systemd1.Manager.RestartUnit(unit, "replace") and
// returns the numeric job id extracted from the returned object path.
func (c *Client) RestartUnit(unit string) (uint32, error) {
	return c.callJobMethod("RestartUnit", unit)
}

// StopUnit issues systemd1.Manager.StopUnit(unit, "replace").
func (c *Client) StopUnit(unit string) (uint32, error) {
	return c.callJobMethod("StopUnit", unit)
}

func (c *Client) callJobMethod(method, unit string) (uint32, error) {
	obj := c.conn.Object(systemdDest, systemdPath)
	var jobPath dbus.ObjectPath
	err := obj.Call(managerIfc+"."+method, 0, unit, "replace").Store(&jobPath)
	if err != nil {
		return 0, fmt.Errorf("systemdclient: %s(%s): %w", method, unit, err)
	}
	return jobIDFromPath(jobPath)
}

func jobIDFromPath(path dbus.ObjectPath) (uint32, error) {
	idx := strings.LastIndexByte(string(path), '/')
	if idx < 0 {
		return 0, fmt.Errorf("systemdclient: malformed job path %q", path)
	}
	id, err := strconv.ParseUint(string(path)[idx+1:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("systemdclient: malformed job id in %q: %w", path, err)
	}
	return uint32(id), nil
}

// JobCompletion is one JobRemoved signal, trimmed to the fields
// callers need to act on.
type JobCompletion struct {
	ID     uint32
	Unit   string
	Result JobResult
}

// SubscribeJobRemoved adds a match rule for systemd1.Manager's
// JobRemoved signal and returns a channel of parsed completions. The
// returned function removes the match rule and stops the goroutine.
func (c *Client) SubscribeJobRemoved() (<-chan JobCompletion, func(), error) {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchInterface(managerIfc),
		dbus.WithMatchMember("JobRemoved"),
		dbus.WithMatchObjectPath(systemdPath),
		dbus.WithMatchSender(systemdDest),
	); err != nil {
		return nil, nil, fmt.Errorf("systemdclient: failed to subscribe to JobRemoved: %w", err)
	}

	raw := make(chan *dbus.Signal, 10)
	c.conn.Signal(raw)

	out := make(chan JobCompletion, 10)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig, ok := <-raw:
				if !ok {
					close(out)
					return
				}
				if sig.Name != managerIfc+".JobRemoved" || len(sig.Body) != 4 {
					continue
				}
				id, _ := sig.Body[0].(uint32)
				unit, _ := sig.Body[2].(string)
				result, _ := sig.Body[3].(string)
				out <- JobCompletion{ID: id, Unit: unit, Result: ResultFromString(result)}
			case <-done:
				close(out)
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		c.conn.RemoveSignal(raw)
		_ = c.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(managerIfc),
			dbus.WithMatchMember("JobRemoved"),
			dbus.WithMatchObjectPath(systemdPath),
			dbus.WithMatchSender(systemdDest),
		)
	}
	return out, cancel, nil
}
