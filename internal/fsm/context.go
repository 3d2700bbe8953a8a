package fsm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"dnsconfd/internal/addr"
	"dnsconfd/internal/log"
	"dnsconfd/internal/reconcile"
	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
	"dnsconfd/internal/systemdclient"
)

func newCommandContext() context.Context { return context.Background() }

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

// Config carries the static, rarely-changing settings the FSM's
// actions consult.
type Config struct {
	StaticServers          []*server.Server
	ServiceUnit            string
	CertificationAuthority string
	ResolutionMode         routing.Mode
}

// SystemdClient is the subset of systemdclient.Client the FSM drives.
type SystemdClient interface {
	RestartUnit(unit string) (uint32, error)
	StopUnit(unit string) (uint32, error)
	SubscribeJobRemoved() (<-chan systemdclient.JobCompletion, func(), error)
}

// ConfigWriter renders and installs the resolver configuration (the
// unbound.conf forward-zone/CA writer).
type ConfigWriter interface {
	Write(table routing.Table, mode routing.Mode) (effectiveCA string, err error)
}

// ResolvConfWriter mutates and can roll back the system resolv.conf.
type ResolvConfWriter interface {
	Write(table routing.Table, mode routing.Mode) error
	Revert() error
}

// Notifier reports readiness/reload transitions to the service
// manager (the sd_notify protocol).
type Notifier interface {
	Notify(state string) error
}

// SerialEmitter publishes configuration_serial changes over the bus.
type SerialEmitter interface {
	EmitSerialChanged(serial uint32)
}

// Context is the orchestration FSM: its fields hold the
// dependencies every action consults, and Dispatch runs the
// run-to-completion event loop against them.
type Context struct {
	mu sync.Mutex

	state  State
	config Config
	logger *log.Scoped

	systemd      SystemdClient
	configWriter ConfigWriter
	resolvConf   ResolvConfWriter
	executor     reconcile.Executor
	notifier     Notifier
	emitter      SerialEmitter

	currentDynamicServers []*server.Server
	newDynamicServers     []*server.Server
	allServers            []*server.Server
	currentDomainTable    routing.Table
	unboundSnapshot       reconcile.Snapshot
	resolutionMode        routing.Mode

	awaitedJob     uint32
	jobCh          <-chan systemdclient.JobCompletion
	unsubscribeJob func()

	exitCode        ExitCode
	requestedSerial uint32
	currentSerial   uint32

	stopped bool
	stopCh  chan struct{}
}

// New constructs an FSM in its initial STARTING state.
func New(config Config, systemd SystemdClient, configWriter ConfigWriter, resolvConf ResolvConfWriter,
	executor reconcile.Executor, notifier Notifier, emitter SerialEmitter, logger *log.Scoped) *Context {
	return &Context{
		state:           StateStarting,
		config:          config,
		logger:          logger,
		systemd:         systemd,
		configWriter:    configWriter,
		resolvConf:      resolvConf,
		executor:        executor,
		notifier:        notifier,
		emitter:         emitter,
		resolutionMode:  config.ResolutionMode,
		requestedSerial: 1,
		currentSerial:   1,
		stopCh:          make(chan struct{}),
	}
}

func (c *Context) State() State { return c.state }

func (c *Context) ExitCode() ExitCode { return c.exitCode }

// Stopped signals completion of the STOPPING terminal state (the
// Go analogue of the original daemon's g_main_loop_quit).
func (c *Context) Stopped() <-chan struct{} { return c.stopCh }

func (c *Context) ConfigurationSerial() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSerial
}

// Update is the busserver.Dispatcher entry point for the Update bus
// method: it stages the new dynamic server set and mode and drives
// an UPDATE event, returning the serial the caller should report.
func (c *Context) Update(servers []*server.Server, mode routing.Mode) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.newDynamicServers = servers
	c.resolutionMode = mode
	if err := c.dispatchLocked(EventUpdate); err != nil {
		return 0, err
	}
	return c.requestedSerial, nil
}

// Reload is the busserver.Dispatcher entry point for the Reload bus
// method.
func (c *Context) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(EventReload)
}

// Kickoff starts the daemon's initial configuration pass; callers
// invoke this once after constructing the FSM.
func (c *Context) Kickoff() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(EventKickoff)
}

// RequestStop begins the shutdown sequence.
func (c *Context) RequestStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(EventStop)
}

// Status renders the JSON snapshot the Status bus method returns.
func (c *Context) Status() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return statusJSON(c)
}

// Dispatch feeds a single externally observed event (e.g. a systemd
// JobRemoved completion) into the run-to-completion loop.
func (c *Context) Dispatch(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(event)
}

// dispatchLocked runs the transition table until an action yields
// EventNone, mirroring state_transition's do-while chaining. Returns
// ErrIllegalTransition immediately, without advancing state further,
// on any (state, event) pair the table doesn't define.
func (c *Context) dispatchLocked(event Event) error {
	cur := event
	for cur != EventNone {
		c.logger.Info("transition from %s on %s", c.state, cur)
		next, err := c.step(cur)
		if err != nil {
			return err
		}
		cur = next
	}
	c.logger.Debug("sleeping on state %s", c.state)
	return nil
}

func (c *Context) setExitCode(code ExitCode) {
	if c.exitCode == ExitOK {
		c.exitCode = code
	}
}

func (c *Context) step(event Event) (Event, error) {
	switch c.state {
	case StateStarting:
		switch event {
		case EventUpdate:
			c.setDynamicServers()
			return c.updateContext(), nil
		case EventKickoff:
			ev := c.kickoff()
			c.state = StateConfiguringDNSManager
			return ev, nil
		case EventReload:
			return EventNone, nil
		case EventStop:
			c.state = StateStopping
			return EventStop, nil
		}

	case StateConfiguringDNSManager:
		switch event {
		case EventSuccess:
			ev := c.startServiceAndSubscribe()
			c.state = StateSubmittingStartJob
			return ev, nil
		case EventFailure:
			c.state = StateStopping
			return EventStop, nil
		}

	case StateSubmittingStartJob:
		switch event {
		case EventSuccess:
			c.state = StateWaitingForStartJob
			return EventNone, nil
		case EventFailure:
			c.state = StateStopping
			return EventStop, nil
		}

	case StateWaitingForStartJob:
		switch event {
		case EventJobSuccess:
			c.state = StateSettingResolvConf
			return c.setResolvConf(), nil
		case EventJobFailure:
			c.setExitCode(ExitServiceFailure)
			c.state = StateStopping
			return EventStop, nil
		case EventUpdate:
			c.setDynamicServers()
			return c.updateContext(), nil
		case EventReload:
			c.state = StateConfiguringDNSManager
			return c.kickoff(), nil
		case EventStop:
			c.state = StateSubmittingStopJob
			return c.submitStopJob(), nil
		}

	case StateSettingResolvConf:
		switch event {
		case EventSuccess:
			c.state = StateUpdatingDNSManager
			return c.updateDNSManager(), nil
		case EventFailure:
			c.setExitCode(ExitResolvConfFailure)
			c.state = StateSubmittingStopJob
			return c.submitStopJob(), nil
		}

	case StateUpdatingDNSManager:
		switch event {
		case EventSuccess:
			c.state = StateRunning
			return EventNone, nil
		case EventFailure:
			c.setExitCode(ExitUpdateFailure)
			c.state = StateRevertingResolvConf
			return c.revertResolvConf(), nil
		case EventReload:
			_ = c.notifier.Notify("RELOADING=1\n")
			c.state = StateConfiguringDNSManager
			return c.kickoff(), nil
		}

	case StateRunning:
		switch event {
		case EventUpdate:
			c.setDynamicServers()
			c.updateContext()
			c.state = StateSettingResolvConf
			return c.setResolvConf(), nil
		case EventReload:
			_ = c.notifier.Notify("RELOADING=1\n")
			c.state = StateConfiguringDNSManager
			return c.kickoff(), nil
		case EventStop:
			c.state = StateRevertingResolvConf
			return c.revertResolvConf(), nil
		}

	case StateRevertingResolvConf:
		switch event {
		case EventFailure, EventSuccess:
			c.state = StateSubmittingStopJob
			return c.submitStopJob(), nil
		}

	case StateSubmittingStopJob:
		switch event {
		case EventSuccess:
			c.state = StateWaitingStopJob
			return EventNone, nil
		case EventFailure:
			c.state = StateStopping
			return EventStop, nil
		}

	case StateWaitingStopJob:
		switch event {
		case EventJobFailure, EventJobSuccess:
			c.state = StateStopping
			return EventStop, nil
		case EventUpdate, EventReload, EventStop:
			return EventNone, nil
		}

	case StateStopping:
		switch event {
		case EventStop:
			c.finish()
			return EventNone, nil
		}
	}

	return EventNone, &ErrIllegalTransition{State: c.state, Event: event}
}

func (c *Context) finish() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stopCh)
}

func (c *Context) setDynamicServers() {
	c.currentDynamicServers = c.newDynamicServers
	c.newDynamicServers = nil
}

// updateContext rebuilds the combined server list and routing table
// and bumps the requested configuration serial, skipping zero on
// wraparound so 0 remains reserved for "no configuration yet".
func (c *Context) updateContext() Event {
	c.logger.Debug("refreshing server structures")

	all := make([]*server.Server, 0, len(c.config.StaticServers)+len(c.currentDynamicServers))
	all = append(all, c.config.StaticServers...)
	all = append(all, c.currentDynamicServers...)
	c.allServers = all

	table, err := routing.Build(all)
	if err != nil {
		c.logger.Error("failed to build routing table: %v", err)
		c.currentDomainTable = routing.Table{}
	} else {
		c.currentDomainTable = table
	}

	c.requestedSerial++
	if c.requestedSerial == 0 {
		c.requestedSerial++
	}
	return EventNone
}

func (c *Context) kickoff() Event {
	c.updateContext()
	if _, err := c.configWriter.Write(c.currentDomainTable, c.resolutionMode); err != nil {
		c.logger.Error("failed to create dns cache configuration: %v", err)
		return EventFailure
	}
	return EventSuccess
}

func (c *Context) ensureJobSubscription() error {
	if c.jobCh != nil {
		return nil
	}
	ch, cancel, err := c.systemd.SubscribeJobRemoved()
	if err != nil {
		return err
	}
	c.jobCh = ch
	c.unsubscribeJob = cancel
	go c.watchJobs(ch)
	return nil
}

// watchJobs runs for the lifetime of a job subscription, forwarding
// the completion of the currently awaited job back into the FSM as an
// event. It unsubscribes itself once that job is seen, matching the
// original's per-job subscribe/unsubscribe pairing.
func (c *Context) watchJobs(ch <-chan systemdclient.JobCompletion) {
	for completion := range ch {
		c.mu.Lock()
		awaited := c.awaitedJob
		if completion.ID != awaited || awaited == 0 {
			c.mu.Unlock()
			continue
		}
		c.awaitedJob = 0
		if c.unsubscribeJob != nil {
			c.unsubscribeJob()
			c.unsubscribeJob = nil
			c.jobCh = nil
		}
		result := completion.Result
		c.mu.Unlock()

		ev := EventJobSuccess
		if result != systemdclient.JobSuccess {
			ev = EventJobFailure
		}
		if err := c.Dispatch(ev); err != nil {
			c.logger.Error("job completion dispatch failed: %v", err)
		}
		return
	}
}

func (c *Context) startServiceAndSubscribe() Event {
	if err := c.ensureJobSubscription(); err != nil {
		c.logger.Error("failed to subscribe to systemd job removed signal: %v", err)
		return EventFailure
	}
	jobID, err := c.systemd.RestartUnit(c.config.ServiceUnit)
	if err != nil {
		c.logger.Error("failed to submit dns cache start job: %v", err)
		return EventFailure
	}
	c.awaitedJob = jobID
	return EventSuccess
}

func (c *Context) submitStopJob() Event {
	if err := c.ensureJobSubscription(); err != nil {
		c.logger.Error("failed to subscribe to systemd job removed signal: %v", err)
		return EventFailure
	}
	jobID, err := c.systemd.StopUnit(c.config.ServiceUnit)
	if err != nil {
		c.logger.Error("failed to submit dns cache service stop job: %v", err)
		return EventFailure
	}
	c.awaitedJob = jobID
	return EventSuccess
}

func (c *Context) setResolvConf() Event {
	if err := c.resolvConf.Write(c.currentDomainTable, c.resolutionMode); err != nil {
		c.logger.Error("failed to write resolv.conf: %v", err)
		return EventFailure
	}
	return EventSuccess
}

func (c *Context) revertResolvConf() Event {
	if err := c.resolvConf.Revert(); err != nil {
		c.logger.Error("failed to revert resolv.conf: %v", err)
		return EventFailure
	}
	return EventSuccess
}

// updateDNSManager reconciles the currently installed unbound state
// against the newly computed routing table: a CA change forces a full
// RELOAD (the snapshot is taken as installed, since the reload rewrites
// the whole configuration from the same table), otherwise the minimal
// add/remove diff is executed directly against unbound-control.
func (c *Context) updateDNSManager() Event {
	plan := reconcile.Reconcile(c.currentDomainTable, c.resolutionMode, c.config.CertificationAuthority, c.unboundSnapshot)
	if plan.ReloadRequired {
		c.unboundSnapshot = plan.Next
		return EventReload
	}

	ctx := newCommandContext()
	for domain, servers := range plan.ToAdd {
		if err := reconcile.AddDomain(ctx, c.executor, domain, servers); err != nil {
			c.logger.Error("failed to add domain %s to unbound: %v", domain, err)
			return EventFailure
		}
	}
	for _, domain := range plan.ToRemove {
		if err := reconcile.RemoveDomain(ctx, c.executor, domain); err != nil {
			c.logger.Error("failed to remove domain %s from unbound: %v", domain, err)
			return EventFailure
		}
	}

	c.unboundSnapshot = plan.Next
	c.currentSerial = c.requestedSerial
	_ = c.notifier.Notify("READY=1\n")
	c.emitter.EmitSerialChanged(c.currentSerial)
	return EventSuccess
}

func statusJSON(c *Context) ([]byte, error) {
	type statusDoc struct {
		Service string              `json:"service"`
		Mode    string              `json:"mode"`
		State   string              `json:"state"`
		Cache   map[string][]string `json:"cache_config"`
		Servers []string            `json:"servers"`
	}

	cache := make(map[string][]string, len(c.unboundSnapshot.Domains))
	for domain, servers := range c.unboundSnapshot.Domains {
		uris := make([]string, 0, len(servers))
		for _, s := range servers {
			uris = append(uris, serverURIForStatus(s))
		}
		cache[domain] = uris
	}

	servers := make([]string, 0, len(c.allServers))
	for _, s := range c.allServers {
		servers = append(servers, serverURIForStatus(s))
	}

	doc := statusDoc{
		Service: "unbound",
		Mode:    c.resolutionMode.String(),
		State:   c.state.String(),
		Cache:   cache,
		Servers: servers,
	}
	return jsonMarshal(doc)
}

// serverURIForStatus renders a server as scheme://host[:port] for the
// Status bus method's human-facing snapshot. The port is omitted when
// it is the protocol default, and a TLS server's name is appended after
// '#' (this is not the ?name= form FromURI parses).
func serverURIForStatus(s *server.Server) string {
	host := s.Address.Format()
	if s.Address.Family == addr.FamilyV6 {
		host = "[" + host + "]"
	}
	uri := fmt.Sprintf("%s://%s", s.Protocol.String(), host)
	if s.Protocol == server.ProtocolTLS {
		if s.Address.Port != 853 {
			uri += fmt.Sprintf(":%d", s.Address.Port)
		}
		if s.Name != "" {
			uri += "#" + s.Name
		}
	} else if s.Address.Port != 53 {
		uri += fmt.Sprintf(":%d", s.Address.Port)
	}
	return uri
}
