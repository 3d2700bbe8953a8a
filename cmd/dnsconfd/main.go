package main

import (
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/godbus/dbus/v5"

	"dnsconfd/internal/busserver"
	"dnsconfd/internal/config"
	"dnsconfd/internal/fsm"
	"dnsconfd/internal/log"
	"dnsconfd/internal/reconcile"
	"dnsconfd/internal/sdnotify"
	"dnsconfd/internal/systemdclient"
	"dnsconfd/internal/unboundconf"
)

// Version is stamped at build time via -ldflags.
var Version = "development"

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config-file", "/etc/dnsconfd.conf", "path to the configuration file")
	logLevel := flag.String("log-level", "", "log level (error, warn, info, debug, trace)")
	stderrLog := flag.Bool("stderr-log", false, "log to stderr")
	noStderrLog := flag.Bool("no-stderr-log", false, "disable logging to stderr")
	syslogLog := flag.Bool("syslog-log", false, "log to syslog")
	fileLog := flag.String("file-log", "", "log to this file")
	resolvConfPath := flag.String("resolv-conf-path", "", "path to the resolv.conf to manage")
	listenAddress := flag.String("listen-address", "", "address unbound listens on")
	resolverOptions := flag.String("resolver-options", "", "resolv.conf options line")
	dnssecEnabled := flag.Bool("dnssec-enabled", false, "enable DNSSEC validation")
	noDNSSECEnabled := flag.Bool("no-dnssec-enabled", false, "disable DNSSEC validation")
	certificationAuthority := flag.String("certification-authority", "", "fallback CA bundle search list")
	mode := flag.String("mode", "", "resolution mode (backup, prefer, exclusive)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("dnsconfd %s\n", Version)
		return int(fsm.ExitOK)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(fsm.ExitConfigFailure)
	}
	applyFlagOverrides(&cfg, flagOverrides{
		logLevel:               *logLevel,
		stderrLog:              *stderrLog,
		noStderrLog:            *noStderrLog,
		syslogLog:              *syslogLog,
		fileLog:                *fileLog,
		resolvConfPath:         *resolvConfPath,
		listenAddress:          *listenAddress,
		resolverOptions:        *resolverOptions,
		dnssecEnabled:          *dnssecEnabled,
		noDNSSECEnabled:        *noDNSSECEnabled,
		certificationAuthority: *certificationAuthority,
		resolutionMode:         *mode,
	})

	if err := setupLogging(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(fsm.ExitLogs)
	}
	log.SetGlobalLevel(cfg.LogLevel)
	logger := log.New("[main]", cfg.LogLevel)

	if os.Geteuid() != 0 {
		logger.Warn("not running as root; unbound.conf and resolv.conf writes will likely fail")
	}

	staticServers, err := cfg.StaticServers()
	if err != nil {
		logger.Error("invalid configuration: %v", err)
		return int(fsm.ExitConfigFailure)
	}
	resolutionMode, err := cfg.Mode()
	if err != nil {
		logger.Error("invalid configuration: %v", err)
		return int(fsm.ExitConfigFailure)
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		logger.Error("failed to connect to system bus: %v", err)
		return int(fsm.ExitDBusFailure)
	}
	defer conn.Close()

	systemd := systemdclient.New(conn)
	configWriter := &unboundconf.Writer{Opts: unboundconf.Options{
		DNSSECEnabled:          cfg.DNSSECEnabled,
		ListenAddress:          cfg.ListenAddress,
		CertificationAuthority: cfg.CABundleList(),
	}}
	resolvConf := unboundconf.NewResolvConfWriter(unboundconf.ResolvConfOptions{
		Path:            cfg.ResolvConfPath,
		ListenAddress:   cfg.ListenAddress,
		ResolverOptions: cfg.ResolverOptions,
	})
	notifier := sdnotify.New()
	emitter := &serialForwarder{}

	fsmCtx := fsm.New(fsm.Config{
		StaticServers:          staticServers,
		ServiceUnit:            cfg.ServiceUnit,
		CertificationAuthority: cfg.CABundleList(),
		ResolutionMode:         resolutionMode,
	}, systemd, configWriter, resolvConf, reconcile.NewExecExecutor(), notifier, emitter, log.New("[fsm]", cfg.LogLevel))

	busSrv, err := busserver.New(conn, fsmCtx, log.New("[busserver]", cfg.LogLevel))
	if err != nil {
		logger.Error("failed to register D-Bus service: %v", err)
		return int(fsm.ExitDBusFailure)
	}
	defer busSrv.Close()
	emitter.target = busSrv

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("received termination signal, shutting down")
		if err := fsmCtx.RequestStop(); err != nil {
			logger.Error("failed to request stop: %v", err)
		}
	}()

	if err := fsmCtx.Kickoff(); err != nil {
		logger.Error("failed to start: %v", err)
		return int(fsm.ExitFSMFailure)
	}

	<-fsmCtx.Stopped()
	return int(fsmCtx.ExitCode())
}

// serialForwarder lets the FSM be constructed before the bus server
// that owns the actual property it publishes: the bus server installs
// itself as the forwarding target once both are built.
type serialForwarder struct {
	target fsm.SerialEmitter
}

func (f *serialForwarder) EmitSerialChanged(serial uint32) {
	if f.target != nil {
		f.target.EmitSerialChanged(serial)
	}
}

type flagOverrides struct {
	logLevel               string
	stderrLog              bool
	noStderrLog            bool
	syslogLog              bool
	fileLog                string
	resolvConfPath         string
	listenAddress          string
	resolverOptions        string
	dnssecEnabled          bool
	noDNSSECEnabled        bool
	certificationAuthority string
	resolutionMode         string
}

func applyFlagOverrides(cfg *config.Config, f flagOverrides) {
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.noStderrLog {
		cfg.StderrLog = false
	} else if f.stderrLog {
		cfg.StderrLog = true
	}
	if f.syslogLog {
		cfg.SyslogLog = true
	}
	if f.fileLog != "" {
		cfg.FileLog = f.fileLog
	}
	if f.resolvConfPath != "" {
		cfg.ResolvConfPath = f.resolvConfPath
	}
	if f.listenAddress != "" {
		cfg.ListenAddress = f.listenAddress
	}
	if f.resolverOptions != "" {
		cfg.ResolverOptions = f.resolverOptions
	}
	if f.noDNSSECEnabled {
		cfg.DNSSECEnabled = false
	} else if f.dnssecEnabled {
		cfg.DNSSECEnabled = true
	}
	if f.certificationAuthority != "" {
		cfg.CertificationAuthority = strings.Fields(f.certificationAuthority)
	}
	if f.resolutionMode != "" {
		cfg.ResolutionMode = f.resolutionMode
	}
}

// setupLogging wires the configured destinations into the shared
// logger: stderr is the default, syslog and a log file are additive.
func setupLogging(cfg config.Config) error {
	var writers []io.Writer

	if cfg.StderrLog {
		writers = append(writers, os.Stderr)
	}
	if cfg.SyslogLog {
		w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "dnsconfd")
		if err != nil {
			return fmt.Errorf("failed to connect to syslog: %w", err)
		}
		writers = append(writers, w)
	}
	if cfg.FileLog != "" {
		f, err := os.OpenFile(cfg.FileLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", cfg.FileLog, err)
		}
		writers = append(writers, f)
	}

	if len(writers) == 0 {
		log.SetOutput(io.Discard)
		return nil
	}
	log.SetOutput(io.MultiWriter(writers...))
	return nil
}
