// Package busserver exports the daemon's control surface on the
// system bus (spec component H): the com.redhat.dnsconfd.Manager
// interface's Update/Status/Reload methods and its
// configuration_serial read-only property.
package busserver

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"dnsconfd/internal/log"
	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
)

const (
	objectPath = dbus.ObjectPath("/com/redhat/dnsconfd")
	ifaceName  = "com.redhat.dnsconfd.Manager"
	busName    = "com.redhat.dnsconfd"
)

// Dispatcher is the subset of the orchestration FSM the bus server
// drives. Keeping it as an interface lets busserver be tested without
// a real FSM.
type Dispatcher interface {
	Update(servers []*server.Server, mode routing.Mode) (serial uint32, err error)
	Reload() error
	Status() ([]byte, error)
	ConfigurationSerial() uint32
}

// managerInterface describes com.redhat.dnsconfd.Manager for
// introspection, matching the bus contract method-for-method.
var managerInterface = introspect.Interface{
	Name: ifaceName,
	Methods: []introspect.Method{
		{
			Name: "Update",
			Args: []introspect.Arg{
				{Name: "servers", Type: "aa{sv}", Direction: "in"},
				{Name: "mode", Type: "u", Direction: "in"},
				{Type: "u", Direction: "out"},
				{Type: "s", Direction: "out"},
			},
		},
		{Name: "Status", Args: []introspect.Arg{{Type: "s", Direction: "out"}}},
		{Name: "Reload", Args: []introspect.Arg{{Type: "s", Direction: "out"}}},
	},
	Properties: []introspect.Property{
		{Name: "configuration_serial", Type: "u", Access: "read"},
	},
}

// Server owns the exported Manager object and its bus connection.
type Server struct {
	conn   *dbus.Conn
	fsm    Dispatcher
	logger *log.Scoped
	props  *prop.Properties
}

// New exports the Manager object on the given bus connection and
// requests busName. The caller owns the returned Server's lifetime
// and should call Close on shutdown.
func New(conn *dbus.Conn, fsm Dispatcher, logger *log.Scoped) (*Server, error) {
	s := &Server{conn: conn, fsm: fsm, logger: logger}

	if err := conn.Export(manager{s}, objectPath, ifaceName); err != nil {
		return nil, fmt.Errorf("busserver: failed to export %s: %w", ifaceName, err)
	}

	propsSpec := map[string]map[string]*prop.Prop{
		ifaceName: {
			"configuration_serial": {
				Value:    fsm.ConfigurationSerial(),
				Writable: false,
				Emit:     prop.EmitTrue,
				Callback: nil,
			},
		},
	}
	props, err := prop.Export(conn, objectPath, propsSpec)
	if err != nil {
		return nil, fmt.Errorf("busserver: failed to export properties: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			managerInterface,
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return nil, fmt.Errorf("busserver: failed to export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("busserver: failed to request bus name %s: %w", busName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("busserver: bus name %s already owned", busName)
	}

	return s, nil
}

// EmitSerialChanged updates the configuration_serial property and
// emits PropertiesChanged, matching the FSM's serial-bump points.
func (s *Server) EmitSerialChanged(serial uint32) {
	s.props.SetMust(ifaceName, "configuration_serial", serial)
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// manager is the exported object; its exported methods are dispatched
// to directly by godbus via reflection, matching the method names in
// managerInterface.
type manager struct {
	s *Server
}

func (m manager) Update(serversArg []map[string]dbus.Variant, modeArg uint32) (uint32, string, *dbus.Error) {
	mode, err := modeFromWire(modeArg)
	if err != nil {
		return 0, err.Error(), nil
	}

	parsed := make([]*server.Server, 0, len(serversArg))
	for _, dict := range serversArg {
		srv, err := server.FromBusDict(dict)
		if err != nil {
			m.s.logger.Debug("rejecting Update call: %v", err)
			return 0, err.Error(), nil
		}
		parsed = append(parsed, srv)
	}

	serial, err := m.s.fsm.Update(parsed, mode)
	if err != nil {
		return 0, "", dbus.MakeFailedError(err)
	}
	return serial, "Update accepted", nil
}

func (m manager) Status() (string, *dbus.Error) {
	data, err := m.s.fsm.Status()
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

func (m manager) Reload() (string, *dbus.Error) {
	if err := m.s.fsm.Reload(); err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return "Reload accepted", nil
}

func modeFromWire(v uint32) (routing.Mode, error) {
	switch v {
	case 0:
		return routing.ModeBackup, nil
	case 1:
		return routing.ModePrefer, nil
	case 2:
		return routing.ModeExclusive, nil
	default:
		return 0, fmt.Errorf("invalid mode %d", v)
	}
}
