// Package inventory defines the bastion, target and operation inputs of a run.
package inventory

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when a host is given without a port.
const DefaultPort = 22

// DefaultTimeout is the per-operation timeout in seconds.
const DefaultTimeout = 120

// Bastion describes the jump host every target is reached through.
type Bastion struct {
	// Host is the bastion hostname or IP address.
	Host string `json:"host" yaml:"host"`

	// Port is the SSH port (default: 22).
	Port int `json:"port" yaml:"port"`

	// User is the username for password authentication.
	User string `json:"user" yaml:"user"`

	// Password is the password for User.
	Password string `json:"password" yaml:"password"`
}

// Target describes one fleet member.
type Target struct {
	// Name is an optional label echoed back in the result.
	Name string `json:"name" yaml:"name"`

	// Host is the address as seen from the bastion.
	Host string `json:"host" yaml:"host"`

	// Port is the SSH port (default: 22).
	Port int `json:"port" yaml:"port"`

	// User is the username for password authentication.
	User string `json:"user" yaml:"user"`

	// Password is the password for User.
	Password string `json:"password" yaml:"password"`
}

// Commands is an ordered list of shell commands.
type Commands []string

// Transfer describes an upload.
type Transfer struct {
	// LocalPath is a file or directory on the controller.
	LocalPath string `json:"local_path" yaml:"local_path"`

	// RemotePath is the destination directory on every target.
	RemotePath string `json:"remote_path" yaml:"remote_path"`
}

// Inventory is the document accepted by --inventory.
type Inventory struct {
	Bastion  Bastion  `json:"bastion" yaml:"bastion"`
	Targets  []Target `json:"targets" yaml:"targets"`
	Commands Commands `json:"commands" yaml:"commands"`
}

// ValidationError reports input that must abort the run before any connection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Kind returns the error class used in result records.
func (e *ValidationError) Kind() string { return "ValidationError" }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// GetPort returns the port, defaulting to 22.
func (b Bastion) GetPort() int {
	return normalizePort(b.Port)
}

// Addr returns host:port.
func (b Bastion) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.GetPort()))
}

// Validate checks the bastion for missing credentials.
func (b Bastion) Validate() error {
	if strings.TrimSpace(b.Host) == "" || b.User == "" || b.Password == "" {
		return invalid("bastion", "host, user and password are required")
	}
	if b.Port < 0 || b.Port > 65535 {
		return invalid("bastion", "invalid port %d", b.Port)
	}
	return nil
}

// GetPort returns the port, defaulting to 22.
func (t Target) GetPort() int {
	return normalizePort(t.Port)
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.GetPort()))
}

// Label returns the name, falling back to the host.
func (t Target) Label() string {
	if t.Name != "" {
		return t.Name
	}
	if t.Host != "" {
		return t.Host
	}
	return "unknown"
}

// Validate checks the target for missing fields.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" || t.User == "" || t.Password == "" {
		return invalid("", "host, user and password are required")
	}
	if t.Port < 0 || t.Port > 65535 {
		return invalid("", "invalid port %d", t.Port)
	}
	return nil
}

// ValidateTargets checks that the list is non-empty and every entry is usable.
func ValidateTargets(targets []Target) error {
	if len(targets) == 0 {
		return invalid("targets", "cannot be empty")
	}
	for i, t := range targets {
		if err := t.Validate(); err != nil {
			return invalid(fmt.Sprintf("targets[%d]", i), "%s", err.(*ValidationError).Reason)
		}
	}
	return nil
}

// Validate checks that the list is non-empty and has no blank entries.
func (c Commands) Validate() error {
	if len(c) == 0 {
		return invalid("commands", "cannot be empty")
	}
	for i, cmd := range c {
		if strings.TrimSpace(cmd) == "" {
			return invalid(fmt.Sprintf("commands[%d]", i), "cannot be empty")
		}
	}
	return nil
}

// Validate checks both paths are set and the local one exists.
func (t Transfer) Validate() error {
	if t.LocalPath == "" {
		return invalid("local_path", "is required")
	}
	if t.RemotePath == "" {
		return invalid("remote_path", "is required")
	}
	if !Exists(t.LocalPath) {
		return invalid("", "local path does not exist: %s", t.LocalPath)
	}
	return nil
}

// NormalizeTimeout returns seconds, falling back to DefaultTimeout.
func NormalizeTimeout(seconds int) int {
	if seconds > 0 {
		return seconds
	}
	return DefaultTimeout
}

func normalizePort(port int) int {
	if port <= 0 {
		return DefaultPort
	}
	return port
}
