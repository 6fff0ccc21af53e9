// Package config loads the description of a bus from a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sarchlab/simbus/bus"
	"github.com/sarchlab/simbus/protocol"
	"github.com/sarchlab/simbus/protocol/pci"
	"gopkg.in/yaml.v2"
)

// DefaultPort is the TCP port the server listens on if none is configured.
const DefaultPort = 11000

// File is the YAML layout of a bus description.
type File struct {
	Name     string            `yaml:"name"`
	Port     int               `yaml:"port"`
	Protocol string            `yaml:"protocol"`
	Options  map[string]string `yaml:"options"`
	Devices  []DeviceFile      `yaml:"devices"`
}

// DeviceFile is the YAML layout of one device.
type DeviceFile struct {
	Name  string `yaml:"name"`
	Ident int    `yaml:"ident"`
	Role  string `yaml:"role"`
}

// Device is a validated device of the roster.
type Device struct {
	Name  string
	Ident int
	Role  bus.Role
}

// Config is a validated bus description.
type Config struct {
	Name     string
	Port     int
	Protocol protocol.Kind
	Options  map[string]string
	Devices  []Device
}

// Device returns the roster entry with the given name.
func (c *Config) Device(name string) (Device, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}

	return Device{}, false
}

// ValidationError lists every problem found in a bus description.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid bus configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Load reads a bus description. Environment variables in the path are
// expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, errors.Wrap(err, "read bus configuration")
	}

	c, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	return c, nil
}

// Parse decodes and validates a bus description.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse bus configuration")
	}

	return f.Validate()
}

// Validate checks the description and converts it into a Config.
func (f *File) Validate() (*Config, error) {
	verr := &ValidationError{}

	c := &Config{
		Name:    f.Name,
		Port:    f.Port,
		Options: make(map[string]string, len(f.Options)),
	}

	for k, v := range f.Options {
		c.Options[k] = v
	}

	if c.Name == "" {
		verr.add("bus name is required")
	}

	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.Port < 0 || c.Port > 65535 {
		verr.add("port %d out of range", c.Port)
	}

	kind, err := protocol.ParseKind(f.Protocol)
	if err != nil {
		verr.add("%v", err)
	}
	c.Protocol = kind

	if len(f.Devices) == 0 {
		verr.add("at least one device is required")
	}

	names := make(map[string]bool)
	idents := make(map[int]bool)

	for i, df := range f.Devices {
		role, err := bus.ParseRole(df.Role)
		if err != nil {
			verr.add("device %d: %v", i, err)
		}

		switch {
		case df.Name == "":
			verr.add("device %d: name is required", i)
		case strings.ContainsAny(df.Name, " \t\r\n"):
			verr.add("device %q: name contains white space", df.Name)
		case names[df.Name]:
			verr.add("device %q: name used twice", df.Name)
		}
		names[df.Name] = true

		if df.Ident < 0 {
			verr.add("device %q: negative identity %d", df.Name, df.Ident)
		} else if idents[df.Ident] {
			verr.add("device %q: identity %d used twice", df.Name, df.Ident)
		}
		idents[df.Ident] = true

		if kind == protocol.PCI && df.Ident >= pci.MaxDevices {
			verr.add("device %q: identity %d, PCI has %d slots",
				df.Name, df.Ident, pci.MaxDevices)
		}

		c.Devices = append(c.Devices, Device{
			Name:  df.Name,
			Ident: df.Ident,
			Role:  role,
		})
	}

	if len(verr.Problems) > 0 {
		return nil, verr
	}

	return c, nil
}
