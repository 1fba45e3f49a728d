// Package deploy installs, starts, stops and removes operators on devices.
//
// A Deployer acts on a Component: an operator bound to one target device.
// Two deployers exist. Demo keeps component states in memory and generates
// values for running sensors. SSH copies the operator routines to the
// device and drives them through their install, start, running and stop
// scripts. The Dispatcher selects one of them by configuration.
package deploy

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
)

// ComponentState is the deployment state of a component.
type ComponentState string

// Component states
const (
	ComponentReady    ComponentState = "ready"
	ComponentNotReady ComponentState = "not_ready"
	ComponentDeployed ComponentState = "deployed"
	ComponentRunning  ComponentState = "running"
	ComponentUnknown  ComponentState = "unknown"
)

// DeviceState is the reachability of a device.
type DeviceState string

// Device states
const (
	DeviceOffline      DeviceState = "offline"
	DeviceOnline       DeviceState = "online"
	DeviceSSHAvailable DeviceState = "ssh_available"
)

// Component types
const (
	TypeSensor            = "sensor"
	TypeActuator          = "actuator"
	TypeDynamicDeployment = "dynamic_deployment"
)

// Errors
var (
	ErrAlreadyDeployed = errors.New("component already deployed")
	ErrNotDeployed     = errors.New("component not deployed")
	ErrAlreadyRunning  = errors.New("component already running")
	ErrNotRunning      = errors.New("component not running")
)

// Routine is one file of an operator.
type Routine struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Base64  bool   `json:"base64,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// Bytes returns the decoded file content.
func (r Routine) Bytes() ([]byte, error) {
	if !r.Base64 {
		return []byte(r.Content), nil
	}
	data, err := base64.StdEncoding.DecodeString(r.Content)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Routine", "Bytes", "decode "+r.Name)
	}
	return data, nil
}

// Operator is the software that is deployed to devices.
type Operator struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner,omitempty"`
	Description string    `json:"description,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	Routines    []Routine `json:"routines"`
}

// Device holds what a deployer needs to reach a device.
type Device struct {
	MACAddress string `json:"macAddress"`
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
}

// DeviceFromDescription takes the identity and SSH details of a candidate
// device.
func DeviceFromDescription(d *device.Description) *Device {
	if d == nil {
		return nil
	}
	dev := &Device{MACAddress: d.Identity()}
	if d.Identifiers != nil {
		dev.IPAddress = d.Identifiers.IPAddress
	}
	if d.SSH != nil {
		if d.SSH.IP != "" {
			dev.IPAddress = d.SSH.IP
		}
		dev.Port = d.SSH.Port
		dev.Username = d.SSH.Username
		dev.Password = d.SSH.Password
		dev.PrivateKey = d.SSH.PrivateKey
	}
	return dev
}

var componentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Component is an operator bound to a target device.
type Component struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Owner    string    `json:"owner,omitempty"`
	Type     string    `json:"type"`
	Operator *Operator `json:"operator"`
	Device   *Device   `json:"device"`
}

// Key identifies the component on its device. The same dynamic deployment
// on two devices yields two keys.
func (c *Component) Key() string {
	if c.Device == nil {
		return c.ID
	}
	return c.ID + "@" + strings.ToLower(c.Device.MACAddress)
}

// Topic is the pub/sub topic the component publishes values on.
func (c *Component) Topic() string {
	return c.Type + "/" + c.ID
}

// Validate checks that the component can be handed to a deployer.
func (c *Component) Validate() error {
	if c == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Component", "Validate", "component check")
	}
	v := errors.NewValidationError("invalid component")
	if !componentIDPattern.MatchString(c.ID) {
		v.Add("id", "The id may only contain letters, digits, '-' and '_'.")
	}
	if c.Operator == nil {
		v.Add("operator", "The operator must be set.")
	}
	if c.Device == nil {
		v.Add("device", "The device must be set.")
	}
	return v.OrNil()
}

// Parameter is a start parameter passed to the operator.
type Parameter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Deployer manages components on devices.
type Deployer interface {
	RetrieveComponentState(ctx context.Context, c *Component) (ComponentState, error)
	RetrieveDeviceState(ctx context.Context, d *Device) (DeviceState, error)
	DeployComponent(ctx context.Context, c *Component) error
	UndeployComponent(ctx context.Context, c *Component) error
	StartComponent(ctx context.Context, c *Component, params []Parameter) error
	StopComponent(ctx context.Context, c *Component) error
	IsComponentRunning(ctx context.Context, c *Component) (bool, error)
	IsComponentDeployed(ctx context.Context, c *Component) (bool, error)
}
