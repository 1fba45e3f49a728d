package deploy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/c360/mbp/device"
	"github.com/c360/mbp/errors"
)

// State of a dynamic deployment
type State string

// Dynamic deployment states
const (
	StateDisabled    State = "disabled"
	StateInProgress  State = "in_progress"
	StateNoCandidate State = "no_candidate"
	StateAllFailed   State = "all_failed"
	StateDeployed    State = "deployed"
	StateUnknown     State = "unknown"
)

// DynamicDeployment keeps an operator deployed on the best candidate device
// of a device template.
type DynamicDeployment struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Owner              string  `json:"owner,omitempty"`
	OperatorID         string  `json:"operatorId"`
	DeviceTemplateID   string  `json:"deviceTemplateId"`
	ActivatingIntended bool    `json:"activatingIntended"`
	LastState          State   `json:"lastState"`
	LastDevice         *Device `json:"lastDeviceDetails,omitempty"`
}

// Validate checks the user supplied fields.
func (d *DynamicDeployment) Validate() error {
	v := errors.NewValidationError("invalid dynamic deployment")
	if strings.TrimSpace(d.Name) == "" {
		v.Add("name", "The name must not be empty.")
	}
	if !componentIDPattern.MatchString(d.ID) {
		v.Add("id", "The id may only contain letters, digits, '-' and '_'.")
	}
	if d.OperatorID == "" {
		v.Add("operatorId", "The operator must be set.")
	}
	if d.DeviceTemplateID == "" {
		v.Add("deviceTemplateId", "The device template must be set.")
	}
	return v.OrNil()
}

// Operators looks operators up by id.
type Operators interface {
	Get(ctx context.Context, id string) (*Operator, error)
}

// DynamicService deploys dynamic deployments through the dispatcher's
// active deployer. Failures are reported as false, never as errors.
type DynamicService struct {
	dispatcher *Dispatcher
	operators  Operators
	logger     *slog.Logger
}

// NewDynamicService creates the service.
func NewDynamicService(dispatcher *Dispatcher, operators Operators, logger *slog.Logger) *DynamicService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamicService{
		dispatcher: dispatcher,
		operators:  operators,
		logger:     logger.With("component", "dynamic-deployment"),
	}
}

func (s *DynamicService) component(ctx context.Context, dd *DynamicDeployment, dev *Device) (*Component, error) {
	op, err := s.operators.Get(ctx, dd.OperatorID)
	if err != nil {
		return nil, errors.Wrap(err, "DynamicService", "component", "operator lookup")
	}
	return &Component{
		ID:       dd.ID,
		Name:     dd.Name,
		Owner:    dd.Owner,
		Type:     TypeDynamicDeployment,
		Operator: op,
		Device:   dev,
	}, nil
}

// Deploy installs and starts the operator of dd on target and reports
// whether it runs afterwards.
func (s *DynamicService) Deploy(ctx context.Context, dd *DynamicDeployment, target *device.Description) bool {
	c, err := s.component(ctx, dd, DeviceFromDescription(target))
	if err != nil {
		s.logger.Warn("Cannot build component", "dynamic_deployment", dd.ID, "error", err)
		return false
	}
	deployer := s.dispatcher.Deployer()
	if err := deployer.DeployComponent(ctx, c); err != nil {
		s.logger.Info("Deployment failed", "dynamic_deployment", dd.ID, "device", c.Device.MACAddress, "error", err)
		return false
	}
	if err := deployer.StartComponent(ctx, c, nil); err != nil {
		s.logger.Info("Start failed", "dynamic_deployment", dd.ID, "device", c.Device.MACAddress, "error", err)
		return false
	}
	running, err := deployer.IsComponentRunning(ctx, c)
	return err == nil && running
}

// Undeploy removes dd from the device it was last deployed to.
func (s *DynamicService) Undeploy(ctx context.Context, dd *DynamicDeployment) {
	if dd.LastDevice == nil {
		return
	}
	c, err := s.component(ctx, dd, dd.LastDevice)
	if err != nil {
		s.logger.Warn("Cannot build component", "dynamic_deployment", dd.ID, "error", err)
		return
	}
	if err := s.dispatcher.Deployer().UndeployComponent(ctx, c); err != nil {
		s.logger.Info("Undeployment failed", "dynamic_deployment", dd.ID, "device", c.Device.MACAddress, "error", err)
	}
}

// IsDeployed reports whether dd is deployed on its last device.
func (s *DynamicService) IsDeployed(ctx context.Context, dd *DynamicDeployment) bool {
	if dd.LastDevice == nil {
		return false
	}
	c, err := s.component(ctx, dd, dd.LastDevice)
	if err != nil {
		return false
	}
	deployed, err := s.dispatcher.Deployer().IsComponentDeployed(ctx, c)
	return err == nil && deployed
}
