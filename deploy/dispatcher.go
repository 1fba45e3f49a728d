package deploy

import "sync"

// Dispatcher hands out the deployer selected by configuration. Demo mode
// can be switched at runtime.
type Dispatcher struct {
	mu       sync.RWMutex
	demoMode bool
	demo     Deployer
	ssh      Deployer
}

// NewDispatcher creates a dispatcher. A nil ssh deployer forces demo mode.
func NewDispatcher(demo, ssh Deployer, demoMode bool) *Dispatcher {
	return &Dispatcher{demo: demo, ssh: ssh, demoMode: demoMode || ssh == nil}
}

// Deployer returns the active deployer.
func (d *Dispatcher) Deployer() Deployer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.demoMode {
		return d.demo
	}
	return d.ssh
}

// DemoMode reports whether the demo deployer is active.
func (d *Dispatcher) DemoMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.demoMode
}

// SetDemoMode switches between the demo and the SSH deployer. Without an
// SSH deployer demo mode stays on.
func (d *Dispatcher) SetDemoMode(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.demoMode = on || d.ssh == nil
}
