package deploy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/c360/mbp/errors"
)

// Layout of a deployment on the device
const (
	DeployDir         = "$HOME/scripts"
	DeployDirPrefix   = "mbp"
	InstallScript     = "install.sh"
	StartScript       = "start.sh"
	RunningScript     = "running.sh"
	StopScript        = "stop.sh"
	PropertiesFile    = "mbp.properties"
	DefaultSSHPort    = 22
	DefaultSSHTimeout = 5 * time.Second
)

// Executor runs shell commands on a device.
type Executor interface {
	Run(ctx context.Context, cmd string, stdin []byte) ([]byte, error)
	Close() error
}

// Dialer opens an Executor for a device.
type Dialer func(ctx context.Context, d *Device) (Executor, error)

// SSHConfig holds the defaults used when a device brings no credentials.
type SSHConfig struct {
	User           string
	PrivateKey     []byte
	KnownHostsFile string
	Timeout        time.Duration
}

// LoadPrivateKey reads the default private key from path.
func (c *SSHConfig) LoadPrivateKey(path string) error {
	if path == "" {
		return nil
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapInvalid(err, "SSHConfig", "LoadPrivateKey", "read key file")
	}
	c.PrivateKey = key
	return nil
}

func (c SSHConfig) clientConfig(d *Device) (*ssh.ClientConfig, error) {
	user := d.Username
	if user == "" {
		user = c.User
	}

	var auth []ssh.AuthMethod
	key := []byte(d.PrivateKey)
	if len(key) == 0 {
		key = c.PrivateKey
	}
	if len(key) > 0 {
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.WrapInvalid(err, "SSHConfig", "clientConfig", "parse private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.Password != "" {
		auth = append(auth, ssh.Password(d.Password))
	}
	if len(auth) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SSHConfig", "clientConfig", "credentials for "+d.MACAddress)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsFile != "" {
		cb, err := knownhosts.New(c.KnownHostsFile)
		if err != nil {
			return nil, errors.WrapInvalid(err, "SSHConfig", "clientConfig", "load known hosts")
		}
		hostKeys = cb
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultSSHTimeout
	}
	return &ssh.ClientConfig{User: user, Auth: auth, HostKeyCallback: hostKeys, Timeout: timeout}, nil
}

func address(d *Device) string {
	port := d.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(d.IPAddress, strconv.Itoa(port))
}

// NewSSHDialer dials devices with golang.org/x/crypto/ssh.
func NewSSHDialer(cfg SSHConfig) Dialer {
	return func(ctx context.Context, d *Device) (Executor, error) {
		clientCfg, err := cfg.clientConfig(d)
		if err != nil {
			return nil, err
		}
		addr := address(d)
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.WrapTransient(err, "SSH", "Dial", "connect "+addr)
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			_ = conn.Close()
			return nil, errors.WrapTransient(err, "SSH", "Dial", "handshake "+addr)
		}
		return &sshExecutor{client: ssh.NewClient(c, chans, reqs)}, nil
	}
}

type sshExecutor struct {
	client *ssh.Client
}

func (e *sshExecutor) Run(ctx context.Context, cmd string, stdin []byte) ([]byte, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return nil, errors.WrapTransient(err, "SSH", "Run", "open session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, errors.WrapTransient(ctx.Err(), "SSH", "Run", "run command")
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), errors.Wrap(fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())), "SSH", "Run", "run command")
		}
		return stdout.Bytes(), nil
	}
}

func (e *sshExecutor) Close() error {
	return e.client.Close()
}

// SSH deploys operators by copying their routines to the device and
// running the install, start, running and stop scripts.
type SSH struct {
	dial       Dialer
	brokerHost string
	logger     *slog.Logger
}

// NewSSH creates an SSH deployer. brokerHost is written to the
// properties file so that operators can reach the message broker.
func NewSSH(dial Dialer, brokerHost string, logger *slog.Logger) *SSH {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSH{dial: dial, brokerHost: brokerHost, logger: logger.With("component", "ssh-deployer")}
}

// DeploymentPath returns the directory of c on its device.
func DeploymentPath(c *Component) string {
	return DeployDir + "/" + DeployDirPrefix + c.ID
}

func script(c *Component, name string) string {
	return `"` + DeploymentPath(c) + "/" + name + `"`
}

// quote wraps s in single quotes for the remote shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (s *SSH) session(ctx context.Context, c *Component, method string) (Executor, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ex, err := s.dial(ctx, c.Device)
	if err != nil {
		return nil, errors.Wrap(err, "SSH", method, "connect to "+c.Device.MACAddress)
	}
	return ex, nil
}

func (s *SSH) RetrieveDeviceState(ctx context.Context, d *Device) (DeviceState, error) {
	if d == nil {
		return DeviceOffline, errors.WrapInvalid(errors.ErrNilArgument, "SSH", "RetrieveDeviceState", "device check")
	}
	ex, err := s.dial(ctx, d)
	if err != nil {
		var nd net.Dialer
		conn, dialErr := nd.DialContext(ctx, "tcp", address(d))
		if dialErr != nil {
			return DeviceOffline, nil
		}
		_ = conn.Close()
		return DeviceOnline, nil
	}
	defer ex.Close()
	if _, err := ex.Run(ctx, "echo ok", nil); err != nil {
		return DeviceOnline, nil
	}
	return DeviceSSHAvailable, nil
}

func (s *SSH) RetrieveComponentState(ctx context.Context, c *Component) (ComponentState, error) {
	if err := c.Validate(); err != nil {
		return ComponentUnknown, err
	}
	if state, _ := s.RetrieveDeviceState(ctx, c.Device); state != DeviceSSHAvailable {
		return ComponentNotReady, nil
	}
	deployed, err := s.IsComponentDeployed(ctx, c)
	if err != nil {
		return ComponentUnknown, nil
	}
	if !deployed {
		return ComponentReady, nil
	}
	running, err := s.IsComponentRunning(ctx, c)
	switch {
	case err != nil:
		return ComponentUnknown, nil
	case running:
		return ComponentRunning, nil
	default:
		return ComponentDeployed, nil
	}
}

func (s *SSH) DeployComponent(ctx context.Context, c *Component) error {
	ex, err := s.session(ctx, c, "DeployComponent")
	if err != nil {
		return err
	}
	defer ex.Close()

	dir := `"` + DeploymentPath(c) + `"`
	if _, err := ex.Run(ctx, "mkdir -p "+dir, nil); err != nil {
		return errors.Wrap(err, "SSH", "DeployComponent", "create deployment directory")
	}

	for _, r := range c.Operator.Routines {
		content, err := r.Bytes()
		if err != nil {
			return err
		}
		if _, err := ex.Run(ctx, "cat > "+script(c, r.Name), content); err != nil {
			return errors.Wrap(err, "SSH", "DeployComponent", "copy "+r.Name)
		}
		if r.Hash == "" {
			continue
		}
		out, err := ex.Run(ctx, "sha256sum "+script(c, r.Name), nil)
		if err != nil {
			return errors.Wrap(err, "SSH", "DeployComponent", "hash "+r.Name)
		}
		if fields := strings.Fields(string(out)); len(fields) == 0 || !strings.EqualFold(fields[0], r.Hash) {
			return errors.WrapFatal(errors.ErrDataCorrupted, "SSH", "DeployComponent", "hash check of "+r.Name)
		}
	}

	props := fmt.Sprintf("[Component]\nid=%s\ntype=%s\ntopic=%s\n[Broker]\nhost=%s\n", c.ID, c.Type, c.Topic(), s.brokerHost)
	if _, err := ex.Run(ctx, "cat > "+script(c, PropertiesFile), []byte(props)); err != nil {
		return errors.Wrap(err, "SSH", "DeployComponent", "write properties")
	}

	install := fmt.Sprintf("chmod +x %s && %s %s %s %s",
		script(c, InstallScript), script(c, InstallScript), quote(c.Topic()), quote(s.brokerHost), dir)
	if _, err := ex.Run(ctx, install, nil); err != nil {
		return errors.Wrap(err, "SSH", "DeployComponent", "run install script")
	}
	chmod := fmt.Sprintf("chmod u+rwx %s && chmod +x %s %s",
		script(c, StartScript), script(c, RunningScript), script(c, StopScript))
	if _, err := ex.Run(ctx, chmod, nil); err != nil {
		return errors.Wrap(err, "SSH", "DeployComponent", "set script permissions")
	}
	s.logger.Info("Deployed component", "component_id", c.ID, "device", c.Device.MACAddress)
	return nil
}

func (s *SSH) UndeployComponent(ctx context.Context, c *Component) error {
	if running, err := s.IsComponentRunning(ctx, c); err == nil && running {
		if err := s.StopComponent(ctx, c); err != nil {
			s.logger.Warn("Failed to stop component before undeploying", "component_id", c.ID, "error", err)
		}
	}
	ex, err := s.session(ctx, c, "UndeployComponent")
	if err != nil {
		return err
	}
	defer ex.Close()
	if _, err := ex.Run(ctx, `rm -rf "`+DeploymentPath(c)+`"`, nil); err != nil {
		return errors.Wrap(err, "SSH", "UndeployComponent", "remove deployment directory")
	}
	return nil
}

func (s *SSH) StartComponent(ctx context.Context, c *Component, params []Parameter) error {
	ex, err := s.session(ctx, c, "StartComponent")
	if err != nil {
		return err
	}
	defer ex.Close()
	if params == nil {
		params = []Parameter{}
	}
	args, err := json.Marshal(params)
	if err != nil {
		return errors.WrapInvalid(err, "SSH", "StartComponent", "encode parameters")
	}
	cmd := fmt.Sprintf(`%s "%s" %s`, script(c, StartScript), DeploymentPath(c), quote(string(args)))
	if _, err := ex.Run(ctx, cmd, nil); err != nil {
		return errors.Wrap(err, "SSH", "StartComponent", "run start script")
	}
	return nil
}

func (s *SSH) StopComponent(ctx context.Context, c *Component) error {
	ex, err := s.session(ctx, c, "StopComponent")
	if err != nil {
		return err
	}
	defer ex.Close()
	if _, err := ex.Run(ctx, script(c, StopScript), nil); err != nil {
		return errors.Wrap(err, "SSH", "StopComponent", "run stop script")
	}
	return nil
}

func (s *SSH) IsComponentRunning(ctx context.Context, c *Component) (bool, error) {
	ex, err := s.session(ctx, c, "IsComponentRunning")
	if err != nil {
		return false, err
	}
	defer ex.Close()
	out, err := ex.Run(ctx, script(c, RunningScript), nil)
	if err != nil {
		return false, nil
	}
	return strings.Contains(strings.ToLower(string(out)), "true"), nil
}

func (s *SSH) IsComponentDeployed(ctx context.Context, c *Component) (bool, error) {
	ex, err := s.session(ctx, c, "IsComponentDeployed")
	if err != nil {
		return false, err
	}
	defer ex.Close()
	out, err := ex.Run(ctx, `test -d "`+DeploymentPath(c)+`" && echo true || echo false`, nil)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "true", nil
}

// RoutineHash returns the hash the deployer compares copied routines with.
func RoutineHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
