package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the S-Charge bridge.
//
// The charger serial, listen address and MQTT credentials come from the
// command line (see FromArgs). Everything else has defaults that can be
// overridden from a YAML file via Load.
type Config struct {
	Charger  ChargerConfig  `yaml:"charger"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// ChargerConfig identifies the charge box and the local endpoint the
// charger dials into.
type ChargerConfig struct {
	// Serial is the charge box serial number (chargeBoxSN).
	Serial string `yaml:"serial"`

	// ListenIP is the local IPv4 address the WebSocket listener binds to.
	// The UDP discovery broadcast is derived from its /24 subnet.
	ListenIP string `yaml:"listen_ip"`

	// ListenPort is the WebSocket listener port. 0 selects an ephemeral port.
	ListenPort int `yaml:"listen_port"`

	// UserID is the user identifier sent in HandShake and Authorize payloads.
	UserID int `yaml:"user_id"`

	// ConnectionKey is sent in the HandShake payload. The charger accepts
	// its own serial here.
	ConnectionKey string `yaml:"connection_key"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolConfig contains the charger protocol timing parameters.
// The defaults match the charger firmware's observed expectations; they
// are configurable mainly so tests can shrink them.
type ProtocolConfig struct {
	// UDPHandshakeInterval is the UDP discovery broadcast period. Each
	// broadcast advertises a deadline of now + this interval.
	UDPHandshakeInterval time.Duration `yaml:"udp_handshake_interval"`

	// KeepAliveInterval is the WebSocket HandShake period.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// ConfirmationTimeout is how long a command waits for its Ack.
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// RetryInterval is the spacing between command convergence retries.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// MaxRetries caps command convergence retries.
	MaxRetries int `yaml:"max_retries"`

	// InitWaitInterval is the polling period while waiting for the
	// connector's current reading to become known before a command.
	InitWaitInterval time.Duration `yaml:"init_wait_interval"`

	// InitWaitRetries caps the init polling attempts.
	InitWaitRetries int `yaml:"init_wait_retries"`

	// CurrentTolerance is the allowed difference in amperes between the
	// requested and measured current for StartCharging convergence.
	CurrentTolerance float64 `yaml:"current_tolerance"`
}

// Default protocol timing values.
const (
	defaultUDPHandshakeInterval = 1900 * time.Millisecond
	defaultKeepAliveInterval    = 7 * time.Second
	defaultConfirmationTimeout  = 5 * time.Second
	defaultRetryInterval        = 3 * time.Second
	defaultMaxRetries           = 5
	defaultInitWaitInterval     = 1 * time.Second
	defaultInitWaitRetries      = 5
	defaultCurrentTolerance     = 1.0

	defaultMQTTPort = 1883
	defaultUserID   = 1
)

// Usage is the command-line usage hint printed when arguments are missing.
const Usage = `usage: schargebridge <serial> <listen-ip|auto> <listen-port|auto> <mqtt-user@host:port> <mqtt-password>
example:
  schargebridge XXXXYYYYZZZZ 192.168.0.2 auto mqtt_user@homeassistant.local:1883 mqtt_password`

// minArgs is the number of required positional arguments.
const minArgs = 5

// probeAddr is the dummy destination used to discover the local IP.
// The address does not have to be reachable; the kernel picks the
// outbound interface when the UDP socket is "connected".
const probeAddr = "10.254.254.254:1"

// FromArgs builds a Config from positional command-line arguments:
// serial, listen IP (or "auto"), listen port (or "auto"),
// MQTT endpoint as user@host:port, and MQTT password.
//
// Returns ErrUsage (wrapped) when too few arguments are supplied.
func FromArgs(args []string) (*Config, error) {
	if len(args) < minArgs {
		return nil, fmt.Errorf("%w: got %d arguments, need %d", ErrUsage, len(args), minArgs)
	}

	serial := args[0]
	if serial == "" {
		return nil, fmt.Errorf("%w: charger serial must not be empty", ErrUsage)
	}

	listenIP, err := resolveListenIP(args[1])
	if err != nil {
		return nil, err
	}

	listenPort := 0
	if args[2] != "auto" {
		listenPort, err = strconv.Atoi(args[2])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid listen port %q", ErrUsage, args[2])
		}
	}

	mqttCfg, err := parseMQTTEndpoint(args[3], args[4])
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Charger: ChargerConfig{
			Serial:     serial,
			ListenIP:   listenIP,
			ListenPort: listenPort,
		},
		MQTT: mqttCfg,
	}
	cfg.applyDefaults()

	return cfg, cfg.Validate()
}

// Load reads YAML overrides from path into cfg. Only fields present in
// the file are overridden; defaults are re-applied afterwards so a
// partial file cannot zero out timing parameters.
func Load(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg.Validate()
}

// resolveListenIP turns the CLI address argument into a literal IPv4
// address: "auto" probes the default route, hostnames are resolved.
func resolveListenIP(arg string) (string, error) {
	if arg == "auto" {
		return ProbeLocalIP()
	}

	if ip := net.ParseIP(arg); ip != nil {
		if ip.To4() == nil {
			return "", fmt.Errorf("%w: listen address %q is not IPv4", ErrUsage, arg)
		}
		return arg, nil
	}

	// Not a literal address; resolve as a hostname.
	addrs, err := net.LookupIP(arg)
	if err != nil {
		return "", fmt.Errorf("resolving listen address %q: %w", arg, err)
	}
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("resolving listen address %q: no IPv4 address", arg)
}

// ProbeLocalIP determines the local IPv4 address of the default route by
// opening a connected UDP socket towards a dummy destination.
func ProbeLocalIP() (string, error) {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		return "", fmt.Errorf("probing local IP: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("probing local IP: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// parseMQTTEndpoint splits a user@host:port endpoint string.
func parseMQTTEndpoint(endpoint, password string) (MQTTConfig, error) {
	user, hostport, found := strings.Cut(endpoint, "@")
	if !found || user == "" || hostport == "" {
		return MQTTConfig{}, fmt.Errorf("%w: MQTT endpoint %q must be user@host:port", ErrUsage, endpoint)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// Port is optional; fall back to the default broker port.
		host = hostport
		portStr = strconv.Itoa(defaultMQTTPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MQTTConfig{}, fmt.Errorf("%w: invalid MQTT port %q", ErrUsage, portStr)
	}

	return MQTTConfig{
		Host:     host,
		Port:     port,
		Username: user,
		Password: password,
	}, nil
}

// applyDefaults fills in zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	if c.Charger.UserID == 0 {
		c.Charger.UserID = defaultUserID
	}
	if c.Charger.ConnectionKey == "" {
		c.Charger.ConnectionKey = c.Charger.Serial
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = defaultMQTTPort
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "schargebridge-" + c.Charger.Serial
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	p := &c.Protocol
	if p.UDPHandshakeInterval == 0 {
		p.UDPHandshakeInterval = defaultUDPHandshakeInterval
	}
	if p.KeepAliveInterval == 0 {
		p.KeepAliveInterval = defaultKeepAliveInterval
	}
	if p.ConfirmationTimeout == 0 {
		p.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if p.RetryInterval == 0 {
		p.RetryInterval = defaultRetryInterval
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.InitWaitInterval == 0 {
		p.InitWaitInterval = defaultInitWaitInterval
	}
	if p.InitWaitRetries == 0 {
		p.InitWaitRetries = defaultInitWaitRetries
	}
	if p.CurrentTolerance == 0 {
		p.CurrentTolerance = defaultCurrentTolerance
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Charger.Serial == "" {
		return fmt.Errorf("charger.serial is required")
	}
	if c.Charger.ListenIP != "" {
		ip := net.ParseIP(c.Charger.ListenIP)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("charger.listen_ip %q is not a valid IPv4 address", c.Charger.ListenIP)
		}
	}
	if c.Charger.ListenPort < 0 || c.Charger.ListenPort > 65535 {
		return fmt.Errorf("charger.listen_port %d out of range", c.Charger.ListenPort)
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
