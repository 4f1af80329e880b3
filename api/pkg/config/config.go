package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// maxPort is the highest TCP port an instance may be assigned
const maxPort = 65535

type ServerConfig struct {
	Pool        Pool
	Instances   Instances
	Reaper      Reaper
	WebServer   WebServer
	Janitor     Janitor
	Metrics     Metrics
	Diagnostics Diagnostics

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" description:"One of trace, debug, info, warn, error."`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false" description:"Human readable console logs instead of JSON."`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// Pool describes the fixed set of resource triples instances draw from.
// Offset i maps to display BaseDisplay+i, VNC port BaseVNCPort+i and
// noVNC port BaseNoVNCPort+i.
type Pool struct {
	MaxInstances  int `envconfig:"MAX_INSTANCES" default:"50" description:"Maximum number of concurrently running instances."`
	BaseDisplay   int `envconfig:"BASE_DISPLAY" default:"99" description:"X display number of the first instance."`
	BaseVNCPort   int `envconfig:"BASE_VNC_PORT" default:"5900" description:"VNC port of the first instance."`
	BaseNoVNCPort int `envconfig:"BASE_NOVNC_PORT" default:"6080" description:"noVNC web bridge port of the first instance."`
}

type Instances struct {
	Dir             string        `envconfig:"INSTANCE_DIR" default:"/app/instances" description:"Root directory holding one work directory per instance. Wiped at startup."`
	BootstrapScript string        `envconfig:"INSTANCE_BOOTSTRAP_SCRIPT" default:"/app/start-instance.sh" description:"Command invoked as <script> <name> <display> <vnc_port> <novnc_port>."`
	NamePrefix      string        `envconfig:"INSTANCE_NAME_PREFIX" default:"desktop" description:"Prefix of derived instance names."`
	ReadyTimeout    time.Duration `envconfig:"INSTANCE_READINESS_TIMEOUT" default:"30s" description:"How long to wait for the noVNC port to accept connections."`
	ReadyPoll       time.Duration `envconfig:"INSTANCE_READINESS_POLL_INTERVAL" default:"500ms" description:"Delay between readiness probes."`
	GracePeriod     time.Duration `envconfig:"INSTANCE_TERMINATE_GRACE_PERIOD" default:"5s" description:"How long to wait after SIGTERM before SIGKILL."`
	RemoveWorkDir   bool          `envconfig:"INSTANCE_REMOVE_WORK_DIR" default:"false" description:"Delete an instance's work directory after teardown."`
	Dependencies    []string      `envconfig:"INSTANCE_DEPENDENCIES" default:"Xvfb,x11vnc,openbox,websockify" description:"Binaries reported by /health."`
	// 0 means twice the pool size
	CreateConcurrency int `envconfig:"INSTANCE_CREATE_CONCURRENCY" default:"0" description:"Maximum in-flight creation requests."`
}

type Reaper struct {
	IdleTimeout time.Duration `envconfig:"INSTANCE_TIMEOUT" default:"1h" description:"Instances idle for longer than this are terminated."`
	Interval    time.Duration `envconfig:"REAPER_INTERVAL" default:"1m" description:"How often idle instances are swept."`
	Concurrency int           `envconfig:"REAPER_CONCURRENCY" default:"4" description:"Maximum parallel teardowns per sweep."`
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0" description:"The host to bind the api server to."`
	Port int    `envconfig:"SERVER_PORT" default:"8080" description:"The port to bind the api server to."`
	// PublicHost is embedded into the session page; empty means the page
	// uses the hostname the browser connected to
	PublicHost string `envconfig:"SERVER_PUBLIC_HOST" description:"Hostname browsers use to reach noVNC ports."`
}

type Janitor struct {
	SentryDSN       string `envconfig:"SENTRY_DSN" description:"Report lifecycle failures to Sentry when set."`
	SlackWebhookURL string `envconfig:"JANITOR_SLACK_WEBHOOK_URL" description:"Post start failures and capacity warnings to Slack."`
}

type Metrics struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true" description:"Serve prometheus metrics on /metrics."`
}

type Diagnostics struct {
	EventHistory int `envconfig:"DIAGNOSTICS_EVENT_HISTORY" default:"100" description:"Lifecycle events kept per instance."`
	TailLines    int `envconfig:"DIAGNOSTICS_TAIL_LINES" default:"50" description:"Log lines dumped when an instance fails to start."`
}

// CreateSlots returns the number of creation requests allowed in flight
func (c *ServerConfig) CreateSlots() int {
	if c.Instances.CreateConcurrency > 0 {
		return c.Instances.CreateConcurrency
	}
	return c.Pool.MaxInstances * 2
}

// Validate checks the configuration describes a usable pool
func (c *ServerConfig) Validate() error {
	p := c.Pool
	if p.MaxInstances <= 0 {
		return fmt.Errorf("MAX_INSTANCES must be positive, got %d", p.MaxInstances)
	}
	if p.BaseDisplay < 0 {
		return fmt.Errorf("BASE_DISPLAY must not be negative, got %d", p.BaseDisplay)
	}
	if p.BaseVNCPort <= 0 || p.BaseVNCPort+p.MaxInstances-1 > maxPort {
		return fmt.Errorf("VNC port range [%d-%d] is outside 1-%d", p.BaseVNCPort, p.BaseVNCPort+p.MaxInstances-1, maxPort)
	}
	if p.BaseNoVNCPort <= 0 || p.BaseNoVNCPort+p.MaxInstances-1 > maxPort {
		return fmt.Errorf("noVNC port range [%d-%d] is outside 1-%d", p.BaseNoVNCPort, p.BaseNoVNCPort+p.MaxInstances-1, maxPort)
	}
	if rangesOverlap(p.BaseVNCPort, p.BaseNoVNCPort, p.MaxInstances) {
		return fmt.Errorf("VNC ports starting at %d and noVNC ports starting at %d overlap for %d instances",
			p.BaseVNCPort, p.BaseNoVNCPort, p.MaxInstances)
	}
	if c.WebServer.Port >= p.BaseVNCPort && c.WebServer.Port < p.BaseVNCPort+p.MaxInstances ||
		c.WebServer.Port >= p.BaseNoVNCPort && c.WebServer.Port < p.BaseNoVNCPort+p.MaxInstances {
		return fmt.Errorf("SERVER_PORT %d collides with the instance port ranges", c.WebServer.Port)
	}
	if c.Instances.Dir == "" {
		return fmt.Errorf("INSTANCE_DIR is required")
	}
	if c.Instances.BootstrapScript == "" {
		return fmt.Errorf("INSTANCE_BOOTSTRAP_SCRIPT is required")
	}
	if c.Instances.ReadyTimeout <= 0 || c.Instances.ReadyPoll <= 0 {
		return fmt.Errorf("readiness timeout and poll interval must be positive")
	}
	if c.Instances.GracePeriod < 0 {
		return fmt.Errorf("INSTANCE_TERMINATE_GRACE_PERIOD must not be negative")
	}
	if c.Reaper.IdleTimeout <= 0 || c.Reaper.Interval <= 0 {
		return fmt.Errorf("INSTANCE_TIMEOUT and REAPER_INTERVAL must be positive")
	}
	return nil
}

func rangesOverlap(a, b, n int) bool {
	return a < b+n && b < a+n
}
