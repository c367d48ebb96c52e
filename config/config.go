package config

import (
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// AppConfig is the root application configuration, loaded from a YAML file
// with optional environment variable overrides (WAXLINE_* keys).
type AppConfig struct {
	System     SystemConfig     `yaml:"system"`
	Logger     LoggerConfig     `yaml:"logger"`
	Database   DBConfig         `yaml:"database"`
	Web        WebConfig        `yaml:"web"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
}

type SystemConfig struct {
	Appid    string `yaml:"appid"`
	Location string `yaml:"location"`
	Workdir  string `yaml:"workdir"`
	NodeID   int64  `yaml:"node_id"` // snowflake worker id
}

type LoggerConfig struct {
	Mode       string `yaml:"mode"` // production | development
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type DBConfig struct {
	Type     string `yaml:"type"` // postgres | sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Passwd   string `yaml:"passwd"`
	MaxConn  int    `yaml:"max_conn"`
	IdleConn int    `yaml:"idle_conn"`
	Debug    bool   `yaml:"debug"`
}

type WebConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ApiToken string `yaml:"api_token"`
}

// RuntimeConfig describes the external connection runtime control surface.
type RuntimeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// SupervisorConfig holds the reconnect backoff knobs.
type SupervisorConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"`
}

type ReconcileConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BulkWorkers int           `yaml:"bulk_workers"`
}

var DefaultAppConfig = &AppConfig{
	System: SystemConfig{
		Appid:    "waxline",
		Location: "America/Sao_Paulo",
		Workdir:  "/var/waxline",
		NodeID:   1,
	},
	Logger: LoggerConfig{
		Mode:       "development",
		FileEnable: false,
		Filename:   "/var/waxline/waxline.log",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "waxline",
		User:     "postgres",
		MaxConn:  100,
		IdleConn: 10,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 3002,
	},
	Runtime: RuntimeConfig{
		BaseURL: "http://127.0.0.1:3001",
		Timeout: 8 * time.Second,
	},
	Supervisor: SupervisorConfig{
		ReconnectBaseDelay: 15 * time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		MaxAttempts:        3,
	},
	Reconcile: ReconcileConfig{
		Interval:    5 * time.Minute,
		BulkWorkers: 10,
	},
}

// LoadConfig reads the YAML config file and applies environment overrides.
// A missing file is not an error; defaults are used.
func LoadConfig(cfile string) *AppConfig {
	cfg := *DefaultAppConfig
	if cfile != "" {
		if data, err := os.ReadFile(cfile); err == nil {
			_ = yaml.Unmarshal(data, &cfg)
		}
	}
	setEnvValue("WAXLINE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("WAXLINE_DB_TYPE", &cfg.Database.Type)
	setEnvValue("WAXLINE_DB_HOST", &cfg.Database.Host)
	setEnvValue("WAXLINE_DB_NAME", &cfg.Database.Name)
	setEnvValue("WAXLINE_DB_USER", &cfg.Database.User)
	setEnvValue("WAXLINE_DB_PWD", &cfg.Database.Passwd)
	setEnvIntValue("WAXLINE_DB_PORT", &cfg.Database.Port)
	setEnvValue("WAXLINE_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("WAXLINE_WEB_PORT", &cfg.Web.Port)
	setEnvValue("WAXLINE_API_TOKEN", &cfg.Web.ApiToken)
	setEnvValue("WAXLINE_RUNTIME_URL", &cfg.Runtime.BaseURL)
	setEnvValue("WAXLINE_RUNTIME_TOKEN", &cfg.Runtime.Token)
	setEnvValue("WAXLINE_LOGGER_MODE", &cfg.Logger.Mode)
	if cfg.Runtime.Timeout <= 0 {
		cfg.Runtime.Timeout = DefaultAppConfig.Runtime.Timeout
	}
	if cfg.Supervisor.ReconnectBaseDelay <= 0 {
		cfg.Supervisor.ReconnectBaseDelay = DefaultAppConfig.Supervisor.ReconnectBaseDelay
	}
	if cfg.Supervisor.ReconnectMaxDelay <= 0 {
		cfg.Supervisor.ReconnectMaxDelay = DefaultAppConfig.Supervisor.ReconnectMaxDelay
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = DefaultAppConfig.Reconcile.Interval
	}
	return &cfg
}

func setEnvValue(name string, val *string) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = evalue
	}
}

func setEnvIntValue(name string, val *int) {
	if evalue := os.Getenv(name); evalue != "" {
		*val = cast.ToInt(evalue)
	}
}
