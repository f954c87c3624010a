package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// SysConfig holds process-level settings.
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

type WebConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

type DBConfig struct {
	Type   string `yaml:"type" json:"type"`
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Name   string `yaml:"name" json:"name"`
	User   string `yaml:"user" json:"user"`
	Passwd string `yaml:"passwd" json:"passwd"`
	Debug  bool   `yaml:"debug" json:"debug"`
}

type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

// MessagingConfig tunes the WhatsApp session and dispatch subsystem.
type MessagingConfig struct {
	// DefaultCountryCode is prepended to bare local-format numbers.
	DefaultCountryCode string `yaml:"default_country_code" json:"default_country_code"`
	// LocalNumberLength is the digit count of a bare local number.
	LocalNumberLength int `yaml:"local_number_length" json:"local_number_length"`
	// SendDelayMinSec/SendDelayMaxSec bound the randomized inter-message delay.
	SendDelayMinSec int `yaml:"send_delay_min_sec" json:"send_delay_min_sec"`
	SendDelayMaxSec int `yaml:"send_delay_max_sec" json:"send_delay_max_sec"`
	// PairingWaitSec bounds how long GET /auth blocks for a QR or readiness.
	PairingWaitSec int `yaml:"pairing_wait_sec" json:"pairing_wait_sec"`
	// JobRetentionSec keeps completed jobs available for late polling.
	JobRetentionSec int `yaml:"job_retention_sec" json:"job_retention_sec"`
	// SessionSweepCron clears abandoned sessions (handle + credentials).
	SessionSweepCron string `yaml:"session_sweep_cron" json:"session_sweep_cron"`
	// MaxImageBytes caps inline and fetched attachment size.
	MaxImageBytes int64 `yaml:"max_image_bytes" json:"max_image_bytes"`
}

func (c MessagingConfig) SendDelayMin() time.Duration {
	return time.Duration(c.SendDelayMinSec) * time.Second
}

func (c MessagingConfig) SendDelayMax() time.Duration {
	return time.Duration(c.SendDelayMaxSec) * time.Second
}

func (c MessagingConfig) PairingWait() time.Duration {
	return time.Duration(c.PairingWaitSec) * time.Second
}

func (c MessagingConfig) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionSec) * time.Second
}

type AppConfig struct {
	System    SysConfig       `yaml:"system" json:"system"`
	Web       WebConfig       `yaml:"web" json:"web"`
	Database  DBConfig        `yaml:"database" json:"database"`
	Logger    LogConfig       `yaml:"logger" json:"logger"`
	Messaging MessagingConfig `yaml:"messaging" json:"messaging"`
}

// SessionDir is the per-tenant credential directory root.
func (c *AppConfig) SessionDir() string {
	return filepath.Join(c.System.Workdir, "sessions")
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "spoke",
		Location: "Asia/Kolkata",
		Workdir:  "/var/spoke",
		Debug:    true,
	},
	Web: WebConfig{
		Host: "0.0.0.0",
		Port: 1816,
	},
	Database: DBConfig{
		Type: "sqlite",
		Name: "spoke",
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/spoke/spoke.log",
	},
	Messaging: MessagingConfig{
		DefaultCountryCode: "91",
		LocalNumberLength:  10,
		SendDelayMinSec:    3,
		SendDelayMaxSec:    5,
		PairingWaitSec:     30,
		JobRetentionSec:    300,
		SessionSweepCron:   "@hourly",
		MaxImageBytes:      8 << 20,
	},
}

// LoadConfig reads the yaml config file and applies environment overrides.
// A missing file yields the default configuration.
func LoadConfig(cfile string) *AppConfig {
	cfg := new(AppConfig)
	*cfg = *DefaultAppConfig
	if cfile != "" {
		data, err := os.ReadFile(cfile)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				zap.S().Errorf("config file %s parse error: %v", cfile, err)
			}
		}
	}
	setEnvValue("SPOKE_SYSTEM_WORKDIR", &cfg.System.Workdir)
	setEnvValue("SPOKE_WEB_HOST", &cfg.Web.Host)
	setEnvIntValue("SPOKE_WEB_PORT", &cfg.Web.Port)
	setEnvValue("SPOKE_DB_TYPE", &cfg.Database.Type)
	setEnvValue("SPOKE_DB_HOST", &cfg.Database.Host)
	setEnvIntValue("SPOKE_DB_PORT", &cfg.Database.Port)
	setEnvValue("SPOKE_DB_NAME", &cfg.Database.Name)
	setEnvValue("SPOKE_DB_USER", &cfg.Database.User)
	setEnvValue("SPOKE_DB_PWD", &cfg.Database.Passwd)
	setEnvValue("SPOKE_MESSAGING_COUNTRY_CODE", &cfg.Messaging.DefaultCountryCode)
	return cfg
}

func setEnvValue(name string, f *string) {
	if v, ok := os.LookupEnv(name); ok {
		*f = v
	}
}

func setEnvIntValue(name string, f *int) {
	if v, ok := os.LookupEnv(name); ok {
		*f = cast.ToInt(v)
	}
}
