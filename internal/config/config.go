package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"raingauge/internal/nodeerr"
)

// Duration is a time.Duration that reads from YAML strings like "60s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Device struct {
		Interface string `yaml:"interface"`
		APSSID    string `yaml:"ap_ssid"`
		APAddress string `yaml:"ap_address"`
		Bus       string `yaml:"bus"`
	} `yaml:"device"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	GPIO struct {
		Chip   string `yaml:"chip"`
		Sensor int    `yaml:"sensor"`
		Button int    `yaml:"button"`
		LED    int    `yaml:"led"`
	} `yaml:"gpio"`

	Sensor struct {
		PollInterval      Duration `yaml:"poll_interval"`
		CalibrationFactor float64  `yaml:"calibration_factor"`
	} `yaml:"sensor"`

	Report struct {
		Interval    Duration `yaml:"interval"`
		Endpoint    string   `yaml:"endpoint"`
		APIKeyParam string   `yaml:"api_key_param"`
		APIKey      string   `yaml:"api_key"`
		Field       string   `yaml:"field"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"report"`

	Portal struct {
		DNSListen    string   `yaml:"dns_listen"`
		HTTPListen   string   `yaml:"http_listen"`
		RestartDelay Duration `yaml:"restart_delay"`
	} `yaml:"portal"`

	Reset struct {
		Hold         Duration `yaml:"hold"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"reset"`

	LED struct {
		Blink Duration `yaml:"blink"`
	} `yaml:"led"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Restart struct {
		Mode string `yaml:"mode"`
	} `yaml:"restart"`
}

// Load reads filename over the defaults. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := &Config{}
	setDefaults(cfg)

	data, err := os.ReadFile(filename)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nodeerr.NewConfigError("failed to parse yaml", err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, nodeerr.NewConfigError("failed to read "+filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.Logging.Level = "info"

	cfg.Device.Interface = "wlan0"
	cfg.Device.APSSID = "PLUV_DIGIT_AP"
	cfg.Device.APAddress = "192.168.4.1"
	cfg.Device.Bus = "system"

	cfg.Storage.Path = "/var/lib/raingauge"

	cfg.GPIO.Chip = "gpiochip0"
	cfg.GPIO.Sensor = 4
	cfg.GPIO.Button = 0
	cfg.GPIO.LED = 2

	cfg.Sensor.PollInterval = Duration(100 * time.Millisecond)
	// 1.63 mm per tip, scaled ×4 to the reporting unit.
	cfg.Sensor.CalibrationFactor = 1.63 * 4

	cfg.Report.Interval = Duration(60 * time.Second)
	cfg.Report.Endpoint = "http://api.thingspeak.com/update"
	cfg.Report.APIKeyParam = "api_key"
	cfg.Report.Field = "field1"
	cfg.Report.Timeout = Duration(10 * time.Second)

	cfg.Portal.DNSListen = ":53"
	cfg.Portal.HTTPListen = ":80"
	cfg.Portal.RestartDelay = Duration(500 * time.Millisecond)

	cfg.Reset.Hold = Duration(5 * time.Second)
	cfg.Reset.PollInterval = Duration(100 * time.Millisecond)

	cfg.LED.Blink = Duration(500 * time.Millisecond)

	cfg.Restart.Mode = "exit"
}

func (c *Config) Validate() error {
	if c.Sensor.PollInterval <= 0 {
		return nodeerr.NewConfigError("sensor.poll_interval must be positive", nil)
	}
	if c.Sensor.CalibrationFactor <= 0 {
		return nodeerr.NewConfigError("sensor.calibration_factor must be positive", nil)
	}
	if c.Report.Interval <= 0 {
		return nodeerr.NewConfigError("report.interval must be positive", nil)
	}
	if c.Reset.Hold <= 0 || c.Reset.PollInterval <= 0 {
		return nodeerr.NewConfigError("reset.hold and reset.poll_interval must be positive", nil)
	}
	if c.LED.Blink <= 0 {
		return nodeerr.NewConfigError("led.blink must be positive", nil)
	}
	if _, err := url.ParseRequestURI(c.Report.Endpoint); err != nil {
		return nodeerr.NewConfigError("report.endpoint is not a valid URL", err)
	}
	if ip := net.ParseIP(c.Device.APAddress); ip == nil || ip.To4() == nil {
		return nodeerr.NewConfigError("device.ap_address must be an IPv4 address", nil)
	}
	if c.Device.APSSID == "" || len(c.Device.APSSID) > 32 {
		return nodeerr.NewConfigError("device.ap_ssid must be 1-32 bytes", nil)
	}
	switch c.Restart.Mode {
	case "exit", "reboot":
	default:
		return nodeerr.NewConfigError("restart.mode must be exit or reboot", nil)
	}
	switch c.Device.Bus {
	case "system", "session":
	default:
		return nodeerr.NewConfigError("device.bus must be system or session", nil)
	}
	return nil
}
