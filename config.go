package mlflowreport

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the pipeline configuration. It is resolved once by ConfigLoad
// (defaults, then the optional yaml file, then environment variables) and
// treated as read-only afterwards.
type Config struct {
	MLflow        configMLflow        `yaml:"MLflow"`
	Pushgateway   configPushgateway   `yaml:"Pushgateway"`
	Monitoring    configMonitoring    `yaml:"Monitoring"`
	Export        configExport        `yaml:"Export"`
	OpenTelemetry configOpenTelemetry `yaml:"OpenTelemetry"`
	ErrorLogFile  string              `yaml:"ErrorLogFile"`
	Debug         bool                `yaml:"Debug"`
}

type configMLflow struct {
	TrackingURI    string `yaml:"TrackingURI"`
	MaxExperiments int    `yaml:"MaxExperiments"`
}

type configPushgateway struct {
	Address string `yaml:"Address"`
	JobName string `yaml:"JobName"`
}

type configMonitoring struct {
	Endpoint string `yaml:"Endpoint"`
	APIKey   string `yaml:"APIKey"`
	Enabled  bool   `yaml:"Enabled"`
}

type configExport struct {
	// Interval between export cycles in seconds.
	Interval int `yaml:"Interval"`
	// IncludeSystemMetricsは受け付けるだけでまだパイプラインでは使っていない
	IncludeSystemMetrics bool `yaml:"IncludeSystemMetrics"`
}

type configOpenTelemetry struct {
	URL string                 `yaml:"URL"`
	TLS configOpenTelemetryTLS `yaml:"TLS"`
}

type configOpenTelemetryTLS struct {
	Insecure             bool   `yaml:"Insecure"`
	CACertificate        string `yaml:"CACertificate"`
	ClientCertificate    string `yaml:"ClientCertificate"`
	ClientCertificateKey string `yaml:"ClientCertificateKey"`
}

func defaultConfig() Config {
	return Config{
		MLflow: configMLflow{
			TrackingURI:    "http://localhost:5000",
			MaxExperiments: 10,
		},
		Pushgateway: configPushgateway{
			Address: "localhost:9091",
			JobName: "mlflow_metrics",
		},
		Monitoring: configMonitoring{
			Endpoint: "http://localhost:8080/api/metrics",
			Enabled:  true,
		},
		Export: configExport{
			Interval:             60,
			IncludeSystemMetrics: true,
		},
	}
}

// ConfigLoad is loading the yaml config. An empty file path skips the file
// and resolves defaults plus environment variables only.
func ConfigLoad(file string) (Config, error) {
	conf := defaultConfig()
	if file != "" {
		buf, err := os.ReadFile(file)
		if err != nil {
			return conf, err
		}
		if err := yaml.Unmarshal(buf, &conf); err != nil {
			return conf, err
		}
	}
	if err := configEnvOverride(&conf); err != nil {
		return conf, err
	}
	if err := configValidate(&conf); err != nil {
		return conf, err
	}
	return conf, nil
}

func configEnvOverride(conf *Config) error {
	if v, ok := os.LookupEnv("MLFLOW_TRACKING_URI"); ok {
		conf.MLflow.TrackingURI = v
	}
	if v, ok := os.LookupEnv("PROMETHEUS_GATEWAY"); ok {
		conf.Pushgateway.Address = v
	}
	if v, ok := os.LookupEnv("PROMETHEUS_JOB_NAME"); ok {
		conf.Pushgateway.JobName = v
	}
	if v, ok := os.LookupEnv("MONITORING_ENDPOINT"); ok {
		conf.Monitoring.Endpoint = v
	}
	if v, ok := os.LookupEnv("MONITORING_API_KEY"); ok {
		conf.Monitoring.APIKey = v
	}
	if v, ok := os.LookupEnv("MONITORING_ENABLED"); ok {
		conf.Monitoring.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := os.LookupEnv("EXPORT_INTERVAL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EXPORT_INTERVAL must be an integer: %w", err)
		}
		conf.Export.Interval = n
	}
	if v, ok := os.LookupEnv("MAX_EXPERIMENTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_EXPERIMENTS must be an integer: %w", err)
		}
		conf.MLflow.MaxExperiments = n
	}
	if v, ok := os.LookupEnv("INCLUDE_SYSTEM_METRICS"); ok {
		conf.Export.IncludeSystemMetrics = strings.EqualFold(v, "true")
	}
	return nil
}

func configValidate(conf *Config) error {
	if conf.MLflow.TrackingURI == "" {
		return fmt.Errorf("MLflow.TrackingURI must not be empty")
	}
	if conf.MLflow.MaxExperiments < 1 {
		return fmt.Errorf("MLflow.MaxExperiments must be at least 1, got %d", conf.MLflow.MaxExperiments)
	}
	if conf.Export.Interval < 1 {
		return fmt.Errorf("Export.Interval must be at least 1 second, got %d", conf.Export.Interval)
	}
	if conf.Monitoring.Enabled && conf.Monitoring.Endpoint == "" {
		return fmt.Errorf("Monitoring.Endpoint must not be empty while Monitoring.Enabled is true")
	}
	return nil
}
