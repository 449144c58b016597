package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envOverrides lists the environment variables of the container deployment.
// Unset variables leave the file configuration untouched.
type envOverrides struct {
	SiteName        string  `envconfig:"SITENAME"`
	CloudType       string  `envconfig:"CLOUD_TYPE"`
	Service         string  `envconfig:"SERVICE"`
	DefaultVO       string  `envconfig:"DEFAULT_VO"`
	DefaultCPUCount float64 `envconfig:"DEFAULT_CPU_COUNT"`
	PrometheusURL   string  `envconfig:"PROMETHEUS_URL"`
	SSLVerify       string  `envconfig:"SSL_VERIFY"`
	Filter          string  `envconfig:"FILTER"`
	Range           string  `envconfig:"RANGE"`
	FQANKey         string  `envconfig:"FQAN_KEY"`
	APELSpool       string  `envconfig:"APEL_SPOOL"`
	APELTimestamp   string  `envconfig:"APEL_TIMESTAMP_FILE"`
	NotebooksDB     string  `envconfig:"NOTEBOOKS_DB"`
	TokenURL        string  `envconfig:"TOKEN_URL"`
	ClientID        string  `envconfig:"CLIENT_ID"`
	ClientSecret    string  `envconfig:"CLIENT_SECRET"`
	RefreshToken    string  `envconfig:"REFRESH_TOKEN"`
	AccountingURL   string  `envconfig:"ACCOUNTING_URL"`
	InstallationID  string  `envconfig:"INSTALLATION_ID"`
	TimestampFile   string  `envconfig:"TIMESTAMP_FILE"`
	EventsDir       string  `envconfig:"EVENTS_DIR"`
	Verbose         string  `envconfig:"VERBOSE"`
}

// LoadDotEnv loads variables from a dotenv file without overriding the real environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) error {
	var env envOverrides
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set(&c.Site.Name, env.SiteName)
	set(&c.Site.CloudType, env.CloudType)
	set(&c.Site.ComputeService, env.Service)
	if env.DefaultCPUCount > 0 {
		c.Site.DefaultCPUCount = env.DefaultCPUCount
	}
	set(&c.Entitlement.DefaultVO, env.DefaultVO)
	set(&c.Entitlement.KeyField, env.FQANKey)
	set(&c.Prometheus.URL, env.PrometheusURL)
	if env.SSLVerify != "" {
		verify, err := strconv.ParseBool(env.SSLVerify)
		if err != nil {
			return fmt.Errorf("SSL_VERIFY: %w", err)
		}
		c.Prometheus.InsecureSkipVerify = !verify
	}
	set(&c.Harvest.Filter, env.Filter)
	set(&c.Harvest.Range, env.Range)
	set(&c.APEL.SpoolDir, env.APELSpool)
	set(&c.APEL.TimestampFile, env.APELTimestamp)
	set(&c.Store.Path, env.NotebooksDB)
	set(&c.EOSC.TokenURL, env.TokenURL)
	set(&c.EOSC.ClientID, env.ClientID)
	set(&c.EOSC.ClientSecret, env.ClientSecret)
	set(&c.EOSC.RefreshToken, env.RefreshToken)
	set(&c.EOSC.AccountingURL, env.AccountingURL)
	set(&c.EOSC.InstallationID, env.InstallationID)
	set(&c.EOSC.TimestampFile, env.TimestampFile)
	set(&c.Watch.EventsDir, env.EventsDir)
	if env.Verbose != "" {
		if verbose, err := strconv.ParseBool(env.Verbose); err == nil && verbose {
			c.Log.Level = "debug"
		}
	}
	return nil
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
