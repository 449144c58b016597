// Package config loads the harvester configuration from a YAML file overlaid by the
// environment variables of the original deployment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	prommodel "github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Config is built once at startup and passed by value; nothing mutates it afterwards.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Harvest     HarvestConfig     `yaml:"harvest"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	APEL        APELConfig        `yaml:"apel"`
	EOSC        EOSCConfig        `yaml:"eosc"`
	Store       StoreConfig       `yaml:"store"`
	Watch       WatchConfig       `yaml:"watch"`
	Serve       ServeConfig       `yaml:"serve"`
	Log         LogConfig         `yaml:"log"`
}

type SiteConfig struct {
	Name            string  `yaml:"name"`
	CloudType       string  `yaml:"cloud_type"`
	ComputeService  string  `yaml:"compute_service"`
	DefaultCPUCount float64 `yaml:"default_cpu_count"`
	Timezone        string  `yaml:"timezone"`
}

type PrometheusConfig struct {
	URL                string        `yaml:"url"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

type HarvestConfig struct {
	// Filter is a label matcher list inserted into every selector, e.g. pod=~'jupyter-.*'.
	Filter string `yaml:"filter"`
	// Range is the PromQL lookback window, e.g. 24h.
	Range                 string        `yaml:"range"`
	CompletionThreshold   time.Duration `yaml:"completion_threshold"`
	RecentLaunchThreshold time.Duration `yaml:"recent_launch_threshold"`
	UserLabel             string        `yaml:"user_label"`
	GroupLabel            string        `yaml:"group_label"`
	FlavorLabel           string        `yaml:"flavor_label"`
	ContainerName         string        `yaml:"container_name"`
	NameLabel             string        `yaml:"name_label"`
	NamePosition          int           `yaml:"name_position"`
}

type EntitlementConfig struct {
	KeyField  string `yaml:"key_field"`
	DefaultVO string `yaml:"default_vo"`
	// VOs maps a VO to the raw group values that belong to it.
	VOs map[string][]string `yaml:"vos"`
}

type APELConfig struct {
	SpoolDir      string `yaml:"spool_dir"`
	TimestampFile string `yaml:"timestamp_file"`
	// Format is "cloud" (v0.4 cloud records) or "job" (v0.3 individual job records).
	Format             string `yaml:"format"`
	SubmitHost         string `yaml:"submit_host"`
	InfrastructureType string `yaml:"infrastructure_type"`
	// WindowHours is the length of one reporting window.
	WindowHours int `yaml:"window_hours"`
}

type EOSCConfig struct {
	TokenURL       string        `yaml:"token_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RefreshToken   string        `yaml:"refresh_token"`
	Scopes         []string      `yaml:"scopes"`
	AccountingURL  string        `yaml:"accounting_url"`
	InstallationID string        `yaml:"installation_id"`
	TimestampFile  string        `yaml:"timestamp_file"`
	Timeout        time.Duration `yaml:"timeout"`
	// Flavors maps a session flavor to its metric definition id.
	Flavors map[string]string `yaml:"flavors"`
	// ValueUnit is wall_seconds, wall_hours or cpu_seconds.
	ValueUnit      string `yaml:"value_unit"`
	UsersMetric    string `yaml:"users_metric"`
	SessionsMetric string `yaml:"sessions_metric"`
	// HubFilter and HubRange select the hub gauges for the statistics push.
	HubFilter string `yaml:"hub_filter"`
	HubRange  string `yaml:"hub_range"`
	// WindowHours is the length of one aggregation window.
	WindowHours int `yaml:"window_hours"`
}

type StoreConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
	LockFile string `yaml:"lock_file"`
}

type WatchConfig struct {
	EventsDir string `yaml:"events_dir"`
}

type ServeConfig struct {
	HarvestSchedule string        `yaml:"harvest_schedule"`
	APELSchedule    string        `yaml:"apel_schedule"`
	EOSCSchedule    string        `yaml:"eosc_schedule"`
	Watch           bool          `yaml:"watch"`
	MaxRetryElapsed time.Duration `yaml:"max_retry_elapsed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

const (
	DefaultSite      = "EGI-NOTEBOOKS"
	DefaultCloudType = "EGI Notebooks"
	DefaultVO        = "vo.notebooks.egi.eu"
	DefaultFilter    = "pod=~'jupyter-.*'"
	DefaultRange     = "24h"
	// DefaultWindowHours is the reporting window of APEL and EOSC runs.
	DefaultWindowHours = 24
	defaultStateDir    = "/var/lib/pod-accounting"
)

var validKeyFields = []string{"primary_group", "global_user_name", "namespace", "flavor"}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var c Config
	_ = c.Validate()
	return c
}

// Load reads path (optional), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Site.Name == "" {
		c.Site.Name = DefaultSite
	}
	if c.Site.CloudType == "" {
		c.Site.CloudType = DefaultCloudType
	}
	if c.Site.Timezone == "" {
		c.Site.Timezone = "UTC"
	}

	if c.Prometheus.URL == "" {
		c.Prometheus.URL = "http://localhost:9090"
	}
	c.Prometheus.URL = strings.TrimRight(c.Prometheus.URL, "/")
	if c.Prometheus.Timeout == 0 {
		c.Prometheus.Timeout = 30 * time.Second
	}

	h := &c.Harvest
	if h.Filter == "" {
		h.Filter = DefaultFilter
	}
	if h.Range == "" {
		h.Range = DefaultRange
	}
	if h.CompletionThreshold == 0 {
		h.CompletionThreshold = 90 * time.Second
	}
	if h.RecentLaunchThreshold == 0 {
		h.RecentLaunchThreshold = 96 * time.Second
	}
	if h.UserLabel == "" {
		h.UserLabel = "annotation_hub_jupyter_org_username"
	}
	if h.GroupLabel == "" {
		h.GroupLabel = "annotation_egi_eu_primary_group"
	}
	if h.FlavorLabel == "" {
		h.FlavorLabel = "annotation_egi_eu_flavor"
	}
	if h.ContainerName == "" {
		h.ContainerName = "notebook"
	}
	if h.NameLabel == "" {
		h.NameLabel = "name"
	}
	if h.NamePosition == 0 {
		h.NamePosition = 2
	}

	if c.Entitlement.KeyField == "" {
		c.Entitlement.KeyField = "primary_group"
	}
	if c.Entitlement.DefaultVO == "" {
		c.Entitlement.DefaultVO = DefaultVO
	}

	if c.APEL.Format == "" {
		c.APEL.Format = "cloud"
	}
	if c.APEL.TimestampFile == "" {
		c.APEL.TimestampFile = filepath.Join(defaultStateDir, "apel-timestamp")
	}
	if c.APEL.InfrastructureType == "" {
		c.APEL.InfrastructureType = "grid"
	}
	if c.APEL.WindowHours == 0 {
		c.APEL.WindowHours = DefaultWindowHours
	}

	if c.EOSC.TimestampFile == "" {
		c.EOSC.TimestampFile = filepath.Join(defaultStateDir, "eosc-timestamp")
	}
	if c.EOSC.Timeout == 0 {
		c.EOSC.Timeout = 30 * time.Second
	}
	if c.EOSC.ValueUnit == "" {
		c.EOSC.ValueUnit = "wall_seconds"
	}
	if len(c.EOSC.Scopes) == 0 {
		c.EOSC.Scopes = []string{"openid", "email", "profile", "voperson_id", "entitlements"}
	}
	c.EOSC.AccountingURL = strings.TrimRight(c.EOSC.AccountingURL, "/")
	if c.EOSC.HubRange == "" {
		c.EOSC.HubRange = "4h"
	}
	if c.EOSC.WindowHours == 0 {
		c.EOSC.WindowHours = DefaultWindowHours
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(defaultStateDir, "sessions.db")
	}
	if c.Store.PoolSize == 0 {
		c.Store.PoolSize = 4
	}
	if c.Store.LockFile == "" {
		c.Store.LockFile = c.Store.Path + ".lock"
	}

	if c.Serve.HarvestSchedule == "" {
		c.Serve.HarvestSchedule = "@every 1h"
	}
	if c.Serve.APELSchedule == "" {
		c.Serve.APELSchedule = "30 0 * * *"
	}
	if c.Serve.EOSCSchedule == "" {
		c.Serve.EOSCSchedule = "0 1 * * *"
	}
	if c.Serve.MaxRetryElapsed == 0 {
		c.Serve.MaxRetryElapsed = 10 * time.Minute
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	return c.check()
}

func (c *Config) check() error {
	var errs []error
	if _, err := prommodel.ParseDuration(c.Harvest.Range); err != nil {
		errs = append(errs, fmt.Errorf("harvest.range: %w", err))
	}
	if _, err := prommodel.ParseDuration(c.EOSC.HubRange); err != nil {
		errs = append(errs, fmt.Errorf("eosc.hub_range: %w", err))
	}
	if c.APEL.WindowHours < 1 || c.EOSC.WindowHours < 1 {
		errs = append(errs, fmt.Errorf("window_hours must be >= 1 (apel: %d, eosc: %d)",
			c.APEL.WindowHours, c.EOSC.WindowHours))
	}
	if c.Harvest.CompletionThreshold < 0 || c.Harvest.RecentLaunchThreshold < 0 {
		errs = append(errs, errors.New("harvest thresholds must be positive"))
	}
	if c.Harvest.NamePosition < 1 {
		errs = append(errs, fmt.Errorf("harvest.name_position must be >= 1, got %d", c.Harvest.NamePosition))
	}
	if !contains(validKeyFields, c.Entitlement.KeyField) {
		errs = append(errs, fmt.Errorf("entitlement.key_field %q not one of %v", c.Entitlement.KeyField, validKeyFields))
	}
	if _, err := c.Entitlement.Table(); err != nil {
		errs = append(errs, err)
	}
	if c.APEL.Format != "cloud" && c.APEL.Format != "job" {
		errs = append(errs, fmt.Errorf("apel.format must be cloud or job, got %q", c.APEL.Format))
	}
	switch c.EOSC.ValueUnit {
	case "wall_seconds", "wall_hours", "cpu_seconds":
	default:
		errs = append(errs, fmt.Errorf("eosc.value_unit %q not supported", c.EOSC.ValueUnit))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Table inverts the VO configuration into a raw-value to VO lookup. Values may also be
// given as a single comma separated string.
func (e EntitlementConfig) Table() (map[string]string, error) {
	table := make(map[string]string)
	vos := make([]string, 0, len(e.VOs))
	for vo := range e.VOs {
		vos = append(vos, vo)
	}
	sort.Strings(vos)

	for _, vo := range vos {
		for _, entry := range e.VOs[vo] {
			for _, value := range strings.Split(entry, ",") {
				value = strings.TrimSpace(value)
				if value == "" {
					continue
				}
				if existing, ok := table[value]; ok && existing != vo {
					return nil, fmt.Errorf("entitlement value %q mapped to both %s and %s", value, existing, vo)
				}
				table[value] = vo
			}
		}
	}
	return table, nil
}

// RangeDuration returns the harvest lookback as a time.Duration.
func (h HarvestConfig) RangeDuration() time.Duration {
	d, err := prommodel.ParseDuration(h.Range)
	if err != nil {
		return 0
	}
	return time.Duration(d)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
