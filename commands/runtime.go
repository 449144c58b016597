package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coder/quartz"
	"github.com/hashicorp/go-multierror"

	"github.com/penwyp/go-pod-accounting/internal/config"
	"github.com/penwyp/go-pod-accounting/internal/core/entitlement"
	"github.com/penwyp/go-pod-accounting/internal/core/lifecycle"
	"github.com/penwyp/go-pod-accounting/internal/core/registry"
	"github.com/penwyp/go-pod-accounting/internal/data/prometheus"
	"github.com/penwyp/go-pod-accounting/internal/data/spool"
	"github.com/penwyp/go-pod-accounting/internal/data/store"
	"github.com/penwyp/go-pod-accounting/internal/presentation/formatter"
	"github.com/penwyp/go-pod-accounting/internal/util"
)

// runtime holds what one command invocation opened. Close releases all of it.
type runtime struct {
	cfg   config.Config
	clock quartz.Clock
	out   io.Writer
	store *store.Store
	lock  *util.RunLock
}

// loadConfig reads the dotenv file, the YAML file and the environment, in that order.
func loadConfig(path, dotenv string) (config.Config, error) {
	if err := config.LoadDotEnv(expandPath(dotenv)); err != nil {
		return config.Config{}, err
	}
	path = expandPath(path)
	if path == expandPath(defaultConfigFile) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func newRuntime(out io.Writer) (*runtime, error) {
	cfg, err := loadConfig(configFile, envFile)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Log.Level = "debug"
	}

	if cfg.Log.File != "" {
		if err := ensureDir(filepath.Dir(expandPath(cfg.Log.File))); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	if err := util.InitLogger(util.LoggerOptions{
		Level:   cfg.Log.Level,
		File:    expandPath(cfg.Log.File),
		Console: true,
		Format:  util.LogFormat(cfg.Log.Format),
	}); err != nil {
		return nil, err
	}
	if err := util.InitializeTimeProvider(cfg.Site.Timezone); err != nil {
		return nil, err
	}

	return &runtime{cfg: cfg, clock: quartz.NewReal(), out: out}, nil
}

// openStore opens the session store. Batch runs also take the run lock so two of them never
// interleave on the same state.
func (r *runtime) openStore(withLock bool) error {
	if withLock {
		lock, err := util.AcquireRunLock(expandPath(r.cfg.Store.LockFile))
		if err != nil {
			return err
		}
		r.lock = lock
	}
	st, err := store.Open(store.Options{Path: expandPath(r.cfg.Store.Path), PoolSize: r.cfg.Store.PoolSize})
	if err != nil {
		return err
	}
	r.store = st
	return nil
}

func (r *runtime) Close() error {
	var result *multierror.Error
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close store: %w", err))
		}
		r.store = nil
	}
	if r.lock != nil {
		if err := r.lock.Unlock(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release lock: %w", err))
		}
		r.lock = nil
	}
	if err := util.CloseLogger(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close logger: %w", err))
	}
	return result.ErrorOrNil()
}

func (r *runtime) prometheusClient() *prometheus.Client {
	p := r.cfg.Prometheus
	return prometheus.NewClient(prometheus.Options{
		URL:                p.URL,
		User:               p.User,
		Password:           p.Password,
		InsecureSkipVerify: p.InsecureSkipVerify,
		Timeout:            p.Timeout,
	})
}

func (r *runtime) reconstructor() *lifecycle.Reconstructor {
	h := r.cfg.Harvest
	queries := lifecycle.BuildQueries(h.Filter, h.Range, h.ContainerName,
		registry.ParsedFromName{Label: h.NameLabel, PositionFromEnd: h.NamePosition})
	return lifecycle.New(r.prometheusClient(), queries, lifecycle.Options{
		Site:                  r.cfg.Site.Name,
		CompletionThreshold:   h.CompletionThreshold,
		RecentLaunchThreshold: h.RecentLaunchThreshold,
		UserLabel:             h.UserLabel,
		GroupLabel:            h.GroupLabel,
		FlavorLabel:           h.FlavorLabel,
	}, r.clock)
}

func (r *runtime) entitlements() (*entitlement.Resolver, error) {
	return entitlement.FromConfig(r.cfg.Entitlement)
}

func (r *runtime) apelFormatter() (*formatter.APELFormatter, error) {
	return formatter.NewAPELFormatter(formatter.APELOptions{
		Format:             r.cfg.APEL.Format,
		CloudType:          r.cfg.Site.CloudType,
		ComputeService:     r.cfg.Site.ComputeService,
		DefaultVO:          r.cfg.Entitlement.DefaultVO,
		DefaultCPUCount:    r.cfg.Site.DefaultCPUCount,
		SubmitHost:         r.cfg.APEL.SubmitHost,
		InfrastructureType: r.cfg.APEL.InfrastructureType,
	})
}

// apelSpool returns nil when no spool directory is configured.
func (r *runtime) apelSpool() (*spool.Queue, error) {
	if r.cfg.APEL.SpoolDir == "" {
		return nil, nil
	}
	return spool.NewOS(expandPath(r.cfg.APEL.SpoolDir))
}

// withRuntime runs fn with a fresh runtime and closes it afterwards.
func withRuntime(ctx context.Context, out io.Writer, withStore bool, fn func(ctx context.Context, rt *runtime) error) (err error) {
	rt, err := newRuntime(out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if withStore {
		if err := rt.openStore(true); err != nil {
			return err
		}
	}
	return fn(ctx, rt)
}
