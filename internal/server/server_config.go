package server

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultListenAddr        = ":31138"
	defaultHealthzTimeout    = 300 * time.Millisecond
	defaultReconcileInterval = 15 * time.Minute
)

type serverConfig struct {
	listenAddr string

	healthzTimeout time.Duration
	// how often every module is reconciled, zero disables the background pass
	reconcileInterval time.Duration
	// apply the schema before serving
	migrate bool
}

type serverOption func(*serverConfig) error

func withListenAddress(addr string) serverOption {
	return func(o *serverConfig) error {
		o.listenAddr = addr
		return nil
	}
}

func withHealthzTimeout(s string) serverOption {
	return func(conf *serverConfig) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid health check timeout %q: %w", s, err)
		}
		if d <= 0 {
			return fmt.Errorf("health check timeout must be positive, got %s", d)
		}
		conf.healthzTimeout = d
		return nil
	}
}

func withReconcileInterval(s string) serverOption {
	return func(conf *serverConfig) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid reconcile interval %q: %w", s, err)
		}
		if d < 0 {
			return fmt.Errorf("reconcile interval must not be negative, got %s", d)
		}
		conf.reconcileInterval = d
		return nil
	}
}

func withMigrate(migrate bool) serverOption {
	return func(conf *serverConfig) error {
		conf.migrate = migrate
		return nil
	}
}

func readServerConfigEnv() []serverOption {
	var opts []serverOption

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		opts = append(opts, withListenAddress(addr))
	}
	if d := os.Getenv("HEALTHZ_TIMEOUT"); d != "" {
		opts = append(opts, withHealthzTimeout(d))
	}
	if d := os.Getenv("RECONCILE_INTERVAL"); d != "" {
		opts = append(opts, withReconcileInterval(d))
	}

	return opts
}

func readServerConfigFlags(fset *pflag.FlagSet) []serverOption {
	var opts []serverOption

	if addr, err := fset.GetString("listen-addr"); err == nil && addr != "" {
		opts = append(opts, withListenAddress(addr))
	}
	if d, err := fset.GetString("healthz-timeout"); err == nil && d != "" {
		opts = append(opts, withHealthzTimeout(d))
	}
	if d, err := fset.GetString("reconcile-interval"); err == nil && d != "" {
		opts = append(opts, withReconcileInterval(d))
	}
	if migrate, err := fset.GetBool("migrate"); err == nil && migrate {
		opts = append(opts, withMigrate(migrate))
	}

	return opts
}

// parseServerConfig applies the defaults, then the environment, then the CLI flags in fset
func parseServerConfig(fset *pflag.FlagSet) (serverConfig, error) {
	conf := serverConfig{
		listenAddr:        defaultListenAddr,
		healthzTimeout:    defaultHealthzTimeout,
		reconcileInterval: defaultReconcileInterval,
	}
	var opts []serverOption
	opts = append(opts, readServerConfigEnv()...)
	opts = append(opts, readServerConfigFlags(fset)...)
	for _, fn := range opts {
		if err := fn(&conf); err != nil {
			return serverConfig{}, fmt.Errorf("could not apply service config option: %w", err)
		}
	}
	return conf, nil
}
