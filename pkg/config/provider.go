package config

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/xzerrors"
)

// EnvPrefix is prepended to environment overrides: database.mysql.host is
// overridden by XZCORE_DATABASE_MYSQL_HOST.
const EnvPrefix = "XZCORE"

// Provider is the configuration service. It owns a YAML file on disk, writes
// the defaults when the file is missing and exposes the merged file and
// environment values through Reader.
type Provider struct {
	path   string
	logger *zap.Logger

	mu          sync.RWMutex
	v           *viper.Viper
	initialized atomic.Bool
}

var _ Reader = (*Provider)(nil)

// NewProvider creates a provider for the YAML file at path.
func NewProvider(path string, log *zap.Logger) *Provider {
	return &Provider{
		path:   path,
		logger: logger.Named(log, "config"),
		v:      newViper(),
	}
}

// Name returns the service name
func (p *Provider) Name() string { return "config" }

// Path returns the backing file path
func (p *Provider) Path() string { return p.path }

// Initialize loads the configuration file, writing defaults first if it does
// not exist.
func (p *Provider) Initialize(ctx context.Context) error {
	if _, err := os.Stat(p.path); errors.Is(err, fs.ErrNotExist) {
		if err := WriteDefaults(p.path); err != nil {
			return xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "failed to write default configuration").
				WithDetail("path", p.path)
		}
		p.logger.Info("wrote default configuration", zap.String("path", p.path))
	}

	if err := p.load(); err != nil {
		return err
	}
	p.initialized.Store(true)
	p.logger.Info("configuration loaded", zap.String("path", p.path))
	return nil
}

// Shutdown marks the provider stopped. The file is never written back.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.initialized.Store(false)
	return nil
}

// IsInitialized reports whether Initialize succeeded and Shutdown has not run
func (p *Provider) IsInitialized() bool { return p.initialized.Load() }

// Reload re-reads the file. On failure the previous values stay in effect.
func (p *Provider) Reload() error {
	if err := p.load(); err != nil {
		p.logger.Warn("configuration reload failed, keeping previous values", zap.Error(err))
		return err
	}
	p.logger.Info("configuration reloaded", zap.String("path", p.path))
	return nil
}

func (p *Provider) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "failed to read configuration").
			WithDetail("path", p.path)
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewReader([]byte(substituteEnvVars(string(data))))); err != nil {
		return xzerrors.Wrap(err, xzerrors.ErrorTypeConfig, "failed to parse configuration").
			WithDetail("path", p.path)
	}

	p.mu.Lock()
	p.v = v
	p.mu.Unlock()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func (p *Provider) current() *viper.Viper {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v
}

// IsSet reports whether key has a value in the file or environment
func (p *Provider) IsSet(key string) bool {
	return p.current().IsSet(key)
}

// GetString returns the string at key or def
func (p *Provider) GetString(key, def string) string {
	v := p.current()
	if !v.IsSet(key) {
		return def
	}
	return v.GetString(key)
}

// GetInt returns the int at key or def
func (p *Provider) GetInt(key string, def int) int {
	n, err := cast.ToIntE(p.raw(key))
	if err != nil {
		return def
	}
	return n
}

// GetInt64 returns the int64 at key or def
func (p *Provider) GetInt64(key string, def int64) int64 {
	n, err := cast.ToInt64E(p.raw(key))
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the bool at key or def
func (p *Provider) GetBool(key string, def bool) bool {
	b, err := cast.ToBoolE(p.raw(key))
	if err != nil {
		return def
	}
	return b
}

// GetFloat64 returns the float at key or def
func (p *Provider) GetFloat64(key string, def float64) float64 {
	f, err := cast.ToFloat64E(p.raw(key))
	if err != nil {
		return def
	}
	return f
}

// GetDuration returns the duration at key or def. Plain integers are read
// as milliseconds; anything else must parse as a Go duration.
func (p *Provider) GetDuration(key string, def time.Duration) time.Duration {
	raw := p.raw(key)
	if raw == nil {
		return def
	}
	if ms, err := cast.ToInt64E(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := cast.ToDurationE(raw)
	if err != nil {
		return def
	}
	return d
}

// raw returns the untyped value at key, or nil when it is unset. Strings are
// trimmed so environment values convert like file values.
func (p *Provider) raw(key string) interface{} {
	v := p.current()
	if !v.IsSet(key) {
		return nil
	}
	if s, ok := v.Get(key).(string); ok {
		return strings.TrimSpace(s)
	}
	return v.Get(key)
}
