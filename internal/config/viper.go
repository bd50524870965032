package config

import (
	"io/fs"
	"strings"
	"sync"

	"emperror.dev/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BEWS"

var _ Provider = (*ViperProvider)(nil)

// ViperProvider reads the settings file on every call, so a reload sees the latest saved file.
// A missing client identity is generated once and written back to the file.
type ViperProvider struct {
	Fs    afero.Fs
	Path  string
	Flags *pflag.FlagSet
	Log   logr.Logger

	mu       sync.Mutex
	watcher  *viper.Viper
	identity string
}

func NewViperProvider(fs afero.Fs, path string, flags *pflag.FlagSet, log logr.Logger) *ViperProvider {
	return &ViperProvider{Fs: fs, Path: path, Flags: flags, Log: log}
}

func (p *ViperProvider) Settings() (Settings, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, err := p.read()
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, errors.WrapIf(err, "unmarshal settings")
	}

	if settings.ClientIdentity == "" {
		if p.identity == "" {
			p.identity = uuid.NewString()
		}
		settings.ClientIdentity = p.identity
		if p.Path != "" {
			v.Set("client_identity", settings.ClientIdentity)
			if err := v.WriteConfigAs(p.Path); err != nil {
				return Settings{}, errors.WithDetails(errors.WrapIf(err, "persist client identity"), "path", p.Path)
			}
			p.Log.Info("Client identity generated", "path", p.Path, "clientIdentity", settings.ClientIdentity)
		}
	}
	settings = settings.WithDefaults()

	return settings, settings.Validate()
}

// Watch calls onChange after every write of the settings file.
func (p *ViperProvider) Watch(onChange func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil || p.Path == "" {
		return
	}
	p.watcher = p.newViper()
	p.watcher.OnConfigChange(func(e fsnotify.Event) {
		p.Log.Info("Config file changed", "path", e.Name, "op", e.Op.String())
		onChange()
	})
	p.watcher.WatchConfig()
}

func (p *ViperProvider) newViper() *viper.Viper {
	v := viper.New()
	if p.Fs != nil {
		v.SetFs(p.Fs)
	}
	d := Defaults()
	v.SetDefault("broker", d.Broker)
	v.SetDefault("host", d.Host)
	v.SetDefault("user", d.User)
	v.SetDefault("password", d.Password)
	v.SetDefault("exchange", d.Exchange)
	v.SetDefault("heartbeat_interval_s", d.HeartbeatIntervalS)
	v.SetDefault("timeout_connect_s", d.TimeoutConnectS)
	v.SetDefault("timeout_response_s", d.TimeoutResponseS)
	v.SetDefault("retry_backoff_s", d.RetryBackoffS)
	v.SetDefault("request_policy", d.RequestPolicy)
	v.SetDefault("queue_bound", d.QueueBound)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("max_in_flight", d.MaxInFlight)
	v.SetDefault("status_addr", d.StatusAddr)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if p.Path != "" {
		v.SetConfigFile(p.Path)
	}

	return v
}

func (p *ViperProvider) read() (*viper.Viper, error) {
	v := p.newViper()
	if p.Flags != nil {
		if err := v.BindPFlags(p.Flags); err != nil {
			return nil, errors.WrapIf(err, "bind flags")
		}
	}
	if p.Path == "" {
		return v, nil
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.WithDetails(errors.WrapIf(err, "read config"), "path", p.Path)
		}
		p.Log.Info("Config file not found, using defaults", "path", p.Path)
	}

	return v, nil
}
