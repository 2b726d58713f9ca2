package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Inheritance labels reported by Config.Source
const (
	SourceBuiltin = "built-in"
	SourceDefault = "default"
)

type RootConfig struct {
	ActiveConfig string             `mapstructure:"active_config" yaml:"active_config"`
	Configs      map[string]*Config `mapstructure:"configs" yaml:"configs"`
}

type Config struct {
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
	Storage  StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Naming   NamingConfig   `mapstructure:"naming" yaml:"naming"`
	Audio    AudioConfig    `mapstructure:"audio" yaml:"audio"`

	// Profile is the name of the profile the config was resolved from
	Profile string `mapstructure:"-" yaml:"-"`
	// Inheritance maps dotted field names to where their value came from
	Inheritance map[string]string `mapstructure:"-" yaml:"-"`
}

type CaptureConfig struct {
	Backend    string `mapstructure:"backend" yaml:"backend"` // "pipewire", "auto"
	Source     string `mapstructure:"source" yaml:"source"`   // JACK port, e.g. "system:capture_1"
	SampleRate int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Format     string `mapstructure:"format" yaml:"format"` // container written by ffmpeg
	Directory  string `mapstructure:"directory" yaml:"directory"`
}

type PlaybackConfig struct {
	Player   string `mapstructure:"player" yaml:"player"`       // "auto", "mpv", "ffplay", "vlc"
	SeekStep int    `mapstructure:"seek_step" yaml:"seek_step"` // seconds
}

type StorageConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend"` // "file", "sqlite", "redis", "s3", "memory"
	Key     string      `mapstructure:"key" yaml:"key"`
	Path    string      `mapstructure:"path" yaml:"path"` // directory for file, database file for sqlite
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
	S3      S3Config    `mapstructure:"s3" yaml:"s3"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Prefix          string `mapstructure:"prefix" yaml:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

type NamingConfig struct {
	RequireName   *bool  `mapstructure:"require_name" yaml:"require_name,omitempty"`
	DefaultPrefix string `mapstructure:"default_prefix" yaml:"default_prefix"`
}

// NameRequired reports whether saving without a name is rejected
func (n NamingConfig) NameRequired() bool {
	return n.RequireName != nil && *n.RequireName
}

type AudioConfig struct {
	// Exclusive stops playback when a recording starts and refuses playback
	// while recording. Defaults to true.
	Exclusive *bool `mapstructure:"exclusive" yaml:"exclusive,omitempty"`
}

func (a AudioConfig) IsExclusive() bool {
	return a.Exclusive == nil || *a.Exclusive
}

var (
	validCaptureBackends = []string{"pipewire", "auto"}
	validFormats         = []string{"flac", "wav", "ogg"}
	validPlayers         = []string{"auto", "mpv", "ffplay", "vlc"}
	validStorageBackends = []string{"file", "sqlite", "redis", "s3", "memory"}
)

// Default returns the built-in configuration
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Capture: CaptureConfig{
			Backend:    "auto",
			Source:     "system:capture_1",
			SampleRate: 48000,
			Format:     "flac",
			Directory:  filepath.Join(home, "Audio", "VoiceNotes"),
		},
		Playback: PlaybackConfig{
			Player:   "auto",
			SeekStep: 10,
		},
		Storage: StorageConfig{
			Backend: "file",
			Key:     "recordings",
			Path:    filepath.Join(home, ".local", "share", "voicenotes"),
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "voicenotes:",
			},
			S3: S3Config{
				Region: "us-east-1",
				Prefix: "voicenotes/",
			},
		},
		Naming: NamingConfig{
			DefaultPrefix: "Recording",
		},
		Profile: SourceDefault,
	}
}

// LoadWithProfile resolves the configuration for profile (or the file's
// active_config). A missing file yields the built-in defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	rootConfig, err := readRoot(configFile)
	if err != nil {
		return nil, err
	}

	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = SourceDefault
	}

	result := Default()
	result.Inheritance = make(map[string]string)
	markAll(result.Inheritance, SourceBuiltin)

	// Selection & Fallback: built-in <- configs.default <- configs.<profile>
	if base, ok := rootConfig.Configs[SourceDefault]; ok && base != nil {
		result = mergeConfigs(result, base, SourceDefault)
	}
	if configName != SourceDefault {
		selected, ok := rootConfig.Configs[configName]
		if !ok || selected == nil {
			return nil, fmt.Errorf("configuration profile '%s' not found", configName)
		}
		result = mergeConfigs(result, selected, configName)
	}
	result.Profile = configName

	result.Capture.Directory = expandPath(result.Capture.Directory)
	result.Storage.Path = expandPath(result.Storage.Path)

	if err := Validate(result); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	slog.Debug("Configuration loaded", "file", configFile, "profile", configName, "storage", result.Storage.Backend)
	return result, nil
}

// readRoot parses configFile. An empty name or a missing file gives an
// empty root.
func readRoot(configFile string) (*RootConfig, error) {
	root := &RootConfig{Configs: map[string]*Config{}}

	v := viper.New()
	v.SetEnvPrefix("VOICENOTES")
	v.AutomaticEnv()
	_ = v.BindEnv("active_config")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
			slog.Debug("Config file not found, using defaults", "file", configFile)
		}
	}

	if err := v.Unmarshal(root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if root.Configs == nil {
		root.Configs = map[string]*Config{}
	}
	return root, nil
}

// ListProfiles returns the profile names in configFile and the active one
func ListProfiles(configFile string) ([]string, string, error) {
	root, err := readRoot(configFile)
	if err != nil {
		return nil, "", err
	}
	names := make([]string, 0, len(root.Configs))
	for name := range root.Configs {
		names = append(names, name)
	}
	sort.Strings(names)

	active := root.ActiveConfig
	if active == "" {
		active = SourceDefault
	}
	return names, active, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with other readers
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	if newActiveConfig != SourceDefault && !v.IsSet("configs."+newActiveConfig) {
		return fmt.Errorf("configuration profile '%s' not found", newActiveConfig)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// mergeConfigs overlays every non-zero field of over onto base and records
// label as the source of each overridden field
func mergeConfigs(base, over *Config, label string) *Config {
	result := *base
	inh := make(map[string]string, len(base.Inheritance))
	for k, v := range base.Inheritance {
		inh[k] = v
	}
	result.Inheritance = inh

	set := func(field string, ok bool) {
		if ok {
			inh[field] = label
		}
	}
	str := func(field string, dst *string, v string) {
		if v != "" {
			*dst = v
		}
		set(field, v != "")
	}
	num := func(field string, dst *int, v int) {
		if v != 0 {
			*dst = v
		}
		set(field, v != 0)
	}
	flag := func(field string, dst **bool, v *bool) {
		if v != nil {
			b := *v
			*dst = &b
		}
		set(field, v != nil)
	}

	str("capture.backend", &result.Capture.Backend, over.Capture.Backend)
	str("capture.source", &result.Capture.Source, over.Capture.Source)
	num("capture.sample_rate", &result.Capture.SampleRate, over.Capture.SampleRate)
	str("capture.format", &result.Capture.Format, over.Capture.Format)
	str("capture.directory", &result.Capture.Directory, over.Capture.Directory)

	str("playback.player", &result.Playback.Player, over.Playback.Player)
	num("playback.seek_step", &result.Playback.SeekStep, over.Playback.SeekStep)

	str("storage.backend", &result.Storage.Backend, over.Storage.Backend)
	str("storage.key", &result.Storage.Key, over.Storage.Key)
	str("storage.path", &result.Storage.Path, over.Storage.Path)
	str("storage.redis.addr", &result.Storage.Redis.Addr, over.Storage.Redis.Addr)
	str("storage.redis.password", &result.Storage.Redis.Password, over.Storage.Redis.Password)
	num("storage.redis.db", &result.Storage.Redis.DB, over.Storage.Redis.DB)
	str("storage.redis.prefix", &result.Storage.Redis.Prefix, over.Storage.Redis.Prefix)
	str("storage.s3.bucket", &result.Storage.S3.Bucket, over.Storage.S3.Bucket)
	str("storage.s3.region", &result.Storage.S3.Region, over.Storage.S3.Region)
	str("storage.s3.endpoint", &result.Storage.S3.Endpoint, over.Storage.S3.Endpoint)
	str("storage.s3.prefix", &result.Storage.S3.Prefix, over.Storage.S3.Prefix)
	str("storage.s3.access_key_id", &result.Storage.S3.AccessKeyID, over.Storage.S3.AccessKeyID)
	str("storage.s3.secret_access_key", &result.Storage.S3.SecretAccessKey, over.Storage.S3.SecretAccessKey)

	flag("naming.require_name", &result.Naming.RequireName, over.Naming.RequireName)
	str("naming.default_prefix", &result.Naming.DefaultPrefix, over.Naming.DefaultPrefix)

	flag("audio.exclusive", &result.Audio.Exclusive, over.Audio.Exclusive)

	return &result
}

// Fields lists the dotted names tracked in Inheritance, in display order
var Fields = []string{
	"capture.backend", "capture.source", "capture.sample_rate", "capture.format", "capture.directory",
	"playback.player", "playback.seek_step",
	"storage.backend", "storage.key", "storage.path",
	"storage.redis.addr", "storage.redis.password", "storage.redis.db", "storage.redis.prefix",
	"storage.s3.bucket", "storage.s3.region", "storage.s3.endpoint", "storage.s3.prefix",
	"storage.s3.access_key_id", "storage.s3.secret_access_key",
	"naming.require_name", "naming.default_prefix",
	"audio.exclusive",
}

func markAll(inh map[string]string, label string) {
	for _, f := range Fields {
		inh[f] = label
	}
}

// Source reports where field got its value from
func (c *Config) Source(field string) string {
	if c.Inheritance == nil {
		return SourceBuiltin
	}
	if s, ok := c.Inheritance[field]; ok {
		return s
	}
	return SourceBuiltin
}

// Validate checks the resolved configuration
func Validate(c *Config) error {
	if !oneOf(c.Capture.Backend, validCaptureBackends) {
		return fmt.Errorf("capture.backend must be one of %s, got: %s", strings.Join(validCaptureBackends, ", "), c.Capture.Backend)
	}
	if !isValidAudioSource(c.Capture.Source) {
		return fmt.Errorf("capture.source must be a valid audio source (JACK port), got: %s", c.Capture.Source)
	}
	if c.Capture.SampleRate <= 0 {
		return fmt.Errorf("capture.sample_rate must be > 0, got: %d", c.Capture.SampleRate)
	}
	if !oneOf(c.Capture.Format, validFormats) {
		return fmt.Errorf("capture.format must be one of %s, got: %s", strings.Join(validFormats, ", "), c.Capture.Format)
	}
	if c.Capture.Directory == "" {
		return fmt.Errorf("capture.directory is required")
	}

	if !oneOf(c.Playback.Player, validPlayers) {
		return fmt.Errorf("playback.player must be one of %s, got: %s", strings.Join(validPlayers, ", "), c.Playback.Player)
	}
	if c.Playback.SeekStep <= 0 {
		return fmt.Errorf("playback.seek_step must be > 0, got: %d", c.Playback.SeekStep)
	}

	backend := strings.ToLower(c.Storage.Backend)
	if !oneOf(backend, validStorageBackends) {
		return fmt.Errorf("storage.backend must be one of %s, got: %s", strings.Join(validStorageBackends, ", "), c.Storage.Backend)
	}
	if c.Storage.Key == "" || strings.ContainsAny(c.Storage.Key, `/\`) {
		return fmt.Errorf("storage.key must be a plain name, got: %q", c.Storage.Key)
	}
	switch backend {
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", backend)
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
		if c.Storage.Redis.DB < 0 {
			return fmt.Errorf("storage.redis.db must be >= 0, got: %d", c.Storage.Redis.DB)
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	}

	if strings.TrimSpace(c.Naming.DefaultPrefix) == "" {
		return fmt.Errorf("naming.default_prefix cannot be blank")
	}

	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// isValidAudioSource checks if a source name is valid for JACK/PipeWire
func isValidAudioSource(source string) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		return false
	}

	if !strings.Contains(source, ":") {
		return true
	}

	// Device names may contain colons themselves, so split on the last one
	lastColonIndex := strings.LastIndex(source, ":")
	deviceName := strings.TrimSpace(source[:lastColonIndex])
	port := strings.TrimSpace(source[lastColonIndex+1:])

	return deviceName != "" && port != ""
}

// ExtractDeviceAndPort splits a JACK port specification into device and port components
func ExtractDeviceAndPort(source string) (device, port string) {
	i := strings.LastIndex(source, ":")
	if i < 0 {
		return source, ""
	}
	return source[:i], source[i+1:]
}
