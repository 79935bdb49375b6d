package mirror

import (
	"encoding"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/pypimirror/internal/master"
)

const (
	defaultWorkers = 8
	defaultURL     = "https://pypi.org"

	// EnvPrefix prefixes every environment override, e.g. PYPIMIRROR_MASTER_URL.
	EnvPrefix = "PYPIMIRROR"
)

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}
	u.URL = parsedURL
	return nil
}

func (u tomlURL) String() string {
	if u.URL == nil {
		return ""
	}
	return u.URL.String()
}

// MasterConfig is the [master] section.
type MasterConfig struct {
	URL               tomlURL          `toml:"url"`
	Timeout           time.Duration    `toml:"timeout,omitempty"`
	GlobalTimeout     time.Duration    `toml:"global_timeout,omitempty"`
	Proxy             string           `toml:"proxy,omitempty"`
	AllowNonHTTPS     bool             `toml:"allow_non_https,omitempty"`
	RequestsPerSecond float64          `toml:"requests_per_second,omitempty"`
	TLS               master.TLSConfig `toml:"tls"`
}

// LogConfig represents slog configuration options
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := mirror.NewConfig()
//	md, err := toml.DecodeFile("/path/to/config.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	Dir           string       `toml:"dir"`
	Workers       int          `toml:"workers"`
	DownloadFiles bool         `toml:"download_files"`
	PGPKeyPath    string       `toml:"pgp_key_path,omitempty"`
	Log           LogConfig    `toml:"log"`
	Master        MasterConfig `toml:"master"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	u, _ := url.Parse(defaultURL)
	return &Config{
		Workers: defaultWorkers,
		Master: MasterConfig{
			URL:           tomlURL{u},
			Timeout:       master.DefaultTimeout,
			GlobalTimeout: master.DefaultGlobalTimeout,
		},
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Dir == "" {
		return errors.New("dir is not set")
	}
	if !filepath.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.Workers < 1 {
		return errors.Newf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Master.URL.URL == nil {
		return errors.New("master.url is not set")
	}
	if c.Master.URL.Scheme != "https" && !c.Master.AllowNonHTTPS {
		return errors.Newf("master.url %s is not https; set allow_non_https to permit it", c.Master.URL)
	}
	if c.Master.Timeout < 0 || c.Master.GlobalTimeout < 0 {
		return errors.New("master timeouts must not be negative")
	}
	if c.Master.RequestsPerSecond < 0 {
		return errors.New("master.requests_per_second must not be negative")
	}
	if err := c.Master.TLS.Validate(); err != nil {
		return errors.Wrap(err, "master.tls")
	}

	if c.PGPKeyPath != "" {
		if !filepath.IsAbs(c.PGPKeyPath) {
			return errors.New("pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(c.PGPKeyPath); os.IsNotExist(err) {
			return errors.New("pgp_key_path does not exist: " + c.PGPKeyPath)
		} else if err != nil {
			return errors.Wrap(err, "cannot access pgp_key_path")
		}
	}
	return nil
}

// MasterOptions converts the [master] section for master.New.
func (c *Config) MasterOptions(userAgent string) master.Options {
	tlsConfig := c.Master.TLS
	return master.Options{
		URL:               c.Master.URL.String(),
		Timeout:           c.Master.Timeout,
		GlobalTimeout:     c.Master.GlobalTimeout,
		Proxy:             c.Master.Proxy,
		AllowNonHTTPS:     c.Master.AllowNonHTTPS,
		TLS:               &tlsConfig,
		RequestsPerSecond: c.Master.RequestsPerSecond,
		UserAgent:         userAgent,
	}
}

// ApplyEnvironmentVariables overrides fields from PYPIMIRROR_* variables.
// The variable name is the upper-cased TOML path joined by underscores,
// e.g. PYPIMIRROR_MASTER_TLS_MIN_VERSION. Empty variables are ignored.
func (c *Config) ApplyEnvironmentVariables() error {
	return applyEnv(reflect.ValueOf(c).Elem(), EnvPrefix)
}

func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("toml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + strings.ToUpper(tag)
		field := v.Field(i)

		if field.Kind() == reflect.Struct && !isTextUnmarshaler(field) {
			if err := applyEnv(field, name); err != nil {
				return err
			}
			continue
		}
		if err := setFieldFromEnv(field, name); err != nil {
			return err
		}
	}
	return nil
}

func isTextUnmarshaler(field reflect.Value) bool {
	if !field.CanAddr() {
		return false
	}
	_, ok := field.Addr().Interface().(encoding.TextUnmarshaler)
	return ok
}

var durationType = reflect.TypeOf(time.Duration(0))

// setFieldFromEnv sets field from the environment variable envVar, if set.
func setFieldFromEnv(field reflect.Value, envVar string) error {
	value := os.Getenv(envVar)
	if value == "" {
		return nil
	}

	if isTextUnmarshaler(field) {
		tu := field.Addr().Interface().(encoding.TextUnmarshaler)
		return errors.Wrapf(tu.UnmarshalText([]byte(value)), "invalid value for %s", envVar)
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration for %s", envVar)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid integer for %s", envVar)
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid number for %s", envVar)
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "invalid boolean for %s", envVar)
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return errors.Newf("unsupported slice type for %s", envVar)
		}
		parts := strings.Split(value, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return errors.Newf("unsupported field type %s for %s", field.Type(), envVar)
	}
	return nil
}
