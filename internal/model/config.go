package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	_ "embed"
)

// Enum helpers (optional).
const (
	TransportMemory   = "memory"
	TransportPostgres = "postgres"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	EnvPrefix = "TASKRUNNER"
)

// configFileName names the document in schema error positions.
const configFileName = "taskrunner.yaml"

//go:embed config.cue
var cueSource []byte

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if err := compiled.Validate(); err != nil {
		panic(err)
	}
	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		panic(err)
	}

	// report fields by their config keys, not Go names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	validate.RegisterStructValidation(transportValidation, Transport{})
}

type Config struct {
	Service   Service           `mapstructure:"service" yaml:"service"`
	Transport Transport         `mapstructure:"transport" yaml:"transport"`
	Metrics   Metrics           `mapstructure:"metrics" yaml:"metrics"`
	Workers   map[string]Worker `mapstructure:"workers" yaml:"workers" validate:"dive"`
}

// Service tunes the task runner itself.
type Service struct {
	Verbose        bool          `mapstructure:"verbose" yaml:"verbose"`
	Log            string        `mapstructure:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"`
	TimeoutUnit    time.Duration `mapstructure:"timeout_unit" yaml:"timeout_unit" validate:"gt=0"`
	CancelTimeout  time.Duration `mapstructure:"cancel_timeout" yaml:"cancel_timeout" validate:"gt=0"`
	KillGrace      time.Duration `mapstructure:"kill_grace" yaml:"kill_grace" validate:"gte=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout" yaml:"publish_timeout" validate:"gt=0"`
	MaxOutput      int64         `mapstructure:"max_output" yaml:"max_output" validate:"gt=0"`
}

// Transport selects the message bus.
type Transport struct {
	Kind   string `mapstructure:"kind" yaml:"kind" validate:"oneof=memory postgres"`
	URL    URL    `mapstructure:"url" yaml:"url,omitempty"` // postgres only
	Topics Topics `mapstructure:"topics" yaml:"topics"`
}

type Topics struct {
	Requests      string `mapstructure:"requests" yaml:"requests" validate:"required"`
	Responses     string `mapstructure:"responses" yaml:"responses" validate:"required"`
	Cancellations string `mapstructure:"cancellations" yaml:"cancellations" validate:"required"`
}

type Metrics struct {
	Listen TCPAddr `mapstructure:"listen" yaml:"listen,omitempty"` // empty disables the endpoint
}

// Worker is the program started for one task key.
type Worker struct {
	Path string            `mapstructure:"path" yaml:"path" validate:"required"`
	Args []string          `mapstructure:"args" yaml:"args,omitempty"`
	Env  map[string]string `mapstructure:"env" yaml:"env,omitempty"`
	Dir  string            `mapstructure:"dir" yaml:"dir,omitempty"`
}

// DefaultConfig is stored on a first run, when no config file exists.
func DefaultConfig() Config {
	return Config{
		Service: Service{
			Log:            LogStderr,
			TimeoutUnit:    time.Minute,
			CancelTimeout:  30 * time.Second,
			KillGrace:      5 * time.Second,
			PublishTimeout: 10 * time.Second,
			MaxOutput:      16 << 20,
		},
		Transport: Transport{
			Kind: TransportMemory,
			Topics: Topics{
				Requests:      "taskrunner.requests",
				Responses:     "taskrunner.responses",
				Cancellations: "taskrunner.cancellations",
			},
		},
		Workers: map[string]Worker{
			"echo": {Path: "cat"},
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("service.verbose", d.Service.Verbose)
	v.SetDefault("service.log", d.Service.Log)
	v.SetDefault("service.max_concurrent", d.Service.MaxConcurrent)
	v.SetDefault("service.timeout_unit", d.Service.TimeoutUnit)
	v.SetDefault("service.cancel_timeout", d.Service.CancelTimeout)
	v.SetDefault("service.kill_grace", d.Service.KillGrace)
	v.SetDefault("service.publish_timeout", d.Service.PublishTimeout)
	v.SetDefault("service.max_output", d.Service.MaxOutput)
	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.url", "")
	v.SetDefault("transport.topics.requests", d.Transport.Topics.Requests)
	v.SetDefault("transport.topics.responses", d.Transport.Topics.Responses)
	v.SetDefault("transport.topics.cancellations", d.Transport.Topics.Cancellations)
	v.SetDefault("metrics.listen", "")
}

// LoadConfig reads YAML from r, applies defaults and TASKRUNNER_* environment
// overrides and validates the result. A nil reader yields the defaults.
func LoadConfig(r io.Reader) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if r != nil {
		raw, err := io.ReadAll(r)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := checkSchema(raw); err != nil {
			return Config{}, fmt.Errorf("config schema: %w", err)
		}
		if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// checkSchema validates the shape of the YAML document against #Config.
func checkSchema(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	file, err := cueyaml.Extract(configFileName, raw)
	if err != nil {
		return err
	}
	unified := schema.Unify(cueCtx.BuildFile(file))
	return unified.Validate(cue.All(), cue.Concrete(true))
}

// Validate checks the struct constraints and returns all violations joined.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, fmt.Errorf("config %s: failed on %q", configPath(fe.Namespace()), fe.Tag()))
	}
	return errors.Join(errs...)
}

func transportValidation(sl validator.StructLevel) {
	t := sl.Current().Interface().(Transport)
	if t.Kind == TransportPostgres && (t.URL.URL == nil || t.URL.Host == "") {
		sl.ReportError(t.URL, "url", "URL", "required_postgres", "")
	}
}

// configPath turns Config.transport.topics.requests into transport.topics.requests
func configPath(ns string) string {
	_, path, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return path
}
