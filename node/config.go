package node

import (
	"bytes"
	"strings"
	"time"

	"ergo.services/hive/codec"
	"ergo.services/hive/gen"
	"ergo.services/hive/lib"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultNodeName           = "hive"
	defaultCallTimeoutStr     = "5s"
	defaultShutdownTimeoutStr = "10s"
	defaultMaxRestarts        = 5
	defaultRestartPeriodStr   = "5s"

	encoderMsgpack = "msgpack"
	encoderJSON    = "json"
)

// LogConfig is the logging part of the node configuration.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file" json:"file"`
}

// SupervisorConfig is the restart intensity of the supervisors started
// out of the configuration.
type SupervisorConfig struct {
	MaxRestarts int    `toml:"max-restarts" json:"max-restarts"`
	PeriodStr   string `toml:"period" json:"period"`

	Period time.Duration `toml:"-" json:"-"`
}

// Config is the node configuration loaded from a TOML file.
type Config struct {
	Name       string           `toml:"name" json:"name"`
	Encoder    string           `toml:"encoder" json:"encoder"`
	Log        LogConfig        `toml:"log" json:"log"`
	Supervisor SupervisorConfig `toml:"supervisor" json:"supervisor"`

	CallTimeoutStr     string `toml:"call-timeout" json:"call-timeout"`
	ShutdownTimeoutStr string `toml:"shutdown-timeout" json:"shutdown-timeout"`

	CallTimeout     time.Duration `toml:"-" json:"-"`
	ShutdownTimeout time.Duration `toml:"-" json:"-"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Name:    defaultNodeName,
		Encoder: encoderMsgpack,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Supervisor: SupervisorConfig{
			MaxRestarts: defaultMaxRestarts,
			PeriodStr:   defaultRestartPeriodStr,
		},
		CallTimeoutStr:     defaultCallTimeoutStr,
		ShutdownTimeoutStr: defaultShutdownTimeoutStr,
	}
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("node config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return gen.ErrIncorrect.Wrap(err).GenWithStackByArgs(path)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString loads config from the TOML text.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return gen.ErrIncorrect.Wrap(err).GenWithStackByArgs("config")
	}
	return checkUndecodedItems(metaData)
}

// Adjust validates the configuration and parses the durations. Empty name
// becomes "hive@<host>".
func (c *Config) Adjust() (err error) {
	if c.Name == "" {
		c.Name = defaultNodeName + "@" + lib.Host()
	}
	switch c.Encoder {
	case "":
		c.Encoder = encoderMsgpack
	case encoderMsgpack, encoderJSON:
	default:
		return gen.ErrIncorrect.GenWithStackByArgs("unknown encoder " + c.Encoder)
	}

	c.CallTimeout, err = time.ParseDuration(c.CallTimeoutStr)
	if err != nil {
		return gen.ErrIncorrect.Wrap(err).GenWithStackByArgs("call-timeout")
	}
	c.ShutdownTimeout, err = time.ParseDuration(c.ShutdownTimeoutStr)
	if err != nil {
		return gen.ErrIncorrect.Wrap(err).GenWithStackByArgs("shutdown-timeout")
	}

	if c.Supervisor.MaxRestarts < 0 {
		return gen.ErrIncorrect.GenWithStackByArgs("negative supervisor.max-restarts")
	}
	c.Supervisor.Period, err = time.ParseDuration(c.Supervisor.PeriodStr)
	if err != nil {
		return gen.ErrIncorrect.Wrap(err).GenWithStackByArgs("supervisor.period")
	}
	if c.Supervisor.MaxRestarts > 0 && c.Supervisor.Period <= 0 {
		return gen.ErrIncorrect.GenWithStackByArgs("supervisor.period must be positive")
	}
	return nil
}

// Options makes the node options out of the adjusted configuration.
// The logger becomes the global one of pingcap/log.
func (c *Config) Options() (Options, error) {
	lg, props, err := log.InitLogger(&log.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		File:   log.FileLogConfig{Filename: c.Log.File},
	})
	if err != nil {
		return Options{}, errors.Trace(err)
	}
	log.ReplaceGlobals(lg, props)

	options := Options{
		Logger:          lg,
		CallTimeout:     c.CallTimeout,
		ShutdownTimeout: c.ShutdownTimeout,
	}
	switch c.Encoder {
	case encoderJSON:
		options.Encoder = codec.NewJSON()
	default:
		options.Encoder = codec.NewMsgpack()
	}
	return options, nil
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return gen.ErrIncorrect.GenWithStackByArgs("unknown config items " + strings.Join(undecodedItems, ","))
	}
	return nil
}
