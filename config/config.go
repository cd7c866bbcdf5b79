// Package config parses the single process-level configuration file
// (sections main, input, output) that cmd/corrflow reads at startup. The
// file is YAML, the same format as the rule documents the process reads.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Main is the "main" config section: engine-wide options not specific to
// any one adapter.
type Main struct {
	Mode       string `yaml:"mode"`        // "realtime" or "simulation"
	Hostname   string `yaml:"hostname"`    // local hostname, used for synthesized/internal events
	RuleFile   string `yaml:"rule_file"`   // path to the rule-group YAML document
	ClassFile  string `yaml:"class_file"`  // path to the event-class document (optional)
	CacheLimit int    `yaml:"cache_limit"` // soft live-size limit for the cache alert
	LogLevel   string `yaml:"log_level"`
	Daemon     bool   `yaml:"daemon"`
}

// Input is one "input" section entry: exactly one adapter kind is
// non-nil.
type Input struct {
	Name   string       `yaml:"name"`
	File   *FileInput   `yaml:"file,omitempty"`
	TCP    *TCPInput    `yaml:"tcp,omitempty"`
	Ticker *TickerInput `yaml:"ticker,omitempty"`
}

type FileInput struct {
	Filename string `yaml:"filename"` // "" = stdin; refused in daemon/simulation mode
	Format   string `yaml:"format"`   // not read: file sources always decode XML
}

type TCPInput struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type TickerInput struct {
	EventName string        `yaml:"eventname"`
	Interval  time.Duration `yaml:"interval"`
}

// Output is one "output" section entry.
type Output struct {
	Name string      `yaml:"name"`
	File *FileOutput `yaml:"file,omitempty"`
	TCP  *TCPOutput  `yaml:"tcp,omitempty"`
	Null bool        `yaml:"null,omitempty"`
}

// UnmarshalYAML decodes an output entry. A bare `null` key resolves to the
// YAML null scalar rather than the string "null", so the struct tag on
// Null never matches it; the flag is read from the raw mapping instead.
func (o *Output) UnmarshalYAML(n *yaml.Node) error {
	type plain Output
	if err := n.Decode((*plain)(o)); err != nil {
		return err
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if k := n.Content[i]; k.Kind == yaml.ScalarNode && k.Value == "null" {
			return n.Content[i+1].Decode(&o.Null)
		}
	}
	return nil
}

type FileOutput struct {
	Filename string `yaml:"filename"` // "" = stdout; refused in daemon/simulation mode
	Format   string `yaml:"format"`
}

type TCPOutput struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ConnectRetries int           `yaml:"connect_retries"` // default 100
	RetryDelay     time.Duration `yaml:"retry_delay"`     // default 5s
}

// Config is the full parsed process-level configuration file.
type Config struct {
	Main    Main     `yaml:"main"`
	Inputs  []Input  `yaml:"input"`
	Outputs []Output `yaml:"output"`
}

func (c *Config) applyDefaults() {
	if c.Main.CacheLimit <= 0 {
		c.Main.CacheLimit = 100000
	}
	if c.Main.Mode == "" {
		c.Main.Mode = "realtime"
	}
	for i := range c.Outputs {
		if c.Outputs[i].TCP != nil {
			if c.Outputs[i].TCP.ConnectRetries <= 0 {
				c.Outputs[i].TCP.ConnectRetries = 100
			}
			if c.Outputs[i].TCP.RetryDelay <= 0 {
				c.Outputs[i].TCP.RetryDelay = 5 * time.Second
			}
		}
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Main.RuleFile == "" {
		return fmt.Errorf("config: main.rule_file is required")
	}
	if c.Main.Mode != "realtime" && c.Main.Mode != "simulation" {
		return fmt.Errorf("config: main.mode must be %q or %q, got %q", "realtime", "simulation", c.Main.Mode)
	}
	for _, in := range c.Inputs {
		if in.File == nil && in.TCP == nil && in.Ticker == nil {
			return fmt.Errorf("config: input %q declares no adapter", in.Name)
		}
		if in.File != nil && in.File.Filename == "" && (c.Main.Daemon || c.Main.Mode == "simulation") {
			return fmt.Errorf("config: input %q: stdin is refused in daemon or simulation mode", in.Name)
		}
	}
	for _, out := range c.Outputs {
		if out.File == nil && out.TCP == nil && !out.Null {
			return fmt.Errorf("config: output %q declares no adapter", out.Name)
		}
		if out.File != nil && out.File.Filename == "" && (c.Main.Daemon || c.Main.Mode == "simulation") {
			return fmt.Errorf("config: output %q: stdout is refused in daemon or simulation mode", out.Name)
		}
	}
	return nil
}
