package audit

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLocalGateway  = "http://ipfs:8080"
	DefaultPublicGateway = "https://ipfs.io"
)

// IPFSConfig accepts either:
//  1. mapping form (preferred):
//     ipfs:
//     local_gateway: http://ipfs:8080
//     public_gateway: https://ipfs.io
//  2. scalar form, local gateway only:
//     ipfs: http://ipfs:8080
type IPFSConfig struct {
	LocalGateway  string `yaml:"local_gateway"`
	PublicGateway string `yaml:"public_gateway"`
}

func (c *IPFSConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		c.LocalGateway = strings.TrimSpace(value.Value)
		return nil
	case yaml.MappingNode:
		var tmp struct {
			LocalGateway  string `yaml:"local_gateway"`
			PublicGateway string `yaml:"public_gateway"`
		}
		if err := value.Decode(&tmp); err != nil {
			return err
		}
		c.LocalGateway = strings.TrimSpace(tmp.LocalGateway)
		c.PublicGateway = strings.TrimSpace(tmp.PublicGateway)
		return nil
	default:
		return fmt.Errorf("ipfs: expected a URL or a mapping, line %d", value.Line)
	}
}

type ReportConfig struct {
	SyslogAddr string `yaml:"syslog_addr"`
	Job        string `yaml:"job"`
}

type FileConfig struct {
	Source  string `yaml:"source"`
	Results string `yaml:"results"`
	Errors  string `yaml:"errors"`

	ChunkSize int `yaml:"chunk_size"`
	Workers   int `yaml:"workers"`
	// Pointer so an explicit 0 disables the pause.
	ChunkCooldown *time.Duration `yaml:"chunk_cooldown"`

	TargetSize int `yaml:"target_size"`
	// Pointer so an explicit 0 (black) is kept.
	TransparencyGray *int `yaml:"transparency_gray"`
	SVGDefaultSize   int  `yaml:"svg_default_size"`
	SVGMaxSize       int  `yaml:"svg_max_size"`

	FetchTimeout      time.Duration  `yaml:"fetch_timeout"`
	RetryTimeout      time.Duration  `yaml:"retry_timeout"`
	FetchDelay        *time.Duration `yaml:"fetch_delay"`
	RequestsPerSecond float64        `yaml:"requests_per_second"`
	MaxImageBytes     int64          `yaml:"max_image_bytes"`

	IPFS IPFSConfig `yaml:"ipfs"`

	LedgerDB    string       `yaml:"ledger_db"`
	MetricsAddr string       `yaml:"metrics_addr"`
	ArchiveDir  string       `yaml:"archive_dir"`
	Debug       bool         `yaml:"debug"`
	Report      ReportConfig `yaml:"report"`
}

// LoadConfig reads a YAML config file and fills in defaults. It does not validate.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// SetDefaults fills every unset field.
func (c *FileConfig) SetDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 10000
	}
	if c.Workers == 0 {
		c.Workers = 5
	}
	if c.ChunkCooldown == nil {
		d := 60 * time.Second
		c.ChunkCooldown = &d
	}
	if c.TargetSize == 0 {
		c.TargetSize = 500
	}
	if c.TransparencyGray == nil {
		g := 255
		c.TransparencyGray = &g
	}
	if c.SVGDefaultSize == 0 {
		c.SVGDefaultSize = 500
	}
	if c.SVGMaxSize == 0 {
		c.SVGMaxSize = 4096
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = 20 * time.Second
	}
	if c.FetchDelay == nil {
		d := 10 * time.Millisecond
		c.FetchDelay = &d
	}
	if c.MaxImageBytes == 0 {
		c.MaxImageBytes = defaultMaxImageBytes
	}
	if c.IPFS.LocalGateway == "" {
		c.IPFS.LocalGateway = DefaultLocalGateway
	}
	if c.IPFS.PublicGateway == "" {
		c.IPFS.PublicGateway = DefaultPublicGateway
	}
	c.IPFS.LocalGateway = strings.TrimRight(c.IPFS.LocalGateway, "/")
	c.IPFS.PublicGateway = strings.TrimRight(c.IPFS.PublicGateway, "/")
	if c.Report.Job == "" {
		c.Report.Job = appName
	}
}

func (c *FileConfig) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("source is required")
	}
	if strings.TrimSpace(c.Results) == "" {
		return fmt.Errorf("results is required")
	}
	if strings.TrimSpace(c.Errors) == "" {
		return fmt.Errorf("errors is required")
	}
	if c.Results == c.Errors || c.Results == c.Source || c.Errors == c.Source {
		return fmt.Errorf("source, results and errors must be different files")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Cooldown() < 0 {
		return fmt.Errorf("chunk_cooldown must not be negative")
	}
	if c.Delay() < 0 {
		return fmt.Errorf("fetch_delay must not be negative")
	}
	if c.TargetSize < 8 {
		return fmt.Errorf("target_size must be at least 8")
	}
	if c.TransparencyGray != nil && (*c.TransparencyGray < 0 || *c.TransparencyGray > 255) {
		return fmt.Errorf("transparency_gray must be within 0..255")
	}
	if c.SVGMaxSize < c.SVGDefaultSize {
		return fmt.Errorf("svg_max_size must not be smaller than svg_default_size")
	}
	if c.FetchTimeout <= 0 || c.RetryTimeout <= 0 {
		return fmt.Errorf("fetch_timeout and retry_timeout must be positive")
	}
	if c.RetryTimeout > c.FetchTimeout {
		return fmt.Errorf("retry_timeout (%s) must not exceed fetch_timeout (%s)", c.RetryTimeout, c.FetchTimeout)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	for name, u := range map[string]string{"ipfs.local_gateway": c.IPFS.LocalGateway, "ipfs.public_gateway": c.IPFS.PublicGateway} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, u)
		}
	}
	return nil
}

// Gray returns the transparency gray as a pixel value.
func (c *FileConfig) Gray() uint8 {
	if c.TransparencyGray == nil {
		return 255
	}
	return uint8(*c.TransparencyGray)
}

// Cooldown returns the pause between chunks.
func (c *FileConfig) Cooldown() time.Duration {
	if c.ChunkCooldown == nil {
		return 0
	}
	return *c.ChunkCooldown
}

// Delay returns the pause before each fetch.
func (c *FileConfig) Delay() time.Duration {
	if c.FetchDelay == nil {
		return 0
	}
	return *c.FetchDelay
}
