package processing

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/normalize"
	"github.com/hazyhaar/ediscovery/probe"
)

// Config holds the full expansion configuration.
type Config struct {
	// Workers is the number of roots expanded concurrently.
	Workers int `yaml:"workers"`
	// ScratchDir holds one arena directory per running unit.
	ScratchDir string `yaml:"scratch_dir"`
	// ScratchMaxAge is the age after which leftover arenas are swept at
	// startup.
	ScratchMaxAge time.Duration `yaml:"scratch_max_age"`
	// MaxMemberMB bounds one staged member. 0 means unbounded.
	MaxMemberMB int `yaml:"max_member_mb"`
	// MaxDepth bounds container nesting. 0 means unbounded.
	MaxDepth int `yaml:"max_depth"`
	// Capability is auto, concurrent or serialized.
	Capability string `yaml:"capability"`
	// Digest is md5 or blake3.
	Digest string `yaml:"digest"`
	// Distributed publishes records to the queue and deletes each root
	// after a walk that did not abort.
	Distributed bool `yaml:"distributed"`

	Metadata MetadataConfig `yaml:"metadata"`
	Extract  ExtractConfig  `yaml:"extract"`
	Render   RenderConfig   `yaml:"render"`
	Store    StoreConfig    `yaml:"store"`
	Queue    QueueConfig    `yaml:"queue"`
	Status   StatusConfig   `yaml:"status"`
}

// MetadataConfig selects the catalog and the export layout.
type MetadataConfig struct {
	// Catalog is a YAML, JSONC or .properties file. Empty selects the
	// built-in catalog.
	Catalog     string `yaml:"catalog"`
	Mode        string `yaml:"mode"` // standard | all
	Separator   string `yaml:"separator"`
	IncludeText bool   `yaml:"include_text"`
}

// ExtractConfig bounds leaf extraction.
type ExtractConfig struct {
	MaxFileMB    int `yaml:"max_file_mb"`
	MaxTextBytes int `yaml:"max_text_bytes"`
}

// RenderConfig configures visual artifacts.
type RenderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	OutputDir     string        `yaml:"output_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	NoPlaceholder bool          `yaml:"no_placeholder"`
}

// StoreConfig configures the local result store.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Export string `yaml:"export"`
}

// QueueConfig configures the distributed output queue.
type QueueConfig struct {
	Path        string        `yaml:"path"`
	Name        string        `yaml:"name"`
	Visibility  time.Duration `yaml:"visibility"`
	MaxAttempts int           `yaml:"max_attempts"`
	BatchSize   int           `yaml:"batch_size"`
}

// StatusConfig configures the status surface.
type StatusConfig struct {
	Listen            string        `yaml:"listen"`
	DB                string        `yaml:"db"`
	Worker            string        `yaml:"worker"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// Retention bounds how long metric points, audit rows and stopped
	// workers stay in the status database. 0 keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:       4,
		ScratchDir:    "scratch",
		ScratchMaxAge: 24 * time.Hour,
		Capability:    string(probe.CapabilityAuto),
		Digest:        string(emit.AlgoMD5),
		Metadata: MetadataConfig{
			Mode:      "standard",
			Separator: "\t",
		},
		Extract: ExtractConfig{
			MaxFileMB:    100,
			MaxTextBytes: 4 * 1024 * 1024,
		},
		Render: RenderConfig{
			OutputDir: "images",
			Timeout:   2 * time.Minute,
		},
		Store: StoreConfig{
			Path:   "db/results.db",
			Export: "export/loadfile.dat",
		},
		Queue: QueueConfig{
			Path:        "db/queue.db",
			Name:        "records",
			Visibility:  30 * time.Second,
			MaxAttempts: 5,
			BatchSize:   64,
		},
		Status: StatusConfig{
			Listen:            ":8091",
			DB:                "db/status.db",
			Worker:            "expand",
			HeartbeatInterval: 15 * time.Second,
			Retention:         7 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("processing: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("processing: parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("processing: workers must be > 0")
	}
	if c.ScratchDir == "" {
		return fmt.Errorf("processing: scratch_dir is required")
	}
	if c.MaxDepth < 0 || c.MaxMemberMB < 0 {
		return fmt.Errorf("processing: max_depth and max_member_mb must be >= 0")
	}
	if _, err := probe.ParseCapability(c.Capability); err != nil {
		return err
	}
	if _, err := emit.ParseAlgo(c.Digest); err != nil {
		return err
	}
	if _, err := normalize.ParseMode(c.Metadata.Mode); err != nil {
		return err
	}
	if c.Metadata.Separator == "" {
		return fmt.Errorf("processing: metadata.separator must not be empty")
	}
	if c.Render.Enabled && c.Render.OutputDir == "" {
		return fmt.Errorf("processing: render.output_dir is required when rendering")
	}
	if c.Distributed {
		if c.Queue.Path == "" || c.Queue.Name == "" {
			return fmt.Errorf("processing: queue.path and queue.name are required in distributed mode")
		}
	} else if c.Store.Path == "" {
		return fmt.Errorf("processing: store.path is required in local mode")
	}
	return nil
}

// MaxMemberBytes returns the staged member bound in bytes.
func (c *Config) MaxMemberBytes() int64 { return int64(c.MaxMemberMB) * 1024 * 1024 }

// MaxFileBytes returns the extraction bound in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.Extract.MaxFileMB) * 1024 * 1024 }
