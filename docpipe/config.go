package docpipe

import "log/slog"

const (
	defaultMaxFileSize  = 100 << 20
	defaultMaxTextBytes = 4 << 20
)

// Config bounds the work done per document.
type Config struct {
	// MaxFileSize above which a file is reported generic, unparsed.
	MaxFileSize int64 `yaml:"max_file_size"`
	// MaxTextBytes caps Document.Text.
	MaxTextBytes int `yaml:"max_text_bytes"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = defaultMaxTextBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
