package container

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Driver mounts the file at path.
type Driver func(path string) (Container, error)

// Stats is a snapshot of the mount registry.
type Stats struct {
	Mounts   int64 `json:"mounts"`
	Unmounts int64 `json:"unmounts"`
	Active   int64 `json:"active"`
}

// Opener mounts containers and tracks every live mount. One Opener is shared
// by all processing units of a process; each mount is released by the unit
// that acquired it.
type Opener struct {
	mu      sync.RWMutex
	drivers map[Format]Driver
	logger  *slog.Logger

	mounts   atomic.Int64
	unmounts atomic.Int64
}

// OpenerOption configures an Opener.
type OpenerOption func(*Opener)

// WithLogger sets the logger used for mount events.
func WithLogger(l *slog.Logger) OpenerOption {
	return func(o *Opener) { o.logger = l }
}

// WithDriver registers or replaces the driver for f.
func WithDriver(f Format, d Driver) OpenerOption {
	return func(o *Opener) { o.drivers[f] = d }
}

// NewOpener returns an Opener with the built-in drivers registered.
func NewOpener(opts ...OpenerOption) *Opener {
	o := &Opener{
		drivers: map[Format]Driver{
			FormatZip:    OpenZip,
			FormatTar:    tarDriver(FormatTar),
			FormatTarGz:  tarDriver(FormatTarGz),
			FormatTarZst: tarDriver(FormatTarZst),
			FormatTarLz4: tarDriver(FormatTarLz4),
			FormatMbox:   OpenMbox,
			FormatDir:    OpenDir,
		},
		logger: slog.Default(),
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// Supports reports whether a driver is registered for f.
func (o *Opener) Supports(f Format) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.drivers[f]
	return ok
}

// Mount opens path with the driver for f. The returned Mount must be
// released exactly once; extra Release calls are no-ops.
func (o *Opener) Mount(f Format, path string) (*Mount, error) {
	o.mu.RLock()
	d, ok := o.drivers[f]
	o.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, f)
	}
	c, err := d(path)
	if err != nil {
		return nil, fmt.Errorf("container: mount %s %s: %w", f, path, err)
	}
	o.mounts.Add(1)
	o.logger.Debug("container mounted", "format", f, "path", path)
	return &Mount{Container: c, Format: f, Path: path, o: o}, nil
}

// Stats returns mount counters.
func (o *Opener) Stats() Stats {
	m, u := o.mounts.Load(), o.unmounts.Load()
	return Stats{Mounts: m, Unmounts: u, Active: m - u}
}

// Mount is a live container acquired from an Opener.
type Mount struct {
	Container
	Format Format
	Path   string

	o    *Opener
	once sync.Once
	err  error
}

// Release closes the container once and records the unmount.
func (m *Mount) Release() error {
	m.once.Do(func() {
		m.err = m.Container.Close()
		m.o.unmounts.Add(1)
		m.o.logger.Debug("container released", "format", m.Format, "path", m.Path)
	})
	return m.err
}
