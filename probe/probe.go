// Package probe detects the optional host tools once at startup and turns
// the result into an immutable Snapshot. The emission strategy is resolved
// from the snapshot instead of re-checking the platform at call sites.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"
)

// Runner executes an external command and returns its output lines.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]string, error)
}

// ExecRunner runs commands with os/exec. Timeout bounds each call; zero
// means no bound beyond ctx.
type ExecRunner struct {
	Timeout time.Duration
	// Stderr adds the error stream to the returned lines.
	Stderr bool
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	lines := splitLines(stdout.Bytes())
	if r.Stderr {
		lines = append(lines, splitLines(stderr.Bytes())...)
	}
	if err != nil {
		return lines, fmt.Errorf("probe: %s: %w", name, err)
	}
	return lines, nil
}

func splitLines(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

const (
	readpstMarker   = "ReadPST / LibPST"
	readpstRequired = "ReadPST / LibPST v0.6.61"
)

var readpstMinimum = []int{0, 6, 61}

// Snapshot is the probe result. It is computed once and never mutated.
type Snapshot struct {
	OS             string    `json:"os"`
	Readpst        bool      `json:"readpst"`
	ReadpstVersion string    `json:"readpst_version,omitempty"`
	ReadpstError   string    `json:"readpst_error,omitempty"`
	Wkhtmltopdf    bool      `json:"wkhtmltopdf"`
	Office         bool      `json:"office"`
	Chrome         bool      `json:"chrome"`
	ChromePath     string    `json:"chrome_path,omitempty"`
	ProbedAt       time.Time `json:"probed_at"`
}

// Windows reports whether the host is Windows.
func (s Snapshot) Windows() bool { return s.OS == "windows" }

// Summary renders the tool availability as one line.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("os=%s readpst=%t wkhtmltopdf=%t office=%t chrome=%t", s.OS, s.Readpst, s.Wkhtmltopdf, s.Office, s.Chrome)
}

type config struct {
	goos       string
	lookChrome func() (string, bool)
	logger     *slog.Logger
}

// Option configures Run.
type Option func(*config)

// WithOS overrides runtime.GOOS.
func WithOS(goos string) Option { return func(c *config) { c.goos = goos } }

// WithChromeLookup overrides the headless browser lookup.
func WithChromeLookup(fn func() (string, bool)) Option {
	return func(c *config) { c.lookChrome = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Run probes the host. Tool failures are recorded in the snapshot, never
// returned.
func Run(ctx context.Context, runner Runner, opts ...Option) Snapshot {
	cfg := config{goos: runtime.GOOS, lookChrome: launcher.LookPath, logger: slog.Default()}
	for _, fn := range opts {
		fn(&cfg)
	}
	if runner == nil {
		runner = ExecRunner{Timeout: 10 * time.Second, Stderr: true}
	}

	s := Snapshot{OS: cfg.goos, ProbedAt: time.Now().UTC()}
	if s.Windows() {
		s.ReadpstError = "no readpst on this platform"
	} else {
		s.ReadpstVersion, s.ReadpstError = checkReadpst(ctx, runner)
		s.Readpst = s.ReadpstError == ""
		s.Wkhtmltopdf = outputContains(ctx, runner, "wkhtmltopdf", []string{"-V"}, "wkhtmltopdf")
	}
	s.Office = outputContains(ctx, runner, "soffice", []string{"--version"}, "Office")
	if cfg.lookChrome != nil {
		s.ChromePath, s.Chrome = cfg.lookChrome()
	}

	cfg.logger.Info("platform probed", "summary", s.Summary(), "readpst_error", s.ReadpstError)
	return s
}

// checkReadpst returns the reported version line and an error text, empty
// when readpst is usable.
func checkReadpst(ctx context.Context, r Runner) (string, string) {
	lines, err := r.Run(ctx, "readpst", "-V")
	for _, l := range lines {
		if strings.HasPrefix(l, readpstMarker) {
			if !versionAtLeast(strings.TrimSpace(strings.TrimPrefix(l, readpstMarker)), readpstMinimum) {
				return l, "required version of readpst: " + readpstRequired + " or higher"
			}
			return l, ""
		}
	}
	if err != nil {
		return "", err.Error()
	}
	return "", "readpst did not report a version"
}

// versionAtLeast compares a dotted version such as "v0.6.100" numerically
// against floor. Missing components count as zero; an unparsable version
// fails.
func versionAtLeast(v string, floor []int) bool {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexFunc(v, func(r rune) bool { return r != '.' && (r < '0' || r > '9') }); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return false
	}
	parts := strings.Split(v, ".")
	for i, want := range floor {
		got := 0
		if i < len(parts) {
			n, err := strconv.Atoi(parts[i])
			if err != nil {
				return false
			}
			got = n
		}
		if got != want {
			return got > want
		}
	}
	return true
}

func outputContains(ctx context.Context, r Runner, name string, args []string, marker string) bool {
	lines, _ := r.Run(ctx, name, args...)
	for _, l := range lines {
		if strings.Contains(l, marker) {
			return true
		}
	}
	return false
}

// FileType returns the description file(1) gives for path, or "Unknown".
func FileType(ctx context.Context, r Runner, goos, path string) string {
	if goos == "windows" {
		if strings.EqualFold(strings.TrimPrefix(extOf(path), "."), "pst") {
			return "Microsoft Outlook"
		}
		return "Unknown"
	}
	lines, err := r.Run(ctx, "file", path)
	if err != nil || len(lines) == 0 {
		return "Unknown"
	}
	i := strings.Index(lines[0], ": ")
	if i < 0 {
		return "Unknown"
	}
	return lines[0][i+2:]
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 && !strings.ContainsAny(p[i:], `/\`) {
		return p[i:]
	}
	return ""
}
