package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/ediscovery/probe"
)

// chrome prints pages with a lazily launched headless browser shared by
// every conversion.
type chrome struct {
	bin    string
	logger *slog.Logger

	mu      sync.Mutex
	lnch    *launcher.Launcher
	browser *rod.Browser
}

func newChrome(bin string, logger *slog.Logger) *chrome {
	return &chrome{bin: bin, logger: logger}
}

func (c *chrome) Name() string { return "chrome" }

func (c *chrome) connect() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		return c.browser, nil
	}

	l := launcher.New().Headless(true)
	if c.bin != "" {
		l = l.Bin(c.bin)
	}
	// Evidence is printed, never executed.
	l = l.Set("blink-settings", "scriptEnabled=false")

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect: %w", err)
	}
	c.lnch, c.browser = l, b
	c.logger.Info("render: launched headless chrome", "url", u)
	return b, nil
}

func (c *chrome) Convert(ctx context.Context, src, dst string) error {
	b, err := c.connect()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: "file://" + filepath.ToSlash(abs)})
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	stream, err := page.PDF(&proto.PagePrintToPDF{PrintBackground: true})
	if err != nil {
		return fmt.Errorf("print: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, stream); err != nil {
		out.Close()
		return fmt.Errorf("write pdf: %w", err)
	}
	return out.Close()
}

func (c *chrome) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.browser != nil {
		err = c.browser.Close()
		c.browser = nil
	}
	if c.lnch != nil {
		c.lnch.Cleanup()
		c.lnch = nil
	}
	return err
}

type wkhtmltopdf struct{ runner probe.Runner }

func (wkhtmltopdf) Name() string { return "wkhtmltopdf" }

func (w wkhtmltopdf) Convert(ctx context.Context, src, dst string) error {
	_, err := w.runner.Run(ctx, "wkhtmltopdf", "--quiet", "--disable-javascript", src, dst)
	return err
}

// soffice converts through LibreOffice, which names its output after the
// input inside --outdir.
type soffice struct{ runner probe.Runner }

func (soffice) Name() string { return "soffice" }

func (s soffice) Convert(ctx context.Context, src, dst string) error {
	dir, err := os.MkdirTemp(filepath.Dir(dst), "soffice-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if _, err := s.runner.Run(ctx, "soffice", "--headless", "--convert-to", "pdf", "--outdir", dir, src); err != nil {
		return err
	}
	base := filepath.Base(src)
	produced := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".pdf")
	if err := os.Rename(produced, dst); err != nil {
		return fmt.Errorf("collect output: %w", err)
	}
	return nil
}
