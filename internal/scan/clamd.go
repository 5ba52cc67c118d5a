package scan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	clamd "github.com/dutchcoders/go-clamd"
)

// Clamd scans through a clamd daemon using go-clamd.
type Clamd struct {
	Network string // "tcp" or "unix"
	Address string
	Timeout time.Duration

	client *clamd.Clamd
}

// NewClamd parses addr as "tcp:host:port", "unix:/path", a bare host:port
// or a bare absolute socket path.
func NewClamd(addr string, timeout time.Duration) (*Clamd, error) {
	c := &Clamd{Timeout: timeout}
	switch {
	case strings.HasPrefix(addr, "unix:"):
		c.Network, c.Address = "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "tcp:"):
		c.Network, c.Address = "tcp", strings.TrimPrefix(addr, "tcp:")
	case strings.HasPrefix(addr, "/"):
		c.Network, c.Address = "unix", addr
	case addr != "":
		c.Network, c.Address = "tcp", addr
	default:
		return nil, fmt.Errorf("clamd address is empty")
	}
	c.client = clamd.NewClamd(c.Network + "://" + c.Address)
	return c, nil
}

// Ping checks that clamd answers PONG.
func (c *Clamd) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.client.Ping() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ping clamd %s:%s: %w", c.Network, c.Address, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScanDir asks clamd to scan dir recursively with MULTISCAN.
func (c *Clamd) ScanDir(ctx context.Context, dir string) (*Report, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ch, err := c.client.MultiScanFile(abs)
	if err != nil {
		return nil, fmt.Errorf("clamd %s:%s: %w", c.Network, c.Address, err)
	}

	var results []*clamd.ScanResult
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return parseResults(abs, results)
			}
			results = append(results, r)
		case <-ctx.Done():
			// Let go-clamd's reader finish and close its connection.
			go func() {
				for range ch {
				}
			}()
			return nil, ctx.Err()
		}
	}
}

func (c *Clamd) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.Timeout)
}

// parseResults turns clamd scan results into a Report. An ERROR for the
// root itself, or a reply clamd could not attribute to a path, fails the
// scan; an ERROR for one file below the root is reported and skipped.
func parseResults(root string, results []*clamd.ScanResult) (*Report, error) {
	rep := &Report{Viruses: make(map[string]string)}
	if len(results) == 0 {
		return nil, fmt.Errorf("clamd: empty reply for %s", root)
	}
	for _, r := range results {
		switch r.Status {
		case clamd.RES_OK:
		case clamd.RES_FOUND:
			rep.Viruses[r.Path] = r.Description
		default:
			// go-clamd cannot split paths that contain ": ", so errors are
			// attributed from the raw line.
			line := strings.TrimSpace(r.Raw)
			path, _, ok := strings.Cut(line, ": ")
			if !ok || path == root || !strings.HasPrefix(path, root+string(filepath.Separator)) {
				return nil, fmt.Errorf("clamd: %s", line)
			}
			if strings.HasSuffix(line, " FOUND") {
				rep.Viruses[path] = strings.TrimSuffix(line[len(path)+2:], " FOUND")
				continue
			}
			rep.Errors = append(rep.Errors, line)
		}
	}
	rep.Infected = len(rep.Viruses) > 0
	return rep, nil
}
