// Package doctor runs environment preflight checks for flowgen.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flowgen/internal/config"
	"flowgen/internal/store"
)

type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Probes reach external services. Nil probes are reported as skipped.
type Probes struct {
	Browser func(ctx context.Context, url string) error
	Redis   func(ctx context.Context, url string) error
	Minio   func(ctx context.Context, cfg config.MinioConfig) error
}

func Run(ctx context.Context, cfg config.Config, probes Probes) Result {
	checks := make([]Check, 0, 8)

	checks = append(checks, probeCheck(ctx, "browser:devtools", probes.Browser != nil, func(ctx context.Context) error {
		return probes.Browser(ctx, cfg.BrowserURL)
	}, "reachable at "+cfg.BrowserURL))

	checks = append(checks, fileCheck("hook:submit", cfg.Driver.Hooks.Submit))
	checks = append(checks, fileCheck("hook:poll", cfg.Driver.Hooks.Poll))

	stateOK, stateMsg := ensureWritableDir(cfg.StateDir)
	checks = append(checks, Check{Name: "directory:state", OK: stateOK, Message: stateMsg})

	switch cfg.Downloads.Sink {
	case config.SinkMinio:
		checks = append(checks, probeCheck(ctx, "downloads:minio", probes.Minio != nil, func(ctx context.Context) error {
			return probes.Minio(ctx, cfg.Downloads.Minio)
		}, "bucket "+cfg.Downloads.Minio.Bucket+" ready"))
	default:
		dir := filepath.Join(cfg.Downloads.Dir, filepath.FromSlash(cfg.Downloads.Folder))
		ok, msg := ensureWritableDir(dir)
		checks = append(checks, Check{Name: "downloads:directory", OK: ok, Message: msg})
	}

	switch cfg.Session.Backend {
	case config.BackendRedis:
		checks = append(checks, probeCheck(ctx, "session:redis", probes.Redis != nil, func(ctx context.Context) error {
			return probes.Redis(ctx, cfg.Session.RedisURL)
		}, "reachable"))
	default:
		ok, msg := ensureWritableDir(filepath.Dir(cfg.Session.Path))
		checks = append(checks, Check{Name: "session:file", OK: ok, Message: msg})
	}

	checks = append(checks, listenCheck("hub:listen", cfg.Hub.Listen))

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return Result{OK: ok, Checks: checks}
}

func probeCheck(ctx context.Context, name string, enabled bool, run func(context.Context) error, okMsg string) Check {
	if !enabled {
		return Check{Name: name, OK: true, Message: "skipped"}
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := run(pctx); err != nil {
		return Check{Name: name, OK: false, Message: err.Error()}
	}
	return Check{Name: name, OK: true, Message: okMsg}
}

func fileCheck(name, path string) Check {
	path = strings.TrimSpace(path)
	if path == "" {
		return Check{Name: name, OK: false, Message: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Check{Name: name, OK: false, Message: err.Error()}
	}
	if info.IsDir() {
		return Check{Name: name, OK: false, Message: path + " is a directory"}
	}
	return Check{Name: name, OK: true, Message: path}
}

func listenCheck(name, addr string) Check {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Check{Name: name, OK: true, Message: "disabled"}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{Name: name, OK: false, Message: fmt.Sprintf("%s unavailable: %v", addr, err)}
	}
	_ = ln.Close()
	return Check{Name: name, OK: true, Message: addr + " free"}
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := store.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "flowgen-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
