package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"flowgen/internal/config"
	"flowgen/internal/dispatch"
	"flowgen/internal/doctor"
	"flowgen/internal/session"
	"flowgen/internal/surface"
)

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	timeout := fs.Duration("timeout", 5*time.Second, "timeout per external probe")
	skipBrowser := fs.Bool("skip-browser", false, "do not probe the browser DevTools endpoint")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	probes := doctorProbes(*timeout)
	if *skipBrowser {
		probes.Browser = nil
	}
	res := doctor.Run(context.Background(), cfg, probes)
	if *jsonOut {
		return printJSON(res)
	}

	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
		}
		fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

func doctorProbes(timeout time.Duration) doctor.Probes {
	return doctor.Probes{
		Browser: func(ctx context.Context, url string) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			chrome, err := surface.Connect(ctx, url)
			if err != nil {
				return err
			}
			chrome.Close()
			return nil
		},
		Redis: func(ctx context.Context, url string) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			kv, err := session.NewRedisKV(ctx, url, "")
			if err != nil {
				return err
			}
			return kv.Close()
		},
		Minio: func(ctx context.Context, m config.MinioConfig) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			_, err := dispatch.NewMinioSink(ctx, minioConfig(m))
			return err
		},
	}
}
