package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flowgen/internal/config"
)

func runGenerate(args []string) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path (default flowgen.yaml if present)")
	promptsPath := fs.String("prompts", "", "prompt file to import before starting (- for stdin)")
	replace := fs.Bool("replace", false, "replace saved prompts instead of merging the imported ones")
	repeat := fs.Int("repeat", 0, "generations per prompt (0 = keep saved value)")
	delay := fs.Int("delay", 0, "seconds between submissions (0 = keep saved value)")
	remote := fs.Bool("remote", false, "wait for a driver to dial the hub instead of injecting through DevTools")
	connectTimeout := fs.Duration("connect-timeout", 2*time.Minute, "how long to wait for the target page")
	drain := fs.Duration("drain", 30*time.Second, "how long to wait for outstanding downloads after the run")
	quiet := fs.Bool("quiet", false, "disable the live status line")
	jsonOut := fs.Bool("json", false, "print JSON summary")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repeat < 0 || *delay < 0 {
		return errors.New("--repeat and --delay must be >= 0")
	}

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		return err
	}
	log, err := loadLogger(cfg, false)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := newControlApp(ctx, cfg, log, controlOptions{remote: *remote})
	if err != nil {
		return err
	}
	defer app.Close()

	coord := app.newCoordinator()
	if err := coord.Init(ctx); err != nil {
		return err
	}
	defer coord.Close()

	if p := strings.TrimSpace(*promptsPath); p != "" {
		content, err := readPromptSource(p)
		if err != nil {
			return err
		}
		if *replace {
			coord.SetPrompts(ctx, content)
		} else {
			coord.Import(ctx, content)
		}
	}
	if *repeat > 0 {
		coord.SetRepeat(ctx, *repeat)
	}
	if *delay > 0 {
		coord.SetDelay(ctx, *delay)
	}

	progress := newLiveProgress(!*quiet && !*jsonOut && stdoutIsTTY(), os.Stdout)
	h := &headlessRun{
		coord:       coord,
		checker:     app.monitor,
		events:      app.events.Events(),
		detached:    app.detached,
		interval:    cfg.Monitor.Interval,
		connectWait: *connectTimeout,
		drain:       *drain,
		progress:    progress,
	}
	if !*jsonOut {
		h.notices = os.Stderr
	}
	res, runErr := h.run(ctx)
	progress.Stop(fmt.Sprintf("generated %d  downloaded %d", res.Generated, res.Downloaded))

	if *jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Printf("completed: %s\n", yesNo(res.Completed))
		fmt.Printf("generated: %d/%d\n", res.Generated, res.Total)
		fmt.Printf("downloaded: %d\n", res.Downloaded)
		if res.Errors > 0 {
			fmt.Printf("errors: %d\n", res.Errors)
		}
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return errors.New("interrupted")
		}
		return runErr
	}
	if res.Downloaded < res.Generated {
		return fmt.Errorf("%d generated images were not saved", res.Generated-res.Downloaded)
	}
	return nil
}
