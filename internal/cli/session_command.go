package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"flowgen/internal/compiler"
	"flowgen/internal/config"
	"flowgen/internal/observability"
	"flowgen/internal/session"
)

func runSession(args []string) error {
	if len(args) == 0 {
		printSessionUsage()
		return errors.New("session requires a subcommand")
	}
	switch args[0] {
	case "show":
		return runSessionShow(args[1:])
	case "clear":
		return runSessionClear(args[1:])
	case "help", "-h", "--help":
		printSessionUsage()
		return nil
	default:
		printSessionUsage()
		return fmt.Errorf("unknown session command %q", args[0])
	}
}

func printSessionUsage() {
	fmt.Println("Usage:")
	fmt.Println("  flowgen session show [--json] [--config <path>]")
	fmt.Println("  flowgen session clear [--yes] [--config <path>]")
}

type sessionView struct {
	Backend    string           `json:"backend"`
	Prompts    []string         `json:"prompts"`
	Delay      int              `json:"delay_seconds"`
	Repeat     int              `json:"repeat"`
	Generated  int              `json:"generated"`
	Downloaded int              `json:"downloaded"`
	Summary    compiler.Summary `json:"summary"`
}

func runSessionShow(args []string) error {
	fs := flag.NewFlagSet("session show", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	cfg, store, closeStore, err := openSessionFromFlags(ctx, *configPath)
	if err != nil {
		return err
	}
	defer closeStore()

	sess, err := store.Load(ctx)
	if err != nil {
		return err
	}
	v := sessionView{
		Backend:    cfg.Session.Backend,
		Prompts:    compiler.Prompts(sess.Prompts),
		Delay:      sess.Delay,
		Repeat:     sess.Repeat,
		Generated:  sess.Generated,
		Downloaded: sess.Downloaded,
		Summary:    compiler.Summarize(sess.Prompts, sess.Repeat),
	}
	if *jsonOut {
		return printJSON(v)
	}
	fmt.Println(kv("backend", v.Backend))
	fmt.Println(kv("prompts", fmt.Sprintf("%d x %d = %d jobs", v.Summary.Prompts, v.Summary.Repeat, v.Summary.Total)))
	fmt.Println(kv("delay", fmt.Sprintf("%ds", v.Delay)))
	fmt.Println(kv("generated", fmt.Sprintf("%d", v.Generated)))
	fmt.Println(kv("downloaded", fmt.Sprintf("%d", v.Downloaded)))
	for i, p := range v.Prompts {
		fmt.Printf("  %3d  %s\n", i+1, truncateRunes(p, 100))
	}
	return nil
}

func runSessionClear(args []string) error {
	fs := flag.NewFlagSet("session clear", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*yes {
		ok, err := promptConfirm("Clear saved prompts, settings and counters? [y/N]: ")
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("aborted")
			return nil
		}
	}

	ctx := context.Background()
	_, store, closeStore, err := openSessionFromFlags(ctx, *configPath)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.Clear(ctx); err != nil {
		return err
	}
	fmt.Println("session cleared")
	return nil
}

func openSessionFromFlags(ctx context.Context, configPath string) (config.Config, *session.Store, func(), error) {
	cfg, err := config.Load(strings.TrimSpace(configPath))
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	log, err := observability.NewLogger(cfg.LogOptions())
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	store, closeStore, err := openSessionStore(ctx, cfg, log)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	return cfg, store, closeStore, nil
}
