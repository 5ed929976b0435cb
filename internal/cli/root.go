package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "run":
		return runControl(args[1:])
	case "generate":
		return runGenerate(args[1:])
	case "agent":
		return runAgent(args[1:])
	case "compile":
		return runCompile(args[1:])
	case "session":
		return runSession(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("flowgen: bulk prompt runner for the Flow image generator")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  chrome --remote-debugging-port=9222   # open labs.google/fx/tools/flow")
	fmt.Println("  flowgen doctor")
	fmt.Println("  flowgen run")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       interactive control surface (prompt editor, start/stop, progress)")
	fmt.Println("  generate  headless run from a prompt file; exits when downloads are saved")
	fmt.Println("  agent     drive a browser tab for a control surface started with --remote")
	fmt.Println("  compile   print the job queue a prompt file produces")
	fmt.Println("  session   show or clear the saved prompts, settings and counters")
	fmt.Println("  doctor    check browser, hooks, storage and hub preflight")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  flowgen.yaml in the working directory, overridden by FLOWGEN_* environment")
	fmt.Println("  variables (.env is loaded when present). Use --config to pick another file.")
	fmt.Println()
	fmt.Println("Use \"flowgen <command> -h\" for command flags.")
}
