package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"flowgen/internal/compiler"
	"flowgen/internal/model"
)

type compileResult struct {
	Summary compiler.Summary `json:"summary"`
	Jobs    []model.Job      `json:"jobs"`
}

// runCompile prints the job queue a prompt file would produce, without
// touching the browser or the saved session.
func runCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	promptsPath := fs.String("prompts", "", "prompt file (- for stdin)")
	repeat := fs.Int("repeat", model.DefaultRepeat, "generations per prompt")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := strings.TrimSpace(*promptsPath)
	if path == "" {
		return errors.New("--prompts is required")
	}
	if *repeat < 1 {
		return errors.New("--repeat must be >= 1")
	}

	content, err := readPromptSource(path)
	if err != nil {
		return err
	}
	res := compileResult{
		Summary: compiler.Summarize(content, *repeat),
		Jobs:    compiler.Compile(content, *repeat),
	}
	if *jsonOut {
		return printJSON(res)
	}
	for _, j := range res.Jobs {
		fmt.Printf("%4d  %s\n", j.Sequence+1, truncateRunes(j.Prompt, 100))
	}
	fmt.Printf("%d prompts x %d = %d jobs\n", res.Summary.Prompts, res.Summary.Repeat, res.Summary.Total)
	return nil
}
