// Package compiler expands raw prompt text into the ordered job queue.
package compiler

import (
	"strings"

	"flowgen/internal/model"
)

// Summary is the "N prompts x R = T jobs" counter shown next to the editor.
type Summary struct {
	Prompts int `json:"prompts"`
	Repeat  int `json:"repeat"`
	Total   int `json:"total"`
}

// Prompts returns the trimmed prompt lines of text in order. Blank lines and
// lines starting with # are not prompts.
func Prompts(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		v := strings.TrimSpace(line)
		if v == "" || strings.HasPrefix(v, "#") {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Compile builds the job queue: repeat passes over the prompt list, each pass in
// prompt order, so every prompt is attempted once before any is repeated.
func Compile(text string, repeat int) []model.Job {
	if repeat < 1 {
		repeat = 1
	}
	prompts := Prompts(text)
	jobs := make([]model.Job, 0, len(prompts)*repeat)
	for r := 0; r < repeat; r++ {
		for _, p := range prompts {
			jobs = append(jobs, model.Job{Prompt: p, Sequence: len(jobs)})
		}
	}
	return jobs
}

// PromptList flattens a queue back into the GENERATE payload order.
func PromptList(jobs []model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.Prompt
	}
	return out
}

func Summarize(text string, repeat int) Summary {
	if repeat < 1 {
		repeat = 1
	}
	n := len(Prompts(text))
	return Summary{Prompts: n, Repeat: repeat, Total: n * repeat}
}

// ParseImport reads a prompt file: one prompt per line, blank lines and lines
// starting with # are ignored.
func ParseImport(content string) []string {
	return Prompts(content)
}

// MergeImport appends imported prompts to the existing editor text, or replaces
// it when the editor is blank.
func MergeImport(existing string, imported []string) string {
	if len(imported) == 0 {
		return existing
	}
	joined := strings.Join(imported, "\n")
	current := strings.TrimSpace(existing)
	if current == "" {
		return joined
	}
	return current + "\n" + joined
}
