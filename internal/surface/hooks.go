package surface

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"flowgen/internal/model"
)

// Hooks hold the page-specific JavaScript. Submit is a function taking the
// prompt text; it may return a promise. Poll is a function taking
// {prompt, sequence} and returning the newest artifact URL or "".
type Hooks struct {
	Submit string
	Poll   string
}

func LoadHooks(submitPath, pollPath string) (Hooks, error) {
	submit, err := readHook("submit", submitPath)
	if err != nil {
		return Hooks{}, err
	}
	poll, err := readHook("poll", pollPath)
	if err != nil {
		return Hooks{}, err
	}
	return Hooks{Submit: submit, Poll: poll}, nil
}

func readHook(name, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%s hook path is required", name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s hook: %w", name, err)
	}
	src := strings.TrimSpace(string(data))
	if src == "" {
		return "", fmt.Errorf("%s hook %s is empty", name, path)
	}
	return src, nil
}

func submitExpression(hook string, job model.Job) (string, error) {
	arg, err := json.Marshal(job.Prompt)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", hook, arg), nil
}

func pollExpression(hook string, job model.Job) (string, error) {
	arg, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s)(%s)", hook, arg), nil
}
