// Package approval gates tool execution behind explicit user decisions
// and runs approved tools through a named executor registry.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Simplereally/rapid-chat/internal/ai"
)

// ToolExecutor is a function that executes a tool
type ToolExecutor func(ctx context.Context, args json.RawMessage) (string, error)

// Registry maps tool names to their executors and definitions. It is
// populated at startup and read-only afterwards, so no locking.
type Registry struct {
	executors   map[string]ToolExecutor
	definitions []ai.ToolDefinition
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]ToolExecutor)}
}

// Register adds a tool executor together with its model-facing definition
func (r *Registry) Register(def ai.ToolDefinition, executor ToolExecutor) {
	r.executors[def.Name] = executor
	r.definitions = append(r.definitions, def)
}

// Executor retrieves a tool executor by name
func (r *Registry) Executor(name string) (ToolExecutor, bool) {
	executor, ok := r.executors[name]
	return executor, ok
}

// Run executes the named tool. An unregistered name is an error.
func (r *Registry) Run(ctx context.Context, name string, args json.RawMessage) (string, error) {
	executor, ok := r.executors[name]
	if !ok {
		return "", fmt.Errorf("no executor registered for tool %q", name)
	}
	return executor(ctx, args)
}

// Definitions returns the tool definitions advertised to the model
func (r *Registry) Definitions() []ai.ToolDefinition {
	return r.definitions
}

// NewDefaultRegistry registers the built-in tools. Every built-in has side
// effects, which is why all tool calls are approval-gated.
func NewDefaultRegistry(workDir string) *Registry {
	r := NewRegistry()

	r.Register(ai.ToolDefinition{
		Name:        "exec",
		Description: "Run a shell command and return its combined output",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"},"timeout_seconds":{"type":"integer"}},"required":["command"]}`),
	}, makeExecTool())

	r.Register(ai.ToolDefinition{
		Name:        "read_file",
		Description: "Read a file relative to the working directory",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}, makeReadFileTool(workDir))

	r.Register(ai.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file relative to the working directory",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	}, makeWriteFileTool(workDir))

	return r
}

func makeExecTool() ToolExecutor {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var execArgs struct {
			Command        string `json:"command"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := json.Unmarshal(args, &execArgs); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
		if execArgs.Command == "" {
			return "", fmt.Errorf("command is required")
		}

		timeout := 30 * time.Second
		if execArgs.TimeoutSeconds > 0 {
			timeout = time.Duration(execArgs.TimeoutSeconds) * time.Second
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", execArgs.Command)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return string(output), fmt.Errorf("command failed: %w", err)
		}
		return string(output), nil
	}
}

func makeReadFileTool(workDir string) ToolExecutor {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var readArgs struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &readArgs); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
		path, err := resolvePath(workDir, readArgs.Path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func makeWriteFileTool(workDir string) ToolExecutor {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var writeArgs struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &writeArgs); err != nil {
			return "", fmt.Errorf("failed to parse arguments: %w", err)
		}
		path, err := resolvePath(workDir, writeArgs.Path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(path, []byte(writeArgs.Content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(writeArgs.Content), writeArgs.Path), nil
	}
}

// resolvePath confines tool file access to the working directory
func resolvePath(workDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := filepath.Join(workDir, path)
	rel, err := filepath.Rel(workDir, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return resolved, nil
}
