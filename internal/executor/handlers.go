package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"missionline/internal/domain"
)

// runTestsHandler shells out to the configured test command with the
// envelope's timeout bound. A timeout comes back as an error, which the
// executor converts into a failed result.
func runTestsHandler(ctx context.Context, op domain.Operation, env domain.Envelope) (map[string]any, error) {
	command, _ := op.Params["command"].(string)
	if command == "" {
		return nil, domain.OperationError{OperationID: op.ID, Message: "run_tests requires a command param"}
	}
	dir, _ := op.Params["dir"].(string)

	runCtx := ctx
	if env.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	evidence := map[string]any{
		"command": command,
		"output":  truncateOutput(string(out)),
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return evidence, domain.OperationError{OperationID: op.ID, Message: fmt.Sprintf("tests timed out after %ds", env.TimeoutSeconds), Evidence: evidence}
	}
	if err != nil {
		return evidence, domain.OperationError{OperationID: op.ID, Message: fmt.Sprintf("tests failed: %v", err), Evidence: evidence}
	}
	evidence["exit_code"] = 0
	return evidence, nil
}

// gateCheckHandler verifies that every required file is present.
func gateCheckHandler(_ context.Context, op domain.Operation, _ domain.Envelope) (map[string]any, error) {
	var missing []string
	checked := 0
	for _, p := range requiredFiles(op) {
		checked++
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	evidence := map[string]any{"checked": checked}
	if len(missing) > 0 {
		evidence["missing"] = missing
		return evidence, domain.OperationError{OperationID: op.ID, Message: fmt.Sprintf("gate check failed: missing %s", strings.Join(missing, ", ")), Evidence: evidence}
	}
	return evidence, nil
}

// toolInvokeHandler runs an allowed tool. The allow-list check already
// happened before dispatch; this only executes and captures output.
func toolInvokeHandler(ctx context.Context, op domain.Operation, env domain.Envelope) (map[string]any, error) {
	tool, _ := op.Params["tool"].(string)
	args := stringSlice(op.Params["args"])

	runCtx := ctx
	if env.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(env.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	out, err := exec.CommandContext(runCtx, tool, args...).CombinedOutput()
	evidence := map[string]any{
		"tool":   tool,
		"output": truncateOutput(string(out)),
	}
	if err != nil {
		return evidence, domain.OperationError{OperationID: op.ID, Message: fmt.Sprintf("tool %s failed: %v", tool, err), Evidence: evidence}
	}
	return evidence, nil
}

// packetRouteHandler checks the declared sender and receiver roles against
// the envelope before acknowledging the route.
func packetRouteHandler(_ context.Context, op domain.Operation, env domain.Envelope) (map[string]any, error) {
	from, _ := op.Params["from"].(string)
	to, _ := op.Params["to"].(string)
	if from == "" || to == "" {
		return nil, domain.OperationError{OperationID: op.ID, Message: "packet_route requires from and to roles"}
	}
	for _, role := range []string{from, to} {
		if !roleAllowed(role, env.AllowedRoles) {
			return nil, domain.OperationError{OperationID: op.ID, Message: fmt.Sprintf("role %s is not in the envelope's allowed roles", role)}
		}
	}
	return map[string]any{"from": from, "to": to, "routed": true}, nil
}

// llmCallHandler is the pluggable seam for a model backend. Without one
// registered in its place it reports a failed operation rather than hanging.
func llmCallHandler(_ context.Context, op domain.Operation, _ domain.Envelope) (map[string]any, error) {
	return nil, domain.OperationError{OperationID: op.ID, Message: "no llm backend registered"}
}

func roleAllowed(role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if role == a {
			return true
		}
	}
	return false
}

func requiredFiles(op domain.Operation) []string {
	out := stringSlice(op.Params["require_files"])
	return out
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

const maxOutputLen = 16 * 1024

func truncateOutput(s string) string {
	if len(s) > maxOutputLen {
		return s[:maxOutputLen]
	}
	return s
}
