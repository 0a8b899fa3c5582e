// Package executor runs operations inside a capability envelope and records
// pre/post state hashes, receipts and compensation bookkeeping for each run.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/canon"
	"missionline/internal/domain"
	"missionline/internal/journal"
)

// Operation types with built-in handlers.
const (
	OpLLMCall     = "llm_call"
	OpToolInvoke  = "tool_invoke"
	OpPacketRoute = "packet_route"
	OpGateCheck   = "gate_check"
	OpRunTests    = "run_tests"
)

// Result statuses.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
)

// MissingSentinel stands in for the content of an absent file when hashing
// affected state, so "file deleted" and "file empty" hash differently.
const MissingSentinel = "missing"

// Handler executes one operation type. Returned evidence is attached to the
// result; a returned error becomes a failed result, never a panic upward.
type Handler func(ctx context.Context, op domain.Operation, env domain.Envelope) (map[string]any, error)

// RunContext identifies the enclosing run for idempotency and auditing. When
// Journal is set the executor appends a receipt for every execution.
type RunContext struct {
	RunID     string
	StepID    string
	MissionID string
	Envelope  domain.Envelope
	Journal   *journal.Journal
}

// OperationResult is what a caller gets back from Execute. AuditID is freshly
// random per invocation so resubmissions of the same operation stay
// distinguishable in the logs.
type OperationResult struct {
	AuditID       string                  `json:"audit_id"`
	OperationID   string                  `json:"operation_id"`
	Status        string                  `json:"status"`
	Evidence      map[string]any          `json:"evidence,omitempty"`
	ErrorMessage  string                  `json:"error_message,omitempty"`
	PreStateHash  string                  `json:"pre_state_hash"`
	PostStateHash string                  `json:"post_state_hash"`
	Receipt       domain.OperationReceipt `json:"receipt"`
}

type Executor struct {
	handlers map[string]Handler
	Now      func() time.Time
}

// New returns an executor with the built-in handlers registered.
func New() *Executor {
	e := &Executor{handlers: map[string]Handler{}}
	e.Register(OpRunTests, runTestsHandler)
	e.Register(OpGateCheck, gateCheckHandler)
	e.Register(OpToolInvoke, toolInvokeHandler)
	e.Register(OpPacketRoute, packetRouteHandler)
	e.Register(OpLLMCall, llmCallHandler)
	return e
}

// Register attaches or replaces the handler for an operation type.
func (e *Executor) Register(opType string, h Handler) {
	e.handlers[opType] = h
}

// Execute validates, hashes, dispatches and receipts one operation. Contract
// violations (bad compensation, envelope breach, unknown type) return an
// error with a zero result; handler failures come back as a failed result.
func (e *Executor) Execute(ctx context.Context, op domain.Operation, rc RunContext, affectedPaths []string) (OperationResult, error) {
	if err := ValidateCompensation(op.Compensation); err != nil {
		return OperationResult{}, err
	}
	handler, ok := e.handlers[op.Type]
	if !ok {
		return OperationResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownOperationType, op.Type)
	}
	if err := checkEnvelope(op, rc.Envelope); err != nil {
		return OperationResult{}, err
	}

	preHash, err := StateHash(affectedPaths)
	if err != nil {
		return OperationResult{}, err
	}

	result := OperationResult{
		AuditID:      uuid.NewString(),
		OperationID:  op.ID,
		Status:       ResultCompleted,
		PreStateHash: preHash,
	}
	evidence, handlerErr := handler(ctx, op, rc.Envelope)
	result.Evidence = evidence
	if handlerErr != nil {
		result.Status = ResultFailed
		result.ErrorMessage = handlerErr.Error()
		if result.Evidence == nil {
			result.Evidence = map[string]any{}
		}
		result.Evidence["error"] = handlerErr.Error()
	}

	// The post hash is computed regardless of outcome: a failed operation may
	// still have touched the filesystem.
	result.PostStateHash, err = StateHash(affectedPaths)
	if err != nil {
		return OperationResult{}, err
	}

	key, err := IdempotencyKey(rc.RunID, rc.StepID, op)
	if err != nil {
		return OperationResult{}, err
	}
	result.Receipt = domain.OperationReceipt{
		OperationID:          op.ID,
		MissionID:            rc.MissionID,
		Timestamp:            e.now().UTC().Format(time.RFC3339Nano),
		PreStateHash:         result.PreStateHash,
		PostStateHash:        result.PostStateHash,
		CompensationType:     op.Compensation.Type,
		CompensationCommand:  op.Compensation.Command,
		IdempotencyKey:       key,
		CompensationVerified: op.Compensation.Type == domain.CompensationTypeCustomValidated,
	}
	if rc.Journal != nil {
		if err := rc.Journal.AppendReceipt(ctx, result.Receipt); err != nil {
			return OperationResult{}, err
		}
	}
	return result, nil
}

// IdempotencyKey is reproducible across retries of the same logical
// operation, which lets callers detect a replay before re-running it.
func IdempotencyKey(runID, stepID string, op domain.Operation) (string, error) {
	return canon.Hash(map[string]any{
		"run_id":       runID,
		"step_id":      stepID,
		"operation_id": op.ID,
		"type":         op.Type,
		"params":       op.Params,
	})
}

// compensationWhitelist holds the command prefixes accepted for the
// custom_validated type. All of them are reversals, never forward actions.
var compensationWhitelist = []string{"git checkout", "git reset", "git clean"}

// ValidateCompensation enforces the compensation taxonomy before any work
// happens.
func ValidateCompensation(c domain.Compensation) error {
	cmd := strings.TrimSpace(c.Command)
	switch c.Type {
	case "":
		return domain.InvalidCompensationError{Type: c.Type, Reason: "compensation type must be declared"}
	case domain.CompensationTypeNone:
		if cmd != "" {
			return domain.InvalidCompensationError{Type: c.Type, Reason: fmt.Sprintf("type none must not carry a command, got %q", cmd)}
		}
	case domain.CompensationTypeCustomValidated:
		ok := false
		for _, prefix := range compensationWhitelist {
			if strings.HasPrefix(cmd, prefix) {
				ok = true
				break
			}
		}
		if !ok {
			return domain.InvalidCompensationError{Type: c.Type, Reason: fmt.Sprintf("command %q is not on the reversible-action whitelist", cmd)}
		}
	default:
		if cmd == "" {
			return domain.InvalidCompensationError{Type: c.Type, Reason: fmt.Sprintf("type %s requires a command", c.Type)}
		}
	}
	return nil
}

// checkEnvelope enforces the per-type capability checks that must happen
// before any handler code runs.
func checkEnvelope(op domain.Operation, env domain.Envelope) error {
	switch op.Type {
	case OpToolInvoke:
		tool, _ := op.Params["tool"].(string)
		if tool == "" {
			return domain.EnvelopeViolationError{Field: "tool", Reason: "tool_invoke requires a tool name"}
		}
		for _, allowed := range env.AllowedTools {
			if tool == allowed {
				return nil
			}
		}
		return domain.EnvelopeViolationError{Field: "tool", Value: tool, Reason: "tool is not in allowed_tools"}
	case OpRunTests:
		for _, p := range paramPaths(op) {
			if err := checkPath(p, env); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkPath(p string, env domain.Envelope) error {
	clean := filepath.ToSlash(filepath.Clean(p))
	for _, denied := range env.DeniedPaths {
		if pathCovered(clean, denied) {
			return domain.EnvelopeViolationError{Field: "path", Value: p, Reason: "path is denied"}
		}
	}
	allowed := false
	for _, a := range env.AllowedPaths {
		if pathCovered(clean, a) {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.EnvelopeViolationError{Field: "path", Value: p, Reason: "path is not covered by allowed_paths"}
	}
	if env.RejectSymlinks {
		if info, err := os.Lstat(p); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return domain.EnvelopeViolationError{Field: "path", Value: p, Reason: "symlinks are rejected by the envelope"}
		}
	}
	return nil
}

func pathCovered(p, prefix string) bool {
	prefix = filepath.ToSlash(filepath.Clean(prefix))
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func paramPaths(op domain.Operation) []string {
	raw, _ := op.Params["paths"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if s, ok := op.Params["paths"].([]string); ok {
		out = append(out, s...)
	}
	return out
}

// StateHash fingerprints the affected files: normalized paths in sorted
// order, each followed by its byte content or the missing sentinel.
func StateHash(paths []string) (string, error) {
	norm := make([]string, 0, len(paths))
	seen := map[string]bool{}
	for _, p := range paths {
		clean := filepath.ToSlash(filepath.Clean(p))
		if !seen[clean] {
			seen[clean] = true
			norm = append(norm, clean)
		}
	}
	sort.Strings(norm)

	var buf bytes.Buffer
	for _, p := range norm {
		buf.WriteString(p)
		buf.WriteByte(0)
		content, err := os.ReadFile(p)
		if err != nil {
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("hash state %s: %w", p, err)
			}
			buf.WriteString(MissingSentinel)
		} else {
			buf.Write(content)
		}
		buf.WriteByte(0)
	}
	return canon.HashBytes(buf.Bytes()), nil
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
