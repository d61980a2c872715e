// Package tools defines the tool invocation boundary used by workers and a
// local implementation backed by the filesystem and a shell.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Operation identifiers understood by the local toolbox.
const (
	OpRead   = "read"
	OpGlob   = "glob"
	OpGrep   = "grep"
	OpList   = "list"
	OpWrite  = "write"
	OpEdit   = "edit"
	OpDelete = "delete"
	OpBash   = "bash"
)

// ErrUnknownOperation is returned by an Invoker that has no such operation.
var ErrUnknownOperation = errors.New("unknown operation")

// Invoker runs one operation. Implementations are black boxes with their
// own failure modes.
type Invoker interface {
	Invoke(ctx context.Context, op string, args json.RawMessage) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, op string, args json.RawMessage) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, op string, args json.RawMessage) (string, error) {
	return f(ctx, op, args)
}

// Table is an Invoker dispatching on operation name.
type Table map[string]func(ctx context.Context, args json.RawMessage) (string, error)

// Invoke runs the handler registered for op.
func (t Table) Invoke(ctx context.Context, op string, args json.RawMessage) (string, error) {
	h, ok := t[op]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}
	return h(ctx, args)
}

var readOnly = map[string]bool{
	OpRead: true,
	OpGlob: true,
	OpGrep: true,
	OpList: true,
}

// IsReadOnly reports whether op is idempotent and side-effect free.
func IsReadOnly(op string) bool {
	return readOnly[op]
}

// ReadOnlyOperations returns the read-only operation ids.
func ReadOnlyOperations() []string {
	return []string{OpRead, OpGlob, OpGrep, OpList}
}

// AllOperations returns every operation the local toolbox supports.
func AllOperations() []string {
	ops := make([]string, 0, len(specs))
	for _, s := range specs {
		ops = append(ops, s.Name)
	}
	sort.Strings(ops)
	return ops
}
