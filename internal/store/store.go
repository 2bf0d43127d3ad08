// Package store persists the modules and invocation history of vmrt serve.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a module or invocation does not exist.
var ErrNotFound = errors.New("not found")

// Invocation statuses.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// Module is a stored module binary.
type Module struct {
	Name      string    `json:"name"`
	Data      []byte    `json:"-"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Invocation records one call made through the HTTP API. Inputs and outputs
// are kept in buffer-string form.
type Invocation struct {
	ID         string    `json:"id"`
	Module     string    `json:"module"`
	Function   string    `json:"function"`
	Driver     string    `json:"driver"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Inputs     []string  `json:"inputs"`
	Outputs    []string  `json:"outputs"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines the persistence operations used by the server.
type Store interface {
	PutModule(ctx context.Context, name string, data []byte) (*Module, error)
	GetModule(ctx context.Context, name string) (*Module, error)
	ListModules(ctx context.Context) ([]*Module, error)
	DeleteModule(ctx context.Context, name string) error
	CreateInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, module string, limit int) ([]*Invocation, error)
	Close() error
}
