// Package artifact defines the durable artifact store the engine reads a
// baseline from at session start and writes the merged result to at finalize.
// The engine treats a write as atomic; backends map their own failure modes
// onto ErrNotFound and ErrConflict.
package artifact

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrConflict = errors.New("artifact write conflict")
)

type Store interface {
	Read(ctx context.Context, ref string) (string, error)
	Write(ctx context.Context, ref, content string) error
}
