package medsource

import (
	"context"
	"fmt"
	"os"

	"medreminder/internal/config"
	"medreminder/internal/schedule"
	logx "medreminder/pkg/logx"
)

// File reads the medicines payload from disk on every call, so edits are
// picked up by the next sync. YAML is accepted by extension.
type File struct {
	Path string
	Log  logx.Logger
}

func (f File) Medicines(ctx context.Context) ([]schedule.Medicine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read medicines file: %w", err)
	}
	if data, err = config.ToJSON(f.Path, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return decode(data, log)
}
