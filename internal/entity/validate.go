package entity

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/tillsync/internal/apperr"
)

//go:embed schema.cue
var schemaSource string

// validator holds the compiled schema. A cue.Context is not safe for
// concurrent use, so every evaluation holds mu.
type validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

var (
	validatorOnce sync.Once
	shared        *validator
	sharedErr     error
)

func loadValidator() (*validator, error) {
	validatorOnce.Do(func() {
		ctx := cuecontext.New()
		schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := schema.Err(); err != nil {
			sharedErr = fmt.Errorf("compile entity schema: %w", err)
			return
		}
		shared = &validator{ctx: ctx, schema: schema}
	})
	return shared, sharedErr
}

// Validate checks fields against the CUE definition for entityType.
// Violations are returned as apperr VALIDATION errors.
func Validate(entityType string, fields any) error {
	v, err := loadValidator()
	if err != nil {
		return err
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return apperr.Validation("%s: %v", entityType, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	def := v.schema.LookupPath(cue.ParsePath("#" + entityType))
	if !def.Exists() {
		return apperr.Validation("unknown entity type %q", entityType)
	}

	value := v.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return apperr.Validation("%s: %v", entityType, err)
	}

	if err := def.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(entityType, err)
	}
	return nil
}

// formatCUEError reports the first CUE error with its field path.
func formatCUEError(entityType string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return apperr.Validation("%s: %v", entityType, err)
	}
	first := errs[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := fieldPath(first.Path()); path != "" {
		return apperr.Validation("%s.%s: %s", entityType, path, msg)
	}
	return apperr.Validation("%s: %s", entityType, msg)
}

// fieldPath drops definition labels so "#order.total_cents" reads "total_cents".
func fieldPath(path []string) string {
	parts := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, "#") {
			continue
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ".")
}
