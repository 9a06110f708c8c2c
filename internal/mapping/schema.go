package mapping

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// Schema returns the CUE schema mapping documents are validated against.
func Schema() string {
	return schemaSource
}

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile mapping schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Mappings"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateSchema checks a JSON mapping document against the CUE schema.
// JSON is a subset of CUE, so the document is compiled directly.
func validateSchema(name string, data []byte) error {
	ctx, def, err := loadSchema()
	if err != nil {
		return &ConfigError{Code: ErrCodeSchema, Message: err.Error(), Err: err}
	}

	// cue.Context is not safe for concurrent use.
	schemaMu.Lock()
	defer schemaMu.Unlock()

	doc := ctx.CompileBytes(data, cue.Filename(name))
	if err := doc.Err(); err != nil {
		return formatCUEError(err)
	}
	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

var schemaMu sync.Mutex

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &ConfigError{Code: ErrCodeSchema, Message: err.Error(), Err: err}
	}
	first := errs[0]
	ce := &ConfigError{Code: ErrCodeSchema, Message: first.Error(), Err: err}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
