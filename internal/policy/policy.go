// Package policy compiles CUE policy files into resolver and driver
// configuration.
//
// A policy file sets fields under a top-level "policy" struct:
//
//	policy: {
//		guard_dominant_writes: true
//		max_apply_attempts:    5
//	}
//
// Omitted fields take the defaults from the embedded schema, which keep the
// documented resolver behavior. Unknown fields and out-of-range values are
// rejected with a CompileError that carries the source position.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/possync/internal/resolver"
)

//go:embed schema.cue
var schemaCUE string

// DefaultMaxApplyAttempts matches the schema default.
const DefaultMaxApplyAttempts = 3

// Config is a compiled policy.
type Config struct {
	Resolver         resolver.Policy
	MaxApplyAttempts int
}

// Default returns the configuration used when no policy file is given.
func Default() Config {
	return Config{MaxApplyAttempts: DefaultMaxApplyAttempts}
}

// CompileError reports an invalid policy file.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CompileFile reads and compiles the policy file at path.
func CompileFile(path string) (Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy: %w", err)
	}
	return CompileBytes(path, src)
}

// CompileBytes compiles policy source. filename is used only for error
// positions.
func CompileBytes(filename string, src []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, fmt.Errorf("compile policy schema: %w", err)
	}

	user := ctx.CompileBytes(src, cue.Filename(filename))
	if err := user.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}

	v := schema.Unify(user).LookupPath(cue.ParsePath("policy"))
	if err := v.Validate(); err != nil {
		return Config{}, formatCUEError(err)
	}

	guard, err := lookupBool(v, "guard_dominant_writes")
	if err != nil {
		return Config{}, err
	}
	duplicate, err := lookupBool(v, "equal_is_duplicate")
	if err != nil {
		return Config{}, err
	}
	attempts, err := lookupInt(v, "max_apply_attempts")
	if err != nil {
		return Config{}, err
	}

	return Config{
		Resolver: resolver.Policy{
			GuardDominantWrites: guard,
			EqualIsDuplicate:    duplicate,
		},
		MaxApplyAttempts: attempts,
	}, nil
}

func lookupBool(v cue.Value, field string) (bool, error) {
	fv, _ := v.LookupPath(cue.ParsePath(field)).Default()
	b, err := fv.Bool()
	if err != nil {
		return false, &CompileError{Field: "policy." + field, Message: "must be a concrete bool", Pos: fv.Pos()}
	}
	return b, nil
}

func lookupInt(v cue.Value, field string) (int, error) {
	fv, _ := v.LookupPath(cue.ParsePath(field)).Default()
	n, err := fv.Int64()
	if err != nil {
		return 0, &CompileError{Field: "policy." + field, Message: "must be a concrete int", Pos: fv.Pos()}
	}
	return int(n), nil
}

// formatCUEError converts the first CUE error into a CompileError with its
// path and position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Field: "cue", Message: err.Error()}
	}

	first := errs[0]
	field := strings.Join(errors.Path(first), ".")
	if field == "" {
		field = "cue"
	}
	format, args := first.Msg()
	ce := &CompileError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
