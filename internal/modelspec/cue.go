package modelspec

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// ParseError is a CUE descriptor error with source position.
type ParseError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ParseError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseCUE parses a CUE descriptor file. Models are the fields of the
// top-level models struct, in declaration order; the label is the name.
func ParseCUE(data []byte, filename string) (*File, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	modelsVal := v.LookupPath(cue.ParsePath("models"))
	if !modelsVal.Exists() {
		return nil, &ParseError{Field: "models", Message: "models struct is required", Pos: v.Pos()}
	}
	if err := modelsVal.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	iter, err := modelsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var f File
	for iter.Next() {
		var m Model
		if err := iter.Value().Decode(&m); err != nil {
			return nil, &ParseError{Field: "models." + iter.Label(), Message: err.Error(), Pos: iter.Value().Pos()}
		}
		if m.Name != "" && m.Name != iter.Label() {
			return nil, &ParseError{
				Field:   "models." + iter.Label(),
				Message: fmt.Sprintf("name %q does not match label", m.Name),
				Pos:     iter.Value().Pos(),
			}
		}
		m.Name = iter.Label()
		f.Models = append(f.Models, m)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model file: %w", err)
	}
	return &f, nil
}

// formatCUEError keeps the first error and its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &ParseError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
