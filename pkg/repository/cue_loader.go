package repository

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUELoader reads plan documents written in CUE. Concepts and inferences
// may be given as lists or as structs keyed by name / flow index.
type CUELoader struct {
	ctx       *cue.Context
	validator *validator.Validate
}

// NewCUELoader creates a CUE plan loader.
func NewCUELoader() *CUELoader {
	return &CUELoader{ctx: cuecontext.New(), validator: validator.New()}
}

// Load reads a CUE file or a directory holding a CUE package.
func (cl *CUELoader) Load(source string) (*Document, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
	}

	var val cue.Value
	var files []string
	if info.IsDir() {
		insts := load.Instances([]string{source}, nil)
		if len(insts) == 0 {
			return nil, &LoadError{Errors: []ValidationError{{File: source, Message: "no CUE files found", Severity: "error"}}}
		}
		inst := insts[0]
		if inst.Err != nil {
			return nil, &LoadError{Errors: cl.convertCUEErrors(inst.Err)}
		}
		val = cl.ctx.BuildInstance(inst)
		for _, f := range inst.Files {
			if f.Filename != "" {
				files = append(files, f.Filename)
			}
		}
	} else {
		content, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("failed to read plan file %s: %w", source, err)
		}
		val = cl.ctx.CompileBytes(content, cue.Filename(source))
		files = []string{source}
	}

	doc, err := cl.extract(val)
	if err != nil {
		return nil, err
	}
	doc.SourceFiles = files
	return doc, nil
}

// Parse compiles inline CUE content.
func (cl *CUELoader) Parse(content []byte, name string) (*Document, error) {
	doc, err := cl.extract(cl.ctx.CompileBytes(content, cue.Filename(name)))
	if err != nil {
		return nil, err
	}
	doc.SourceFiles = []string{name}
	return doc, nil
}

// extract decodes concepts and inferences from a compiled value.
func (cl *CUELoader) extract(val cue.Value) (*Document, error) {
	if err := val.Err(); err != nil {
		return nil, &LoadError{Errors: cl.convertCUEErrors(err)}
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &LoadError{Errors: cl.convertCUEErrors(err)}
	}

	doc := &Document{LoadedAt: time.Now()}
	var problems []ValidationError

	if name := val.LookupPath(cue.ParsePath("name")); name.Exists() {
		if s, err := name.String(); err == nil {
			doc.Name = s
		}
	}

	conceptsVal := val.LookupPath(cue.ParsePath("concepts"))
	if conceptsVal.Exists() {
		err := eachEntry(conceptsVal, func(key string, v cue.Value) error {
			var c Concept
			if err := v.Decode(&c); err != nil {
				return err
			}
			if c.Name == "" {
				c.Name = key
			}
			doc.Concepts = append(doc.Concepts, c)
			return nil
		})
		if err != nil {
			problems = append(problems, ValidationError{Path: "concepts", Message: err.Error(), Severity: "error"})
		}
	}

	inferencesVal := val.LookupPath(cue.ParsePath("inferences"))
	if inferencesVal.Exists() {
		err := eachEntry(inferencesVal, func(key string, v cue.Value) error {
			var inf Inference
			if err := v.Decode(&inf); err != nil {
				return err
			}
			if inf.FlowIndex == "" {
				inf.FlowIndex = FlowIndex(key)
			}
			doc.Inferences = append(doc.Inferences, inf)
			return nil
		})
		if err != nil {
			problems = append(problems, ValidationError{Path: "inferences", Message: err.Error(), Severity: "error"})
		}
	}

	if len(problems) > 0 {
		return nil, &LoadError{Errors: problems}
	}

	if err := cl.validator.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, ValidationError{
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on '%s' validation", fe.Tag()),
					Severity: "error",
				})
			}
			return nil, &LoadError{Errors: problems}
		}
		return nil, err
	}
	return doc, nil
}

// eachEntry visits list elements or struct fields. Struct fields pass
// their unquoted label as key.
func eachEntry(v cue.Value, fn func(key string, v cue.Value) error) error {
	switch v.Kind() {
	case cue.ListKind:
		list, err := v.List()
		if err != nil {
			return err
		}
		for list.Next() {
			if err := fn("", list.Value()); err != nil {
				return err
			}
		}
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return err
		}
		for iter.Next() {
			if err := fn(iter.Selector().Unquoted(), iter.Value()); err != nil {
				return fmt.Errorf("%s: %w", iter.Selector(), err)
			}
		}
	default:
		return fmt.Errorf("expected list or struct, got %s", v.Kind())
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationError values.
func (cl *CUELoader) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}
