package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/tessera/pkg/reference"
)

// Format is a plan document encoding.
type Format string

const (
	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"

	// FormatJSON is a JSON document.
	FormatJSON Format = "json"

	// FormatCUE is a CUE document.
	FormatCUE Format = "cue"
)

// FormatFromPath derives the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported plan file extension: %s", filepath.Ext(path))
	}
}

// Document is the on-disk form of both repositories.
type Document struct {
	// Name identifies the plan.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Concepts is the Concept Repository content.
	Concepts []Concept `json:"concepts" yaml:"concepts" validate:"dive"`

	// Inferences is the Inference Repository content.
	Inferences []Inference `json:"inferences" yaml:"inferences" validate:"dive"`

	// SourceFiles lists the files the document was read from.
	SourceFiles []string `json:"-" yaml:"-"`

	// LoadedAt is when the document was read.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// ValidationError is a document problem with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "inferences[2].flow_index").
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		if loc != "" {
			return fmt.Sprintf("%s: %s: %s", loc, e.Path, e.Message)
		}
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// LoadError carries every validation error of a failed load.
type LoadError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i := range e.Errors {
		msgs[i] = e.Errors[i].Error()
	}
	return fmt.Sprintf("plan document invalid: %s", strings.Join(msgs, "; "))
}

// Loader reads plan documents and ground inputs.
type Loader struct {
	validator *validator.Validate
	cue       *CUELoader
}

// NewLoader creates a loader for YAML, JSON and CUE documents.
func NewLoader() *Loader {
	v := validator.New()
	return &Loader{
		validator: v,
		cue:       &CUELoader{ctx: cuecontext.New(), validator: v},
	}
}

// Load reads plan documents from files or directories and merges them in
// path order.
func (l *Loader) Load(paths ...string) (*Document, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no plan sources provided")
	}

	files := make([]string, 0)
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat plan source %s: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		found, err := planFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no plan files found in %v", paths)
	}

	merged := &Document{LoadedAt: time.Now()}
	for _, f := range files {
		doc, err := l.LoadFile(f)
		if err != nil {
			return nil, err
		}
		if merged.Name == "" {
			merged.Name = doc.Name
		}
		merged.Concepts = append(merged.Concepts, doc.Concepts...)
		merged.Inferences = append(merged.Inferences, doc.Inferences...)
		merged.SourceFiles = append(merged.SourceFiles, doc.SourceFiles...)
	}
	return merged, nil
}

// LoadFile reads a single plan document.
func (l *Loader) LoadFile(path string) (*Document, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	if format == FormatCUE {
		return l.cue.Load(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file %s: %w", path, err)
	}
	doc, err := l.Parse(data, format)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			for i := range le.Errors {
				le.Errors[i].File = path
			}
		}
		return nil, err
	}
	doc.SourceFiles = []string{path}
	return doc, nil
}

// Parse decodes and validates a document in the given format.
func (l *Loader) Parse(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &LoadError{Errors: []ValidationError{{Message: fmt.Sprintf("invalid YAML: %v", err), Severity: "error"}}}
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, &LoadError{Errors: []ValidationError{{Message: fmt.Sprintf("invalid JSON: %v", err), Severity: "error"}}}
		}
	case FormatCUE:
		return l.cue.Parse(data, "inline")
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}

	if errs := l.Validate(&doc); len(errs) > 0 {
		return nil, &LoadError{Errors: errs}
	}
	doc.LoadedAt = time.Now()
	return &doc, nil
}

// Validate runs struct-tag validation over the document.
func (l *Loader) Validate(doc *Document) []ValidationError {
	err := l.validator.Struct(doc)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error(), Severity: "error"}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:     strings.TrimPrefix(fe.Namespace(), "Document."),
			Message:  fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			Severity: "error",
		})
	}
	return out
}

// Repositories builds both repositories from the document.
func (d *Document) Repositories() (*ConceptRepository, *InferenceRepository, error) {
	concepts, err := NewConceptRepository(d.Concepts)
	if err != nil {
		return nil, nil, err
	}
	inferences, err := NewInferenceRepository(d.Inferences)
	if err != nil {
		return nil, nil, err
	}
	return concepts, inferences, nil
}

// LoadInputs reads a ground-inputs document (YAML or JSON map keyed by
// concept name).
func (l *Loader) LoadInputs(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inputs file %s: %w", path, err)
	}
	inputs := make(map[string]interface{})
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&inputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("failed to decode inputs: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported inputs format: %s", format)
	}
	return inputs, nil
}

// BuildInputs converts raw ground inputs into References shaped by each
// concept's declared axes.
func BuildInputs(concepts *ConceptRepository, raw map[string]interface{}) (map[string]*reference.Reference, error) {
	out := make(map[string]*reference.Reference, len(raw))
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, ok := concepts.Get(name)
		if !ok {
			return nil, fmt.Errorf("input for unknown concept %s", name)
		}
		if !c.IsGround {
			return nil, fmt.Errorf("input for non-ground concept %s", name)
		}
		ref, err := BuildReference(c.Axes, raw[name])
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		out[name] = ref
	}
	return out, nil
}

// planFiles lists plan documents in a directory, sorted by name.
func planFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ferr := FormatFromPath(path); ferr == nil {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk plan directory %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}
