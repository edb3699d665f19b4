package config

import (
	stderrors "errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// Loader reads CUE configuration files into an EngineConfig.
//
// Every source is unified with the embedded #EngineConfig definition, so
// files may set any subset of fields and the rest take their defaults.
// Several sources are unified with each other; conflicting values are
// reported with their positions.
type Loader struct {
	ctx       *cue.Context
	schema    cue.Value
	validator *validator.Validate
}

// NewLoader compiles the embedded schema.
func NewLoader() (*Loader, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(engineSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile configuration schema: %w", err)
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		schema:    schema.LookupPath(cue.ParsePath("#EngineConfig")),
		validator: v,
	}, nil
}

// Load reads the given files and directories. Directories are loaded as a
// CUE package. No sources yields the defaults.
func (l *Loader) Load(sources ...string) (*EngineConfig, error) {
	val := l.schema
	var problems ValidationErrors

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var v cue.Value
		var errs []ValidationError
		if info.IsDir() {
			v, errs = l.loadDirectory(source)
		} else {
			v, errs = l.loadFile(source)
		}
		if len(errs) > 0 {
			problems = append(problems, errs...)
			continue
		}
		val = val.Unify(v)
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return l.decode(val)
}

// ParseInline reads configuration from CUE source text.
func (l *Loader) ParseInline(content string) (*EngineConfig, error) {
	v := l.ctx.CompileString(content, cue.Filename("inline"))
	if err := v.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return l.decode(l.schema.Unify(v))
}

// Default returns the configuration used when no file is given.
func (l *Loader) Default() *EngineConfig {
	cfg, err := l.decode(l.schema)
	if err != nil {
		// the schema defaults are fixed at build time
		panic(fmt.Sprintf("configuration defaults are invalid: %v", err))
	}
	return cfg
}

func (l *Loader) decode(val cue.Value) (*EngineConfig, error) {
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg EngineConfig
	if err := val.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-field rules CUE does not express. It is run
// again after command line overrides are applied.
func (l *Loader) Validate(cfg *EngineConfig) error {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err
	}
	problems := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		problems = append(problems, ValidationError{
			Path:    path,
			Message: validationMessage(fe),
		})
	}
	return problems
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", strings.Replace(fe.Param(), " ", " is ", 1))
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
}

// loadDirectory loads a directory as a CUE package.
func (l *Loader) loadDirectory(dir string) (cue.Value, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, []ValidationError{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadFile loads a single CUE file.
func (l *Loader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:    path,
			Message: fmt.Sprintf("failed to read file: %v", err),
		}}
	}

	val := l.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}
