package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// ErrRejected is returned by Admit when a class is disabled or its script
// calls reject.
var ErrRejected = errors.New("submission rejected")

// Admission runs the per class checks configured under classes.
//
// A class may carry a Starlark input script defining
// admit(inputs, flight_class, subject). It is called for every submission
// of the class with the inputs as a dict. It may change the dict in place
// or return a new one, and it may call reject(reason) to refuse the
// submission:
//
//	def admit(inputs, flight_class, subject):
//	    if "source" not in inputs:
//	        reject("source is required")
//	    inputs.setdefault("name", inputs["source"].split("/")[-1])
//
// Scripts run with a timeout and without access to the filesystem or
// network.
type Admission struct {
	timeout  time.Duration
	admit    map[string]starlark.Callable
	disabled map[string]bool
	logger   *telemetry.Logger
}

const rejectKey = "reject_reason"

// NewAdmission compiles the input scripts of classes.
func NewAdmission(classes map[string]ClassConfig, timeout time.Duration, logger *telemetry.Logger) (*Admission, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	a := &Admission{
		timeout:  timeout,
		admit:    make(map[string]starlark.Callable),
		disabled: make(map[string]bool),
		logger:   logger.NewComponentLogger("admission"),
	}

	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	var problems ValidationErrors
	for _, name := range names {
		cc := classes[name]
		if cc.Disabled {
			a.disabled[name] = true
		}
		if cc.InputScript == "" {
			continue
		}
		fn, err := a.compile(name, cc.InputScript)
		if err != nil {
			problems = append(problems, ValidationError{
				Path:    "classes." + name + ".input_script",
				Message: err.Error(),
			})
			continue
		}
		a.admit[name] = fn
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return a, nil
}

// compile executes the script once and returns its frozen admit function.
func (a *Admission) compile(class, script string) (starlark.Callable, error) {
	thread := &starlark.Thread{Name: "admission/" + class, Print: a.print(class)}
	globals, err := starlark.ExecFile(thread, class+".star", script, predeclared)
	if err != nil {
		return nil, err
	}
	fn, ok := globals["admit"].(starlark.Callable)
	if !ok {
		return nil, errors.New("script must define admit(inputs, flight_class, subject)")
	}
	return fn, nil
}

var predeclared = starlark.StringDict{
	"reject": starlark.NewBuiltin("reject", builtinReject),
	"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
}

func builtinReject(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var reason string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &reason); err != nil {
		return nil, err
	}
	thread.SetLocal(rejectKey, reason)
	return nil, ErrRejected
}

func (a *Admission) print(class string) func(*starlark.Thread, string) {
	return func(_ *starlark.Thread, msg string) {
		a.logger.WithField("class", class).Debug(msg)
	}
}

// Admit checks a submission of class and returns the inputs to store.
// Classes without a script pass their inputs through unchanged.
func (a *Admission) Admit(ctx context.Context, class, subject string, inputs map[string]interface{}) (map[string]interface{}, error) {
	if a.disabled[class] {
		return nil, fmt.Errorf("%w: class %s is disabled", ErrRejected, class)
	}
	fn, ok := a.admit[class]
	if !ok {
		return inputs, nil
	}

	start := time.Now()
	out, err := a.run(ctx, fn, class, subject, inputs)
	logger := a.logger.WithField("class", class).WithField("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		logger.WithError(err).Debug("Input script refused submission")
		return nil, err
	}
	logger.Debug("Input script accepted submission")
	return out, nil
}

func (a *Admission) run(ctx context.Context, fn starlark.Callable, class, subject string, inputs map[string]interface{}) (map[string]interface{}, error) {
	in, err := toStarlarkValue(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	thread := &starlark.Thread{Name: "admission/" + class, Print: a.print(class)}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	ret, err := starlark.Call(thread, fn, starlark.Tuple{in, starlark.String(class), starlark.String(subject)}, nil)
	if reason, ok := thread.Local(rejectKey).(string); ok {
		return nil, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	if err != nil {
		return nil, fmt.Errorf("input script for %s failed: %w", class, err)
	}

	result := in
	if ret != starlark.None {
		result = ret
	}
	dict, ok := result.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("admit for %s must return a dict or None, got %s", class, result.Type())
	}
	goVal, err := fromStarlarkValue(dict)
	if err != nil {
		return nil, fmt.Errorf("input script for %s: %w", class, err)
	}
	return goVal.(map[string]interface{}), nil
}

// toStarlarkValue converts a Go value to a Starlark value. Types outside
// the JSON model go through their JSON encoding.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int32:
		return starlark.MakeInt64(int64(val)), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint:
		return starlark.MakeUint(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		var generic interface{}
		if err := dec.Decode(&generic); err != nil {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		return toStarlarkValue(generic)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
