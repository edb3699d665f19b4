package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage/inmem"

	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

//go:embed jobs.rego
var jobsPolicy string

const (
	allowQuery   = "data.flightdeck.jobs.allow"
	readAllQuery = "data.flightdeck.jobs.read_all"
)

// Action is what a principal wants to do with a job.
type Action string

const (
	ActionRead    Action = "read"
	ActionRelease Action = "release"
	ActionList    Action = "list"
)

// Principal is the caller of a job operation.
type Principal struct {
	SubjectID string `json:"subject_id" validate:"required"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	// ReadAllJobs grants access to every job regardless of submitter.
	ReadAllJobs bool `json:"read_all_jobs"`
}

// Config configures an Authorizer.
type Config struct {
	// Admins are subjects treated as if they had ReadAllJobs.
	Admins []string
	Logger *telemetry.Logger
}

// Authorizer decides job access with Rego. The embedded jobs policy is
// always loaded; extra modules in package flightdeck.jobs may add rules.
type Authorizer struct {
	cfg    Config
	logger *telemetry.Logger

	mu      sync.RWMutex
	allow   rego.PreparedEvalQuery
	readAll rego.PreparedEvalQuery
	modules map[string]string
}

// NewAuthorizer compiles the embedded policy.
func NewAuthorizer(ctx context.Context, cfg Config) (*Authorizer, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	a := &Authorizer{
		cfg:    cfg,
		logger: cfg.Logger.NewComponentLogger("policy"),
	}
	if err := a.Load(ctx, nil); err != nil {
		return nil, err
	}
	return a, nil
}

// Load replaces the extra policy modules, keyed by file name. On error the
// previous policy stays in force.
func (a *Authorizer) Load(ctx context.Context, modules map[string]string) error {
	allow, err := a.prepare(ctx, allowQuery, modules)
	if err != nil {
		return err
	}
	readAll, err := a.prepare(ctx, readAllQuery, modules)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.allow = allow
	a.readAll = readAll
	a.modules = modules
	a.mu.Unlock()

	a.logger.WithField("modules", len(modules)).Debug("job policy compiled")
	return nil
}

func (a *Authorizer) prepare(ctx context.Context, query string, modules map[string]string) (rego.PreparedEvalQuery, error) {
	admins := make([]interface{}, 0, len(a.cfg.Admins))
	for _, s := range a.cfg.Admins {
		admins = append(admins, s)
	}
	opts := []func(*rego.Rego){
		rego.Query(query),
		rego.Module("jobs.rego", jobsPolicy),
		rego.Store(inmem.NewFromObject(map[string]interface{}{
			"flightdeck": map[string]interface{}{"admins": admins},
		})),
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	pq, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to compile job policy: %w", err)
	}
	return pq, nil
}

// Allowed reports whether p may perform action on a job submitted by subjectID.
func (a *Authorizer) Allowed(ctx context.Context, p Principal, action Action, jobID, subjectID string) (bool, error) {
	a.mu.RLock()
	pq := a.allow
	a.mu.RUnlock()

	allowed, err := eval(ctx, pq, input(p, action, jobID, subjectID))
	if err != nil {
		return false, err
	}
	if !allowed {
		a.logger.WithFields(map[string]interface{}{
			"subject_id": p.SubjectID,
			"action":     string(action),
			"job_id":     jobID,
		}).Debug("job access denied")
	}
	return allowed, nil
}

// ReadsAll reports whether p may see every job. When false, listings are
// restricted to p's own submissions.
func (a *Authorizer) ReadsAll(ctx context.Context, p Principal) (bool, error) {
	a.mu.RLock()
	pq := a.readAll
	a.mu.RUnlock()
	return eval(ctx, pq, input(p, ActionList, "", ""))
}

func input(p Principal, action Action, jobID, subjectID string) map[string]interface{} {
	return map[string]interface{}{
		"principal": map[string]interface{}{
			"subject_id":    p.SubjectID,
			"email":         p.Email,
			"read_all_jobs": p.ReadAllJobs,
		},
		"action": string(action),
		"job": map[string]interface{}{
			"id":         jobID,
			"subject_id": subjectID,
		},
	}
}

func eval(ctx context.Context, pq rego.PreparedEvalQuery, in map[string]interface{}) (bool, error) {
	rs, err := pq.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return false, fmt.Errorf("policy evaluation error: %w", err)
	}
	if len(rs) == 0 {
		return false, errors.New("policy produced no decision")
	}
	return rs.Allowed(), nil
}
