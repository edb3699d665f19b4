// Package policy decides who may read and release jobs.
//
// Decisions are made by Open Policy Agent from the embedded Rego module
// jobs.rego (package flightdeck.jobs). A principal may access a job when it
// carries the read_all_jobs grant, is listed as an admin, or submitted the
// job itself. Deployments can add rules by dropping extra modules in the
// same package into a policy directory:
//
//	package flightdeck.jobs
//
//	allow if {
//		input.action == "read"
//		endswith(input.principal.email, "@ops.example.com")
//	}
//
// Usage:
//
//	authz, err := policy.NewAuthorizer(ctx, policy.Config{Admins: []string{"root"}})
//	if err != nil {
//	    return err
//	}
//	if err := authz.LoadDir(ctx, "/etc/flightdeck/policies"); err != nil {
//	    return err
//	}
//	_ = authz.Watch(ctx, "/etc/flightdeck/policies")
//
//	ok, err := authz.Allowed(ctx, principal, policy.ActionRead, jobID, job.SubjectID)
//
// Rules can only widen access: the embedded module denies by default and
// every module contributes allow rules.
package policy
