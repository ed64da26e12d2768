// Package sandbox provides secure execution of untrusted analysis code.
//
// The sandbox package implements the execution engine for running
// machine-generated pandas scripts against user data files. Submitted
// code is validated against a denylist, wrapped into a self-contained
// program that loads the bound datasets and captures surviving
// variables into a size-bounded result envelope, and executed by one of
// two interchangeable backends: Docker containers (network-isolated,
// capability-stripped, read-only filesystem) or a restricted child
// process with OS resource limits (fallback when no container runtime
// is available).
//
// Every execution owns an ephemeral workspace that is removed on every
// exit path, including timeouts. Timeouts and user-code exceptions are
// expected outcomes and come back inside the Outcome; only validation
// rejections and infrastructure faults surface as errors.
//
// Usage:
//
//	backend, err := sandbox.NewBackend(logger, cfg, "auto")
//	executor := sandbox.NewExecutor(logger, cfg, backend)
//	outcome, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Code:         "total = orders['amount'].sum()",
//	    DataBindings: map[string]string{"orders": "proj1_orders.csv"},
//	})
package sandbox
