// Package remediation drives a Remediation Session: confirmed findings are
// grouped into categories and fixed one category at a time, each fix
// verified by a scoped re-scan and the test runner before it is committed.
//
// # Category lifecycle
//
// Every category walks the same state machine:
//
//	PENDING -> ISOLATED -> USER_DECIDED -> FIXING -> VERIFYING -> VERIFIED -> COMMITTED
//	                                   \-> SKIPPED          \-> FAILED -> PENDING
//
// Only one category is ever out of PENDING and not terminal. A FAILED fix is
// reverted for the files it touched: files that were already dirty when the
// fix started get their snapshotted content back, the rest return to HEAD.
// Categories already committed live in HEAD and are never affected.
//
// # Emergencies
//
// A P0 finding pauses the session through the emergency controller. While an
// emergency is open no category transition is attempted, and the session
// resumes from the exact state it was paused in once every emergency closes.
//
// # Durability
//
// Every transition is persisted before the next step runs, so a new process
// continues with Resume where the previous one stopped:
//
//	eng, err := remediation.New(cfg, st, det, repo, tests, channel,
//	    remediation.WithLogger(logger),
//	)
//	out, err := eng.Resume(ctx)
//	os.Exit(remediation.ExitCode(out, err))
package remediation
