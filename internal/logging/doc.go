// Package logging provides structured logging for sprint execution.
//
// It wraps log/slog to write JSON lines, one per entry, with persistent
// context attributes carried by child loggers:
//
//	logger, err := logging.NewLogger(sprintDir, "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	stepLog := logger.WithSprint("sprint-42").WithPhase("build").WithStep("api")
//	stepLog.Info("worker finished", "exit_code", 0, "duration_ms", 1800)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"worker finished","sprint_id":"sprint-42","phase_id":"build","step_id":"api","exit_code":0,"duration_ms":1800}
//
// Child loggers share the parent's writer; closing any of them closes the
// shared file. Use [NopLogger] in tests.
package logging
