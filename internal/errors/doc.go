// Package errors provides structured, coded error messages for hotserve.
//
// Every failure the orchestrator can report maps to a registered code:
//   - config: the build configuration cannot be found, parsed, or validated
//   - compile: a client or server compile produced diagnostics
//   - runtime: a freshly built server could not be loaded, a listener could not
//     be bound, or a disposal did not finish in time
//
// None of these are fatal to a running dev session. The orchestrator converts
// them to log records at the boundary of the event they occurred in.
//
// # Usage
//
//	err := errors.New("E302").
//	    WithDetail("exec: permission denied").
//	    WithSuggestion("Check that server.output points at a writable directory").
//	    Wrap(cause)
//
//	fmt.Fprint(os.Stderr, err.Format())
//	// Output:
//	// ERROR E302: Server artifact failed to load
//	//
//	//   exec: permission denied
//	//
//	//   Hint: Check that server.output points at a writable directory
//
// Colors are applied only when stderr is a terminal.
package errors
