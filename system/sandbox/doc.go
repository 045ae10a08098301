// Package sandbox executes artifact code inside a restricted ECMAScript
// VM (goja), bounded by a per-call wall-clock timeout and a capability
// gate on the LLM syscall.
//
// # Calling conventions
//
// Artifact code runs as JavaScript via goja, the pure-Go VM the wider
// codebase already uses for script execution. Two conventions are
// recognized:
//
//   - run convention: the script defines a top-level `function run(...)`.
//   - handle_request convention: the script defines a top-level
//     `function handle_request(caller, operation, args)`.
//
// Detection looks for the text `function handle_request(` anywhere in
// the source; everything else is treated as the run convention, provided a `run`
// function is defined.
//
// JavaScript's division operator does not trap on zero (it produces
// Infinity/NaN rather than raising); scripts that need an explicit
// divide-by-zero failure should `throw new Error("division by zero")`
// themselves.
package sandbox
