// Package launcher starts the dashboard process on a fixed port.
//
// A launch runs four steps in order:
//
//   - build the child invocation (argv and environment) from Config
//   - terminate every process listening on the target port
//   - install the file-watching dependency (best effort)
//   - start the dashboard and supervise it
//
// Steps two and three never abort a launch. Their failures are logged at
// WARN. Supervision restarts a child that exits unexpectedly, up to
// MaxRestarts times, and the budget resets once a child has stayed up for
// StableAfter.
//
// Only one launcher may own a port at a time. Run takes a flock'd PID file
// named launcher-<port>.lock in LockDir before touching the port.
package launcher
