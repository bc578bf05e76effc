// Package ui renders terminal output for the protoswitch-server CLI.
//
// Components follow a "run once and exit" pattern: they print a styled
// block and return, with no user interaction.
//
//   - Header: banner naming the command and its parameters
//   - Result: success, warning or failure box with details
//   - RunTask: spinner shown while a blocking operation runs
//
// Output written to something other than a terminal (pipes, tests) skips the
// spinner and falls back to a single status line.
//
// Log output goes through the logging package and shares stdout, so callers
// print components before the server starts logging connections.
package ui
