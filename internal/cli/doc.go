// Package cli turns the pmigo command line into an app.Config. It owns flag
// parsing, usage text and the exit codes of argument errors; validation of
// the resulting configuration is left to app.NewConfig.
package cli
