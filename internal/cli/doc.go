// Package cli parses the hpsweep command line, validates user input and
// carries process exit codes. It turns flags into Options that the main
// package applies on top of the sweep settings file.
package cli
