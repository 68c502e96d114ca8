// Package logx is the daemon's zerolog front end. Loggers carry fixed fields
// and a short file:line caller. A Service holds the stdout and file sinks and
// can swap them while the process runs.
package logx
