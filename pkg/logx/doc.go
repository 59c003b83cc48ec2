// Package logx is fanout's structured logging layer on top of zerolog.
//
// Components accept a logx.Logger value and tag it with Component. The zero
// Logger discards output, so a component built without one stays quiet.
// Loggers obtained from a Service follow its level and sinks across Apply.
package logx
