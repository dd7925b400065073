// Package logx is boostd's structured logger, a thin layer over zerolog.
//
// Every component derives its logger with For("timer"), For("wake") and so on,
// and scheduler lines carry Entity, Op and Attempt. Service owns the console
// and file sinks and applies level or sink changes on config reload.
package logx
