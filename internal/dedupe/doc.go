// Package dedupe remembers recently applied message ids so that frames
// redelivered by the server within a configurable window are dropped.
package dedupe
