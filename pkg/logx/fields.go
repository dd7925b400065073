package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Keys shared by every component. Scheduler failures carry entity, op and
// attempt so a single line is enough to trace the timer.
const (
	KeyComp    = "comp"
	KeyEntity  = "entity"
	KeyOp      = "op"
	KeyAttempt = "attempt"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

// Comp names the emitting component: timer, wake, recovery, health, ...
func Comp(name string) Field { return String(KeyComp, name) }

// Entity is the scheduled entity id.
func Entity(id string) Field { return String(KeyEntity, id) }

// Op is the registry operation that produced the line (start, expire, drift, ...).
func Op(op string) Field { return String(KeyOp, op) }

// Attempt is the 1-based callback attempt for the current retry streak.
func Attempt(n int) Field { return Int(KeyAttempt, n) }

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }

func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }

func Int64(k string, v int64) Field { return func(e *zerolog.Event) { e.Int64(k, v) } }

func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }

func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }

func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }

func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }

func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err adds the error under "err". A nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}
