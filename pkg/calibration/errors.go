package calibration

import (
	"fmt"
	"strings"
)

// Kind classifies a calibration failure.
type Kind string

const (
	KindDetection    Kind = "DetectionFailure"
	KindMotion       Kind = "MotionFailure"
	KindOvershoot    Kind = "OvershootFailure"
	KindInconsistent Kind = "InconsistentMeasurement"
	KindPrecondition Kind = "ConfigurationPrecondition"
)

// Sentinels for errors.Is. Any *Error of the same Kind matches.
var (
	ErrDetection    = &Error{Kind: KindDetection}
	ErrMotion       = &Error{Kind: KindMotion}
	ErrOvershoot    = &Error{Kind: KindOvershoot}
	ErrInconsistent = &Error{Kind: KindInconsistent}
	ErrPrecondition = &Error{Kind: KindPrecondition}
)

// Error is a failed calibration step. Op says what was being measured, Speed
// and Pass where in a backlash run it happened (zero when not applicable).
type Error struct {
	Kind  Kind
	Op    string
	Axis  string
	Speed float64
	Pass  int
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(splitCamel(string(e.Kind))))
	if e.Op != "" {
		b.WriteString(" while ")
		b.WriteString(e.Op)
	}
	if e.Axis != "" {
		fmt.Fprintf(&b, " on axis %s", e.Axis)
	}
	if e.Speed > 0 {
		fmt.Fprintf(&b, " at speed %.2f pass %d", e.Speed, e.Pass)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserHint returns advice for kinds the user can act on.
func (e *Error) UserHint() string {
	switch e.Kind {
	case KindOvershoot:
		return "the axis overshoots even at the lowest tested speed; reduce acceleration or jerk limits and retry"
	case KindDetection:
		return "make sure the subject is lit, in focus and inside the camera view"
	case KindPrecondition:
		return "run the earlier calibration steps first"
	}
	return ""
}

func splitCamel(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func Detection(op string, err error) *Error {
	return &Error{Kind: KindDetection, Op: op, Err: err}
}

func Motion(op string, err error) *Error {
	return &Error{Kind: KindMotion, Op: op, Err: err}
}

func Precondition(op string, format string, args ...any) *Error {
	return &Error{Kind: KindPrecondition, Op: op, Err: fmt.Errorf(format, args...)}
}
