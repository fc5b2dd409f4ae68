package events

import "encoding/json"

// Event name constants
const (
	CalibrationPhase  = "calibration.phase"
	CalibrationAction = "calibration.action"
	CalibrationResult = "calibration.result"
	ScheduleUpcoming  = "schedule.upcoming"
)

// Event is a generic event from the daemon, sent over SSE or a websocket.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

// CalibrationPhaseEvent is published whenever a running procedure changes
// phase, speed or pass.
type CalibrationPhaseEvent struct {
	Procedure string  `json:"procedure"`
	Target    string  `json:"target,omitempty"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Speed     float64 `json:"speed,omitempty"`
	Pass      int     `json:"pass,omitempty"`
	Ts        int64   `json:"ts"`
}

// CalibrationActionEvent reports an operator or scheduler action.
type CalibrationActionEvent struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Ts      int64  `json:"ts"`
}

// CalibrationResultEvent is published once per finished procedure.
type CalibrationResultEvent struct {
	Procedure string          `json:"procedure"`
	Target    string          `json:"target,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Hint      string          `json:"hint,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Ts        int64           `json:"ts"`
}

// ScheduleUpcomingEvent warns that a scheduled verification is about to
// move the machine.
type ScheduleUpcomingEvent struct {
	RunAt int64 `json:"runAt"`
	Ts    int64 `json:"ts"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is empty,
// it returns the zero value of T with a nil error.
//
// Example:
//
//	payload, err := events.DecodeAs[events.CalibrationPhaseEvent](ev)
//	if err != nil { /* handle */ }
//	fmt.Println(payload.From, payload.To)
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
