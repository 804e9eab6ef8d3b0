package models

import "encoding/json"

// ErrorReport is the opaque failure payload a worker records for a unit.
type ErrorReport struct {
	TestID     string  `json:"test_id"`
	WorkerID   string  `json:"worker_id"`
	Output     string  `json:"output"`
	RecordedAt float64 `json:"recorded_at"`
}

// Marshal serializes the report for the error-reports hash.
func (r ErrorReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// ParseErrorReport decodes a stored error-report payload. Payloads written by
// other tooling that aren't JSON objects are preserved verbatim in Output.
func ParseErrorReport(data []byte) ErrorReport {
	var r ErrorReport
	if err := json.Unmarshal(data, &r); err != nil {
		return ErrorReport{Output: string(data)}
	}
	return r
}

// Warning types drained by the supervisor via pop_warnings.
const (
	WarningReservedLostTest = "RESERVED_LOST_TEST"
)

// Warning is a non-fatal protocol event recorded for later inspection.
type Warning struct {
	Type  string            `json:"type"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Marshal serializes the warning for the warnings list.
func (w Warning) Marshal() ([]byte, error) {
	return json.Marshal(w)
}

// Unmarshal decodes a stored warning payload.
func (w *Warning) Unmarshal(data []byte) error {
	return json.Unmarshal(data, w)
}

// UnitResult is the outcome an executor reports for one unit.
type UnitResult struct {
	ID         string  `json:"id"`
	Failed     bool    `json:"failed"`
	DurationMS float64 `json:"duration_ms"`
	Output     string  `json:"output,omitempty"`
}
