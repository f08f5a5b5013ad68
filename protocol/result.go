package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// ResultType is the outcome code of a command response.
type ResultType int

const (
	ResultOK          ResultType = 0 // Handler produced a payload
	ResultNoData      ResultType = 1 // Handler ran but found nothing
	ResultUnavailable ResultType = 2 // Unsupported command or capability absent
)

// CommandResult is the value placed under "result" in a command response.
type CommandResult struct {
	Responded bool       `json:"responded"`
	Type      ResultType `json:"type"`
	Result    *string    `json:"result,omitempty"`
	StatsName string     `json:"stats_name,omitempty"`
}

// Success is a type 0 result carrying payload.
func Success(payload string) CommandResult {
	return CommandResult{Responded: true, Type: ResultOK, Result: &payload}
}

// StatsSuccess is a type 0 result for a ranking lookup.
func StatsSuccess(statsName, payload string) CommandResult {
	r := Success(payload)
	r.StatsName = statsName
	return r
}

// NoData is a type 1 result.
func NoData() CommandResult {
	return CommandResult{Responded: true, Type: ResultNoData}
}

// Unavailable is a type 2 result.
func Unavailable() CommandResult {
	return CommandResult{Responded: true, Type: ResultUnavailable}
}

// MergeResult returns a copy of request with its "result" field set to
// result. Every other byte of the request is kept as received so the hub can
// correlate the response with its pending command.
//
// Parameters:
//   - request: The raw command envelope
//   - result: The handler outcome
//
// Returns:
//   - The response payload
//   - An error if request is not a JSON object
func MergeResult(request []byte, result CommandResult) ([]byte, error) {
	value, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal command result: %w", err)
	}

	out := make([]byte, len(request))
	copy(out, request)

	merged, err := sjson.SetRawBytes(out, "result", value)
	if err != nil {
		return nil, fmt.Errorf("merge command result: %w", err)
	}

	return merged, nil
}
