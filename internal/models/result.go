package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status classifies the outcome of processing one image.
type Status int

const (
	// StatusNotDetected means no candidate image was found.
	StatusNotDetected Status = iota
	// StatusDetected means a loop closure was found (and verified unless trusted).
	StatusDetected
	// StatusNotEnoughImages means the delay buffer is still filling.
	StatusNotEnoughImages
	// StatusNotEnoughIslands means no island cleared the minimum score.
	StatusNotEnoughIslands
	// StatusNotEnoughInliers means geometric verification failed.
	StatusNotEnoughInliers
	// StatusTransition means the hypothesis jumped away from the last loop.
	StatusTransition
)

var statusNames = map[Status]string{
	StatusNotDetected:      "not_detected",
	StatusDetected:         "detected",
	StatusNotEnoughImages:  "not_enough_images",
	StatusNotEnoughIslands: "not_enough_islands",
	StatusNotEnoughInliers: "not_enough_inliers",
	StatusTransition:       "transition",
}

// String returns a string representation of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseStatus maps a status name back to its value.
func ParseStatus(name string) (Status, error) {
	for st, n := range statusNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Result is the outcome for one processed image. TrainID is only
// meaningful when HasCandidate reports true and Inliers only when
// HasInliers reports true. JSON omits them otherwise.
type Result struct {
	Status  Status
	QueryID uint32
	TrainID uint32
	Inliers int
}

type resultJSON struct {
	Status  Status  `json:"status"`
	QueryID uint32  `json:"query_id"`
	TrainID *uint32 `json:"train_id,omitempty"`
	Inliers *int    `json:"inliers,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{Status: r.Status, QueryID: r.QueryID}
	if r.HasCandidate() {
		train := r.TrainID
		out.TrainID = &train
	}
	if r.HasInliers() {
		inliers := r.Inliers
		out.Inliers = &inliers
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var in resultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Result{Status: in.Status, QueryID: in.QueryID}
	if in.TrainID != nil {
		r.TrainID = *in.TrainID
	}
	if in.Inliers != nil {
		r.Inliers = *in.Inliers
	}
	return nil
}

// NewResult returns a result carrying only a status.
func NewResult(status Status, queryID uint32) *Result {
	return &Result{Status: status, QueryID: queryID}
}

// NewCandidateResult returns a result naming a train image.
func NewCandidateResult(status Status, queryID, trainID uint32, inliers int) *Result {
	r := &Result{Status: status, QueryID: queryID, TrainID: trainID}
	if r.HasInliers() {
		r.Inliers = inliers
	}
	return r
}

// IsLoop reports whether a loop closure was detected.
func (r Result) IsLoop() bool {
	return r.Status == StatusDetected
}

// HasCandidate reports whether TrainID carries a meaningful image id.
func (r Result) HasCandidate() bool {
	switch r.Status {
	case StatusDetected, StatusNotEnoughInliers, StatusTransition:
		return true
	}
	return false
}

// HasInliers reports whether Inliers carries a verification count.
func (r Result) HasInliers() bool {
	return r.Status == StatusDetected || r.Status == StatusNotEnoughInliers
}

func (r Result) String() string {
	switch {
	case r.HasInliers():
		return fmt.Sprintf("%d: %s (train %d, %d inliers)", r.QueryID, r.Status, r.TrainID, r.Inliers)
	case r.HasCandidate():
		return fmt.Sprintf("%d: %s (train %d)", r.QueryID, r.Status, r.TrainID)
	default:
		return fmt.Sprintf("%d: %s", r.QueryID, r.Status)
	}
}

// LoopRecord is a persisted detection result.
type LoopRecord struct {
	RunID     string    `json:"run_id"`
	Result    Result    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}
