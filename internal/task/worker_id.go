package task

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidWorkerID = errors.New("invalid worker id")

// WorkerID identifies one worker process among Total cooperating processes.
// A row belongs to the worker whose Assigned-1 equals task_number mod Total.
type WorkerID struct {
	Assigned uint32
	Total    uint32
}

// OneWorker is the id of a single-process deployment.
var OneWorker = WorkerID{Assigned: 1, Total: 1}

// NewWorkerID validates assigned and total: both at least 1, assigned <= total.
func NewWorkerID(assigned, total uint32) (WorkerID, error) {
	id := WorkerID{Assigned: assigned, Total: total}
	if err := id.Validate(); err != nil {
		return WorkerID{}, err
	}
	return id, nil
}

// MustWorkerID is NewWorkerID for constants and tests.
func MustWorkerID(assigned, total uint32) WorkerID {
	id, err := NewWorkerID(assigned, total)
	if err != nil {
		panic(err)
	}
	return id
}

func (w WorkerID) Validate() error {
	if w.Assigned < 1 {
		return fmt.Errorf("%w: assigned must be at least 1", ErrInvalidWorkerID)
	}
	if w.Total < 1 {
		return fmt.Errorf("%w: total must be at least 1", ErrInvalidWorkerID)
	}
	if w.Assigned > w.Total {
		return fmt.Errorf("%w: assigned (%d) must not exceed total (%d)", ErrInvalidWorkerID, w.Assigned, w.Total)
	}
	return nil
}

// Owns reports whether a row with the given task_number belongs to w.
func (w WorkerID) Owns(taskNumber int64) bool {
	if w.Total == 0 {
		return false
	}
	return taskNumber%int64(w.Total) == int64(w.Assigned)-1
}

func (w WorkerID) String() string {
	return fmt.Sprintf("(%d, %d)", w.Assigned, w.Total)
}

// ParseWorkerID accepts "a/t", "a,t" or "(a, t)".
func ParseWorkerID(s string) (WorkerID, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == '/' || r == ',' })
	if len(parts) != 2 {
		return WorkerID{}, fmt.Errorf("%w: %q (use assigned/total)", ErrInvalidWorkerID, s)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return WorkerID{}, fmt.Errorf("%w: assigned: %v", ErrInvalidWorkerID, err)
	}
	t, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return WorkerID{}, fmt.Errorf("%w: total: %v", ErrInvalidWorkerID, err)
	}
	return NewWorkerID(uint32(a), uint32(t))
}

// UnmarshalJSON accepts a sequence [assigned, total], a map with "assigned"
// (or "id") and "total", or a string understood by ParseWorkerID.
func (w *WorkerID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidWorkerID)
	}
	var id WorkerID
	switch b[0] {
	case '[':
		var seq []uint32
		if err := json.Unmarshal(b, &seq); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWorkerID, err)
		}
		if len(seq) != 2 {
			return fmt.Errorf("%w: expected [assigned, total], got %d values", ErrInvalidWorkerID, len(seq))
		}
		id = WorkerID{Assigned: seq[0], Total: seq[1]}
	case '{':
		var m struct {
			Assigned *uint32 `json:"assigned"`
			ID       *uint32 `json:"id"`
			Total    *uint32 `json:"total"`
		}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidWorkerID, err)
		}
		switch {
		case m.Assigned != nil && m.ID != nil:
			return fmt.Errorf("%w: both assigned and id are set", ErrInvalidWorkerID)
		case m.Assigned != nil:
			id.Assigned = *m.Assigned
		case m.ID != nil:
			id.Assigned = *m.ID
		default:
			return fmt.Errorf("%w: missing assigned", ErrInvalidWorkerID)
		}
		if m.Total == nil {
			return fmt.Errorf("%w: missing total", ErrInvalidWorkerID)
		}
		id.Total = *m.Total
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseWorkerID(s)
		if err != nil {
			return err
		}
		id = parsed
	default:
		return fmt.Errorf("%w: unsupported value %s", ErrInvalidWorkerID, string(b))
	}
	if err := id.Validate(); err != nil {
		return err
	}
	*w = id
	return nil
}

func (w WorkerID) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint32{w.Assigned, w.Total})
}

// Decode implements envconfig.Decoder.
func (w *WorkerID) Decode(value string) error {
	id, err := ParseWorkerID(value)
	if err != nil {
		return err
	}
	*w = id
	return nil
}
