package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	jss "github.com/kaptinlin/jsonschema"
)

// DefaultTimeoutMinutes applies when a request carries no positive timeout.
const DefaultTimeoutMinutes = 30

// TaskRequest is consumed from the request topic.
type TaskRequest struct {
	ID             uuid.UUID `json:"id"`
	TaskKey        string    `json:"taskKey"`
	Input          []byte    `json:"input,omitempty"`
	TimeoutMinutes int       `json:"timeoutMinutes,omitempty"`
}

func (r TaskRequest) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: id is missing", ErrInvalidRequest)
	}
	if r.TaskKey == "" {
		return fmt.Errorf("%w: taskKey is empty", ErrInvalidRequest)
	}
	return nil
}

// Timeout converts TimeoutMinutes into a duration, unit being the length of
// one "minute". Production uses time.Minute.
func (r TaskRequest) Timeout(unit time.Duration) time.Duration {
	minutes := r.TimeoutMinutes
	if minutes <= 0 {
		minutes = DefaultTimeoutMinutes
	}
	if unit <= 0 {
		unit = time.Minute
	}
	// saturate instead of overflowing into a negative duration
	if limit := int64(math.MaxInt64 / unit); int64(minutes) > limit {
		return time.Duration(limit) * unit
	}
	return time.Duration(minutes) * unit
}

// TaskResponse is published to the response topic. A single task produces
// a sequence of responses ending with a terminal status.
type TaskResponse struct {
	ID     uuid.UUID  `json:"id"`
	Status TaskStatus `json:"status"`
	Output []byte     `json:"output,omitempty"`
}

func Responded(id uuid.UUID, status TaskStatus) TaskResponse {
	return TaskResponse{ID: id, Status: status}
}

// Failed builds a FAILED response carrying err as a diagnostic.
func Failed(id uuid.UUID, err error) TaskResponse {
	resp := TaskResponse{ID: id, Status: StatusFailed}
	if err != nil {
		resp.Output = []byte(err.Error())
	}
	return resp
}

// Cancellation is consumed from the cancellation topic.
type Cancellation struct {
	ID uuid.UUID `json:"id"`
}

func DecodeRequest(raw []byte) (TaskRequest, error) {
	if err := decodeValid(requestSchema, raw); err != nil {
		return TaskRequest{}, fmt.Errorf("decoding task request: %w", err)
	}
	var req TaskRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TaskRequest{}, fmt.Errorf("decoding task request: %w", err)
	}
	return req, nil
}

func EncodeRequest(req TaskRequest) ([]byte, error) {
	return json.Marshal(req)
}

func DecodeResponse(raw []byte) (TaskResponse, error) {
	var resp TaskResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return TaskResponse{}, fmt.Errorf("decoding task response: %w", err)
	}
	return resp, nil
}

func EncodeResponse(resp TaskResponse) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeCancellation accepts a bare uuid or a json object {"id": "..."}.
func DecodeCancellation(raw []byte) (Cancellation, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		if err := decodeValid(cancellationSchema, raw); err != nil {
			return Cancellation{}, fmt.Errorf("decoding cancellation: %w", err)
		}
		var c Cancellation
		if err := json.Unmarshal(raw, &c); err != nil {
			return Cancellation{}, fmt.Errorf("decoding cancellation: %w", err)
		}
		if c.ID == uuid.Nil {
			return Cancellation{}, fmt.Errorf("decoding cancellation: id is missing")
		}
		return c, nil
	}
	id, err := uuid.ParseBytes(bytes.Trim(raw, `"`))
	if err != nil {
		return Cancellation{}, fmt.Errorf("decoding cancellation: %w", err)
	}
	return Cancellation{ID: id}, nil
}

// decodeValid parses raw as generic JSON and checks it against schema.
func decodeValid(schema *jss.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return validateJSON(schema, doc)
}

func EncodeCancellation(c Cancellation) []byte {
	return []byte(c.ID.String())
}
