package domain

import "time"

// Measurement is one observed gateway operation. It is built once on the
// request path and never mutated afterwards.
type Measurement struct {
	ID                string
	ServiceID         string
	ApplicationID     string
	UserID            string
	OperationName     string
	OperationType     string
	LatencyMS         float64
	HasErrors         bool
	StatusCode        int
	RequestSizeBytes  int64
	ResponseSizeBytes int64
	RequestID         string
	ClientIP          string
	UserAgent         string
	AuthType          string
	RecordedDate      time.Time
	RecordedHour      int
	CreatedAt         time.Time
}

// Bucket stamps the UTC date and hour buckets derived from the capture time.
func (m *Measurement) Bucket(at time.Time) {
	utc := at.UTC()
	m.RecordedDate = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	m.RecordedHour = utc.Hour()
	m.CreatedAt = utc
}

// Identity is the tenant a request is attributed to. UserID may be empty.
type Identity struct {
	ServiceID     string
	ApplicationID string
	UserID        string
}

// OperationResult carries the outcome of one executed operation as reported
// by the execution engine.
type OperationResult struct {
	ErrorCount        int
	StatusCode        int
	RequestSizeBytes  int64
	ResponseSizeBytes int64
	ClientIP          string
	UserAgent         string
	AuthType          string
}

// HasErrors reports whether the operation produced at least one error.
func (r OperationResult) HasErrors() bool {
	return r.ErrorCount > 0 || r.StatusCode >= 500
}
