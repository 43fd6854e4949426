// Package thumbnail derives resized variants of uploaded images. Jobs travel
// through a Queue and are consumed by a Processor.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Widths are the variant widths generated for every image, largest first.
var Widths = []int{500, 250, 100}

var (
	// ErrPermanent marks failures that a rerun of the same job cannot fix.
	ErrPermanent = errors.New("permanent thumbnail failure")
	// ErrUndecodable is returned by a Resizer for bytes that are not a
	// supported image.
	ErrUndecodable = errors.New("image cannot be decoded")
)

// Job asks for the variants of one image owned by UserID.
type Job struct {
	FileID string `json:"fileId"`
	UserID string `json:"userId"`
}

// Validate reports missing identifiers as permanent failures.
func (j Job) Validate() error {
	if strings.TrimSpace(j.FileID) == "" {
		return fmt.Errorf("%w: missing fileId", ErrPermanent)
	}
	if strings.TrimSpace(j.UserID) == "" {
		return fmt.Errorf("%w: missing userId", ErrPermanent)
	}
	return nil
}

// Delivery is a job handed to a consumer. Ack must be called once the job
// has been attempted; unacknowledged deliveries are redelivered.
type Delivery struct {
	ID  string
	Job Job
	Ack func(ctx context.Context) error
}

// PartialError reports a job where some variants could not be written.
type PartialError struct {
	FailedWidths []int
	Err          error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("thumbnail variants %v failed: %v", e.FailedWidths, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// Failure is the notification emitted for every job that did not complete.
type Failure struct {
	JobID        string
	FileID       string
	UserID       string
	Err          error
	Permanent    bool
	FailedWidths []int
	At           time.Time
}

func (f Failure) Error() string {
	kind := "transient"
	if f.Permanent {
		kind = "permanent"
	} else if len(f.FailedWidths) > 0 {
		kind = "partial"
	}
	return fmt.Sprintf("thumbnail job %s (%s) file %s: %v", f.JobID, kind, f.FileID, f.Err)
}

func newFailure(d Delivery, err error, at time.Time) Failure {
	failure := Failure{
		JobID:     d.ID,
		FileID:    d.Job.FileID,
		UserID:    d.Job.UserID,
		Err:       err,
		Permanent: errors.Is(err, ErrPermanent),
		At:        at,
	}
	var partial *PartialError
	if errors.As(err, &partial) {
		failure.FailedWidths = append([]int(nil), partial.FailedWidths...)
	}
	return failure
}
