package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

var (
	// ErrInvalidJob indicates a job payload that can never be processed.
	ErrInvalidJob = errors.New("invalid export job")
	// ErrInvalidAddress indicates a target email that failed validation.
	ErrInvalidAddress = errors.New("invalid email address")
)

// Job is the wire payload of one export request, published by the API and
// consumed by the worker. The retry count is not part of the body; it rides
// in the x-retry-count message header.
type Job struct {
	PlaylistID  string `json:"playlistId"`
	TargetEmail string `json:"targetEmail"`
}

// Validate checks the job for conditions that make it unprocessable.
// All validation failures are permanent: retrying a malformed job can
// never succeed.
func (j Job) Validate() error {
	if j.PlaylistID == "" {
		return Permanent(fmt.Errorf("%w: playlistId is required", ErrInvalidJob))
	}
	if err := ValidateAddress(j.TargetEmail); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}
	return nil
}

// Decode parses and validates a message body.
func Decode(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, Permanent(fmt.Errorf("%w: %v", ErrInvalidJob, err))
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// ValidateAddress checks that addr is a plain email address with non-empty
// local and domain parts.
func ValidateAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	at := strings.LastIndex(parsed.Address, "@")
	if at <= 0 || at == len(parsed.Address)-1 {
		return fmt.Errorf("%w: missing local or domain part", ErrInvalidAddress)
	}
	return nil
}
