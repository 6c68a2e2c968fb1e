package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrCommunication matches every *CommunicationError via errors.Is.
	ErrCommunication = errors.New("gateway: communication failed")

	// ErrNotFound is returned when the gateway answers 404 for a resource.
	ErrNotFound = errors.New("gateway: not found")
)

// CommunicationError describes a failed exchange with the gateway: a
// transport error, a timeout or an unexpected status code.
type CommunicationError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *CommunicationError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gateway %s: communication failed", e.Op)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// Is makes every CommunicationError match ErrCommunication.
func (e *CommunicationError) Is(target error) bool {
	return target == ErrCommunication
}
