package identity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUserNotFound   = errors.New("identity: user not found")
	ErrNoAccessToken  = errors.New("identity: no access token in response")
	ErrNoUserLocation = errors.New("identity: no Location header in create response")
)

// RequestError reports a failed request against the identity provider.
// Status and Body are set for non-2xx responses; Err for transport and
// decode failures.
type RequestError struct {
	Op        string
	Status    int
	Body      string
	Err       error
	Timestamp time.Time
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("identity request error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("identity request error: %s failed with status %d: %s", e.Op, e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }
