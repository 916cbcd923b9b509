package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// AssumeRoleError reports that a tenant role could not be assumed. It is
// permanent: an immediate retry will not succeed. It still surfaces as an
// ordinary item failure so redelivery policy governs recovery.
type AssumeRoleError struct {
	TenantID string
	RoleARN  string
	Err      error
}

func (e *AssumeRoleError) Error() string {
	return fmt.Sprintf("assume role %s for tenant %s: %v", e.RoleARN, e.TenantID, e.Err)
}

func (e *AssumeRoleError) Unwrap() error { return e.Err }

// Permanent marks the error as not worth an immediate retry.
func (e *AssumeRoleError) Permanent() bool { return true }

// WriteError reports a failed destination write.
type WriteError struct {
	Target Target
	// Call is the 1-based sub-batch index that failed; 0 when the failure
	// happened while preparing the stream.
	Call int
	Err  error
}

func (e *WriteError) Error() string {
	if e.Call == 0 {
		return fmt.Sprintf("prepare %s: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("write %s (call %d): %v", e.Target, e.Call, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is marked permanent anywhere in its chain.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	if errors.As(err, &p) {
		return p.Permanent()
	}
	return false
}

// Class is a coarse error category used in logs and metrics.
type Class string

const (
	ClassNone      Class = ""
	ClassAuth      Class = "auth"
	ClassThrottled Class = "throttled"
	ClassTimeout   Class = "timeout"
	ClassNotFound  Class = "not_found"
	ClassOther     Class = "other"
)

var authCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnrecognizedClientException": true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"RegionDisabledException":     true,
}

var throttleCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"ServiceUnavailableException":            true,
	"ProvisionedThroughputExceededException": true,
}

// Classify maps err to a Class from its API error code or context state.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case authCodes[code]:
			return ClassAuth
		case throttleCodes[code]:
			return ClassThrottled
		case code == "ResourceNotFoundException":
			return ClassNotFound
		}
	}
	var are *AssumeRoleError
	if errors.As(err, &are) {
		return ClassAuth
	}
	return ClassOther
}
