// Copyright 2025 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gravitational/trace"
)

// Cause is the spec §7 error taxonomy a FAILED flow is classified into.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseConfiguration
	CauseAgentUnavailable
	CauseAgentRejected
	CauseAttestationServiceUnavailable
	CauseAttestationRejected
	CauseHandshake
	CauseTransport
	CauseController
)

func (c Cause) String() string {
	switch c {
	case CauseConfiguration:
		return "configuration_error"
	case CauseAgentUnavailable:
		return "agent_unavailable"
	case CauseAgentRejected:
		return "agent_rejected"
	case CauseAttestationServiceUnavailable:
		return "attestation_service_unavailable"
	case CauseAttestationRejected:
		return "attestation_rejected"
	case CauseHandshake:
		return "handshake_error"
	case CauseTransport:
		return "transport_error"
	case CauseController:
		return "controller_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether spec §7 permits retrying the operation that
// produced an error of this cause within the same handshake budget.
func (c Cause) Retryable() bool {
	switch c {
	case CauseAgentUnavailable, CauseAttestationServiceUnavailable:
		return true
	default:
		return false
	}
}

// categorizedError lets an error's origin (attestation client, ratstls,
// netfilter controller) stamp its spec §7 cause explicitly, rather than
// leaving the supervisor to guess from error shape alone.
type categorizedError struct {
	cause Cause
	err   error
}

func (e *categorizedError) Error() string { return e.err.Error() }
func (e *categorizedError) Unwrap() error { return e.err }

// WithCause stamps err with an explicit spec §7 cause category. Origins
// that already know their failure kind (e.g. the attestation client
// returning ErrRejected) should wrap with this instead of letting
// Classify infer it.
func WithCause(cause Cause, err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{cause: cause, err: err}
}

// Classify maps an error raised anywhere in a flow's lifecycle to its
// spec §7 cause category. Errors already stamped via WithCause keep their
// explicit cause; everything else is inferred from error shape, mirroring
// the trace.ConnectionProblem/AccessDenied convention lib/attestation uses.
func Classify(err error) Cause {
	if err == nil {
		return CauseUnknown
	}
	var ce *categorizedError
	if errors.As(err, &ce) {
		return ce.cause
	}
	switch {
	case trace.IsBadParameter(err), trace.IsNotFound(err):
		return CauseConfiguration
	case trace.IsConnectionProblem(err):
		return CauseAgentUnavailable
	case trace.IsAccessDenied(err):
		return CauseAttestationRejected
	case isTransportError(err):
		return CauseTransport
	default:
		return CauseHandshake
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
