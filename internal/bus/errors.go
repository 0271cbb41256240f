// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import "errors"

// Error kind sentinels shared across the control plane. Components
// wrap one of these with fmt.Errorf("%w: ...", ErrX, ...) so callers
// can errors.Is against a stable taxonomy instead of matching strings,
// and so the same vocabulary appears in both event.message values and
// Go error chains.
var (
	ErrConfigInvalid           = errors.New("config.invalid")
	ErrStorageUnavailable      = errors.New("storage.unavailable")
	ErrPolicyDenied            = errors.New("policy.denied")
	ErrAuthDenied              = errors.New("auth.denied")
	ErrRateLimited             = errors.New("rate.limited")
	ErrTTLExpired              = errors.New("ttl.expired")
	ErrApprovalDuplicateSource = errors.New("approval.duplicate_source")
	ErrHandlerUnexpected       = errors.New("handler.unexpected")
	ErrBreakerTripped          = errors.New("breaker.tripped")
)
