// Copyright 2025 The Trendwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package plugin

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions collector failures by disposition.
type Class string

const (
	// ClassConfig is fatal for the plugin: it is disabled until operator
	// intervention.
	ClassConfig Class = "config"
	// ClassNetwork is transient and retried with backoff within a tick.
	ClassNetwork Class = "network"
	// ClassParse is permanent for the current payload; the tick moves on.
	ClassParse Class = "parse"
	// ClassQuota is transient and may carry a retry-after hint.
	ClassQuota Class = "quota"
	// ClassUnknown covers unclassified errors; treated as transient.
	ClassUnknown Class = "unknown"
)

// ConfigError reports missing or invalid plugin configuration, e.g. absent
// credentials. Permanent: the scheduler disables the plugin.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugin config error: %s", e.Reason)
}

// NetworkError wraps a transient transport failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports an unparseable payload. Permanent for the current tick.
type ParseError struct {
	Detail string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("parse error: %s", e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// QuotaError reports an upstream quota rejection. Transient; RetryAfter, if
// positive, is surfaced to the scheduler.
type QuotaError struct {
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("quota exceeded, retry after %s", e.RetryAfter)
	}
	return "quota exceeded"
}

// Classify determines the failure class of a collector error.
func Classify(err error) Class {
	var (
		ce *ConfigError
		ne *NetworkError
		pe *ParseError
		qe *QuotaError
	)
	switch {
	case errors.As(err, &ce):
		return ClassConfig
	case errors.As(err, &ne):
		return ClassNetwork
	case errors.As(err, &pe):
		return ClassParse
	case errors.As(err, &qe):
		return ClassQuota
	default:
		return ClassUnknown
	}
}

// Transient reports whether the error may be retried within the tick.
func Transient(err error) bool {
	switch Classify(err) {
	case ClassNetwork, ClassQuota, ClassUnknown:
		return true
	default:
		return false
	}
}

// RetryAfter extracts an upstream retry-after hint, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) && qe.RetryAfter > 0 {
		return qe.RetryAfter, true
	}
	return 0, false
}
