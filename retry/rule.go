// Copyright 2023 Buf Technologies, Inc.
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

package retry

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/bufbuild/dispatch"
)

// Decision is the verdict of a Rule about one attempt.
type Decision struct {
	kind    decisionKind
	backoff *Backoff
}

type decisionKind int

const (
	decisionNext decisionKind = iota
	decisionRetry
	decisionNoRetry
)

// Retry decides to retry after the delays of b.
func Retry(b *Backoff) Decision {
	if b == nil {
		b = DefaultBackoff
	}
	return Decision{kind: decisionRetry, backoff: b}
}

// NoRetry decides to stop and return the attempt as is.
func NoRetry() Decision {
	return Decision{kind: decisionNoRetry}
}

// Next leaves the decision to the next rule.
func Next() Decision {
	return Decision{}
}

// Backoff returns the backoff of a decision to retry. The second result
// is false for any other decision.
func (d Decision) Backoff() (*Backoff, bool) {
	return d.backoff, d.kind == decisionRetry
}

// IsNext reports whether the decision defers to the next rule.
func (d Decision) IsNext() bool {
	return d.kind == decisionNext
}

func (d Decision) String() string {
	switch d.kind {
	case decisionRetry:
		return "retry(" + d.backoff.String() + ")"
	case decisionNoRetry:
		return "noRetry"
	default:
		return "next"
	}
}

// Rule decides whether an attempt is retried. It is called with the
// context of the attempt once the attempt has a response or has failed
// with cause. The response status, if any, is in the attempt's log.
type Rule interface {
	ShouldRetry(ctx *dispatch.Context, cause error) Decision
}

// RuleFunc adapts a function to a Rule.
type RuleFunc func(ctx *dispatch.Context, cause error) Decision

// ShouldRetry implements Rule.
func (f RuleFunc) ShouldRetry(ctx *dispatch.Context, cause error) Decision {
	return f(ctx, cause)
}

// Rules combines rules so that the first one that does not return Next
// decides. If every rule returns Next, the result is Next, which the
// retrying client treats as NoRetry.
func Rules(rules ...Rule) Rule {
	flat := make(ruleChain, 0, len(rules))
	for _, rule := range rules {
		switch rule := rule.(type) {
		case nil:
		case ruleChain:
			flat = append(flat, rule...)
		default:
			flat = append(flat, rule)
		}
	}
	return flat
}

// OrElse returns a rule that asks first and then, if first returns Next,
// other.
func OrElse(first, other Rule) Rule {
	return Rules(first, other)
}

type ruleChain []Rule

func (c ruleChain) ShouldRetry(ctx *dispatch.Context, cause error) Decision {
	for _, rule := range c {
		if decision := rule.ShouldRetry(ctx, cause); !decision.IsNext() {
			return decision
		}
	}
	return Next()
}

// OnUnprocessed retries requests that never reached the peer, whatever
// their method.
func OnUnprocessed(b *Backoff) Rule {
	return NewRuleBuilder(allMethods...).OnUnprocessed().ThenBackoff(b)
}

// Failsafe retries unprocessed requests of any method, and idempotent
// requests that failed or got a server error status.
func Failsafe(b *Backoff) Rule {
	return Rules(
		OnUnprocessed(b),
		NewRuleBuilder().OnServerErrorStatus().OnAnyException().ThenBackoff(b),
	)
}

// StatusClass is the first digit of an HTTP status code.
type StatusClass int

// Status classes.
const (
	Informational StatusClass = 1
	Success       StatusClass = 2
	Redirection   StatusClass = 3
	ClientError   StatusClass = 4
	ServerError   StatusClass = 5
)

//nolint:gochecknoglobals
var (
	idempotentMethods = []string{
		http.MethodGet, http.MethodHead, http.MethodPut,
		http.MethodDelete, http.MethodOptions, http.MethodTrace,
	}
	allMethods = []string{
		http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect,
		http.MethodOptions, http.MethodTrace,
	}
)

// RuleBuilder builds a Rule that applies to requests with one of its
// methods and matches when any of its conditions does. A builder with no
// conditions matches every request with one of its methods.
type RuleBuilder struct {
	methods    []string
	conditions []func(ctx *dispatch.Context, cause error) bool
}

// NewRuleBuilder returns a builder for requests with the given methods,
// or with an idempotent method when none are given.
func NewRuleBuilder(methods ...string) *RuleBuilder {
	if len(methods) == 0 {
		methods = idempotentMethods
	}
	normalized := make([]string, len(methods))
	for i, method := range methods {
		normalized[i] = strings.ToUpper(method)
	}
	return &RuleBuilder{methods: normalized}
}

// OnStatusClass matches responses with a status in one of classes.
func (b *RuleBuilder) OnStatusClass(classes ...StatusClass) *RuleBuilder {
	return b.OnStatusFunc(func(status int) bool {
		return slices.Contains(classes, StatusClass(status/100))
	})
}

// OnServerErrorStatus matches 5xx responses.
func (b *RuleBuilder) OnServerErrorStatus() *RuleBuilder {
	return b.OnStatusClass(ServerError)
}

// OnStatus matches responses with one of statuses.
func (b *RuleBuilder) OnStatus(statuses ...int) *RuleBuilder {
	return b.OnStatusFunc(func(status int) bool {
		return slices.Contains(statuses, status)
	})
}

// OnStatusFunc matches responses whose status satisfies match.
func (b *RuleBuilder) OnStatusFunc(match func(status int) bool) *RuleBuilder {
	b.conditions = append(b.conditions, func(ctx *dispatch.Context, cause error) bool {
		if cause != nil {
			return false
		}
		status := ctx.Log().Status()
		return status != 0 && match(status)
	})
	return b
}

// OnException matches failures that wrap target, as errors.Is reports.
func (b *RuleBuilder) OnException(target error) *RuleBuilder {
	return b.OnExceptionFunc(func(_ *dispatch.Context, cause error) bool {
		return errors.Is(cause, target)
	})
}

// OnExceptionFunc matches failures for which match returns true.
func (b *RuleBuilder) OnExceptionFunc(match func(ctx *dispatch.Context, cause error) bool) *RuleBuilder {
	b.conditions = append(b.conditions, func(ctx *dispatch.Context, cause error) bool {
		return cause != nil && match(ctx, cause)
	})
	return b
}

// OnAnyException matches every failure.
func (b *RuleBuilder) OnAnyException() *RuleBuilder {
	return b.OnExceptionFunc(func(*dispatch.Context, error) bool { return true })
}

// OnUnprocessed matches failures of requests that never reached the peer.
func (b *RuleBuilder) OnUnprocessed() *RuleBuilder {
	return b.OnExceptionFunc(func(_ *dispatch.Context, cause error) bool {
		return dispatch.IsUnprocessed(cause)
	})
}

// OnTimeout matches timeouts of the attempt itself: connect, write and
// response timeouts, and selection timeouts.
func (b *RuleBuilder) OnTimeout() *RuleBuilder {
	return b.OnExceptionFunc(func(ctx *dispatch.Context, cause error) bool {
		if !errors.Is(cause, context.DeadlineExceeded) {
			return false
		}
		// A timeout of the whole request leaves nothing to retry in.
		parent := ctx.Parent()
		return parent == nil || parent.Cause() == nil
	})
}

// ThenBackoff returns a rule that retries matching attempts after the
// delays of backoff, or DefaultBackoff when it is nil.
func (b *RuleBuilder) ThenBackoff(backoff *Backoff) Rule {
	return b.build(Retry(backoff))
}

// ThenNoRetry returns a rule that stops at matching attempts.
func (b *RuleBuilder) ThenNoRetry() Rule {
	return b.build(NoRetry())
}

func (b *RuleBuilder) build(decision Decision) Rule {
	methods := slices.Clone(b.methods)
	conditions := slices.Clone(b.conditions)
	return RuleFunc(func(ctx *dispatch.Context, cause error) Decision {
		method := ctx.Method()
		if method == "" {
			method = http.MethodGet
		}
		if !slices.Contains(methods, method) {
			return Next()
		}
		if len(conditions) == 0 {
			return decision
		}
		for _, condition := range conditions {
			if condition(ctx, cause) {
				return decision
			}
		}
		return Next()
	})
}
