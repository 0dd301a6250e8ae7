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

package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
)

// Client executes a request within a request context. The terminal
// client sends it over the network; decorators wrap a Client to add
// behavior such as retries, logging or tracing.
//
// The response body, if any, must be closed by the caller. The request
// context is complete once the body has been consumed or closed, or
// once Execute returns an error.
type Client interface {
	Execute(ctx *Context, req *http.Request) (*http.Response, error)
}

// ClientFunc adapts a function to a Client.
type ClientFunc func(ctx *Context, req *http.Request) (*http.Response, error)

// Execute implements Client.
func (f ClientFunc) Execute(ctx *Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Decorator wraps a Client. The returned Client must implement
// Unwrapper and unwrap to the given delegate.
type Decorator func(delegate Client) Client

// Unwrapper is implemented by decorating clients.
type Unwrapper interface {
	Unwrap() Client
}

// Decorate applies decorators to client in order, so the last one is the
// outermost. It fails if a decorator returns nil, or a client that does
// not unwrap to its delegate.
func Decorate(client Client, decorators ...Decorator) (Client, error) {
	for i, decorator := range decorators {
		if decorator == nil {
			continue
		}
		decorated := decorator(client)
		if decorated == nil {
			return nil, fmt.Errorf("decorator #%d returned nil", i)
		}
		unwrapper, ok := decorated.(Unwrapper)
		if !ok {
			return nil, fmt.Errorf("decorator #%d returned %T, which does not implement Unwrap() Client", i, decorated)
		}
		if !sameClient(unwrapper.Unwrap(), client) {
			return nil, fmt.Errorf("decorator #%d returned %T, which does not unwrap to its delegate", i, decorated)
		}
		client = decorated
	}
	return client, nil
}

func sameClient(a, b Client) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	typeA, typeB := reflect.TypeOf(a), reflect.TypeOf(b)
	if typeA != typeB {
		return false
	}
	if typeA.Comparable() {
		return a == b
	}
	if typeA.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	// Not comparable, such as a struct holding a slice. Same type is the
	// best available evidence.
	return true
}

// As finds the first client of type T in the decorator chain of client,
// starting with client itself and following Unwrap.
func As[T any](client Client) (T, bool) {
	for client != nil {
		if found, ok := client.(T); ok {
			return found, true
		}
		unwrapper, ok := client.(Unwrapper)
		if !ok {
			break
		}
		client = unwrapper.Unwrap()
	}
	var zero T
	return zero, false
}

// DecoratorFunc returns a Decorator for a function that intercepts
// requests. The intercept function receives the delegate to call.
func DecoratorFunc(intercept func(delegate Client, ctx *Context, req *http.Request) (*http.Response, error)) Decorator {
	return func(delegate Client) Client {
		return &funcClient{delegate: delegate, intercept: intercept}
	}
}

type funcClient struct {
	delegate  Client
	intercept func(Client, *Context, *http.Request) (*http.Response, error)
}

func (c *funcClient) Execute(ctx *Context, req *http.Request) (*http.Response, error) {
	return c.intercept(c.delegate, ctx, req)
}

func (c *funcClient) Unwrap() Client {
	return c.delegate
}

var errNilResponse = errors.New("client returned neither a response nor an error")
