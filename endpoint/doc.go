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

// Package endpoint defines the targets requests are sent to.
//
// An [Endpoint] is an immutable host, optional resolved IP and optional
// port. "No port" is distinct from the scheme's default port: the
// default is only applied when dialing, so "example.com" and
// "example.com:443" are different endpoints even for https.
//
// A [Group] is a set of endpoints that may change over time. This
// package provides static groups, [Dynamic] groups whose members the
// application sets, [DNS] groups that follow a resolver, and [Composite]
// groups that merge others. The health package adds health-checked
// groups on top of any of these.
package endpoint
