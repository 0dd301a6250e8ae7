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

// Package picker provides functionality for picking an endpoint.
// This is used by a dispatch.HTTPClient to select the target of a given
// request.
//
// This package defines the core interface, [Picker], which is used to
// select a single endpoint from the members of an endpoint group, and
// the [Selector], which keeps a picker current as the group changes and
// waits, with a timeout, for a group that has no members yet.
//
// This package also contains numerous implementations, all in the form
// of various functions whose names start with "New". Each such function
// produces pickers that implement a particular picking algorithm, like
// round-robin, random, least-loaded or sticky.
//
// The weighted implementations use [endpoint.Endpoint.Weight]. None of
// them make use of custom attributes, but custom [Picker]
// implementations could, for example to prefer backends in zones that
// are geographically closer.
package picker
