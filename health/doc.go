// Copyright 2023-2025 Buf Technologies, Inc.
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

// Package health provides pluggable health checking for endpoint groups.
//
// This package defines the core types [Checker], which creates health
// check processes for endpoints, and [Tracker], which is how a health
// check process communicates results back.
//
// The [Checker] interface is very general and allows health-checking
// strategies of many shapes, including those that might consult separate
// ("look aside") data sources for health. This package also includes a
// default implementation that does periodic polling using a given
// [Prober], with thresholds of consecutive results before the state of
// an endpoint flips. The HTTP prober sends a request to the endpoint and
// examines the response.
//
// [NewCheckedGroup] wraps any endpoint group so that only endpoints that
// pass their checks are members.
package health
