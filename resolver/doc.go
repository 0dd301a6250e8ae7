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

// Package resolver provides functionality for name resolution.
// Name resolution is the process of resolving a host name into one or
// more addresses, each an IP and port (and optionally custom metadata)
// of a server for that name.
//
// It contains the core interface ([Resolver]) that can be implemented
// to create a custom name resolution strategy. The interface is general
// enough that it can support any form of resolver, including ones that
// are backed by push mechanisms (like "watching" nodes in etcd or
// resources in Kubernetes).
//
// # Default Implementation
//
// This package contains a default implementation that uses periodic
// polling via a [ResolveProber]. Records are re-queried when their TTL
// runs out, on demand (rate limited by a minimum refresh interval) and
// with backoff after errors.
//
// Two probers are included. [NewDNSResolver] queries names with a
// [DNSClient], a small stub resolver that speaks DNS over UDP, retries
// over TCP when a response is truncated, applies search domains and
// ndots the way /etc/resolv.conf describes them, and caches answers
// (including negative ones) for their TTL. Names ending in a dot are
// queried and cached exactly as given. Any [AddressResolver], such as
// [SystemResolver], can be used instead.
//
// # Address Families
//
// An [AddressFamilyPolicy] selects which of the A and AAAA answers are
// kept, preferring or requiring one family.
//
// # Subsetting
//
// Subsetting can be achieved via a Receiver decorator that intercepts the
// addresses, selects a subset, and sends the subset to the underlying Receiver.
//
// This decorator pattern is implemented by RendezvousHashSubsetter, which
// is a Resolver decorator. When the resolver's New method is called, it wraps
// the given Receiver with a decorator that computes the subset using
// rendezvous-hashing. It then passes that decorated Receiver to the underlying
// Resolver.
package resolver
