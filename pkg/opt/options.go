// Copyright (c) Roman Atachiants and contributors. All rights reserved.
// Licensed under the MIT license. See LICENSE file in the project root for details.

// Package opt wires functional options into the module's configurable
// types.
package opt

// Configure allocates a fresh T, establishes its defaults, then applies
// opts in order and returns the result. Later options win over earlier
// ones. defaults may be nil when the zero value is the default.
func Configure[T any](defaults func(*T), opts ...func(*T)) T {
	cfg := new(T)
	if defaults != nil {
		defaults(cfg)
	}
	for _, apply := range opts {
		apply(cfg)
	}
	return *cfg
}
