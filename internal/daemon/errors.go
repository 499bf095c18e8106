// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import "errors"

var (
	// ErrDriverNotBundled is returned when the configured driver kind has no
	// in-process implementation. The browser driver ships as a separate
	// session runner; this binary only bundles the stub.
	ErrDriverNotBundled = errors.New("driver not bundled with this build")

	// ErrMissingConfig is returned when an App is built from a zero Config.
	ErrMissingConfig = errors.New("config is required")
)
