// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// StateDir creates a temporary directory suitable for a command bus
// database and order event log, and removes it when the test completes.
func StateDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("", "marketlab-test-*")
	if err != nil {
		t.Fatalf("creating state directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
