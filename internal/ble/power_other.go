//go:build !linux

package ble

import "go.uber.org/zap"

// ensurePowered is a no-op where the OS owns the adapter's power state.
func ensurePowered(*zap.Logger) error { return nil }
