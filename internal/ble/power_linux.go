//go:build linux

package ble

import (
	"fmt"
	"slices"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	bluezService = "org.bluez"
	adapterPath  = "/org/bluez/hci0"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// ensurePowered checks that BlueZ is running and turns hci0 on if it is off.
// tinygo's Enable does neither and fails with an opaque error instead.
func ensurePowered(log *zap.Logger) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		return fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, bluezService) {
		return fmt.Errorf("%s not found on system bus, is bluetooth.service running?", bluezService)
	}

	obj := conn.Object(bluezService, dbus.ObjectPath(adapterPath))
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return fmt.Errorf("read Powered: %w", err)
	}
	if powered, ok := v.Value().(bool); ok && powered {
		return nil
	}

	log.Info("powering on adapter", zap.String("path", adapterPath))
	if err := obj.Call(propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("set Powered: %w", err)
	}
	return nil
}
