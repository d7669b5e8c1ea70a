package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vitaminmoo/improv-tool/internal/improv"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
	"github.com/vitaminmoo/improv-tool/internal/store"
)

// resultGrace is how long to wait for the redirect URL once the device
// reports PROVISIONED.
const resultGrace = 3 * time.Second

// ProvisionError is returned when the device reports an error state after
// receiving credentials.
type ProvisionError struct {
	State protocol.ErrorState
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("device reported %s", e.State)
}

// Outcome is the result of a provisioning attempt.
type Outcome struct {
	Peer        improv.PeerDevice
	DeviceState protocol.DeviceState
	ErrorState  protocol.ErrorState
	Results     []string
}

// Entry converts the outcome into a history entry. Credentials are not part
// of an Outcome and so never reach the store.
func (o *Outcome) Entry(method string) store.Entry {
	e := store.Entry{
		Address:     o.Peer.Address,
		Name:        o.Peer.Name,
		DeviceState: o.DeviceState.String(),
		Results:     o.Results,
		Method:      method,
	}
	if o.ErrorState != protocol.NoError {
		e.ErrorState = o.ErrorState.String()
	}
	return e
}

// Provision connects to target, waits for authorization if the device asks
// for it, sends the Wi-Fi credentials and waits for the device to join.
// The returned Outcome is non-nil whenever a device was reached, even on error.
func (l *Link) Provision(ctx context.Context, target, ssid, passphrase string) (*Outcome, error) {
	if _, err := protocol.SendWifiFrame(ssid, passphrase); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.settings.ProvisionTimeout)
	defer cancel()

	peer, err := l.ConnectTo(ctx, target)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Peer: *peer}
	// The error state read during setup may be left over from an earlier
	// attempt; only reports after it describe this one.
	setupErrSeq := l.status().ErrorSeq
	finish := func(err error) (*Outcome, error) {
		st := l.status()
		out.DeviceState = st.DeviceState
		if st.ErrorSeq > setupErrSeq {
			out.ErrorState = st.ErrorState
		}
		return out, err
	}

	if l.status().DeviceState == protocol.AuthorizationRequired {
		fmt.Fprintln(l.out, "Device requires authorization, press its button to continue...")
		err := l.wait(ctx, func(st status) (bool, error) {
			if err := ready(st); err != nil {
				return false, err
			}
			return st.DeviceState != protocol.AuthorizationRequired, nil
		})
		if err != nil {
			return finish(fmt.Errorf("waiting for authorization: %w", err))
		}
	}

	base := l.status()
	if base.DeviceState == protocol.Provisioned {
		fmt.Fprintln(l.out, "Device is already provisioned, sending new credentials")
	}
	fmt.Fprintf(l.out, "Sending Wi-Fi credentials for %q...\n", ssid)
	if err := l.Session.SendWifi(ssid, passphrase); err != nil {
		return finish(err)
	}

	err = l.wait(ctx, func(st status) (bool, error) {
		if err := ready(st); err != nil {
			return false, err
		}
		if st.ErrorSeq > base.ErrorSeq && st.ErrorState != protocol.NoError {
			return false, &ProvisionError{State: st.ErrorState}
		}
		return st.StateSeq > base.StateSeq && st.DeviceState == protocol.Provisioned, nil
	})
	if err != nil {
		return finish(err)
	}
	fmt.Fprintln(l.out, "Device joined the network")

	graceCtx, graceCancel := context.WithTimeout(ctx, resultGrace)
	err = l.wait(graceCtx, func(st status) (bool, error) {
		return st.ResultSeq > base.ResultSeq, nil
	})
	graceCancel()
	if err == nil {
		out.Results = l.status().Result
	} else if !errors.Is(err, context.DeadlineExceeded) {
		return finish(err)
	}
	return finish(nil)
}

// Identify connects to target and asks it to identify itself.
func (l *Link) Identify(ctx context.Context, target string) (*improv.PeerDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, l.settings.ProvisionTimeout)
	defer cancel()

	peer, err := l.ConnectTo(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := l.Session.Identify(); err != nil {
		return peer, err
	}
	err = l.wait(ctx, func(st status) (bool, error) {
		if err := ready(st); err != nil {
			return false, err
		}
		return st.QueueIdle, nil
	})
	if err != nil {
		return peer, err
	}
	fmt.Fprintf(l.out, "Sent identify to %s\n", peer.DisplayName())
	return peer, nil
}

// Scan scans for the configured scan timeout and returns every device found.
func (l *Link) Scan(ctx context.Context) ([]improv.PeerDevice, error) {
	if err := l.Session.FindDevices(); err != nil {
		return nil, err
	}
	fmt.Fprintf(l.out, "Scanning for %s...\n", l.settings.ScanTimeout)

	scanCtx, cancel := context.WithTimeout(ctx, l.settings.ScanTimeout)
	defer cancel()
	err := l.wait(scanCtx, func(st status) (bool, error) {
		return st.State != improv.Scanning, nil
	})
	_ = l.Session.StopScan()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return l.Session.Devices(), nil
}

// PrintDevices lists scan results.
func (l *Link) PrintDevices(devices []improv.PeerDevice) {
	if len(devices) == 0 {
		fmt.Fprintln(l.out, "No Improv devices found")
		return
	}
	fmt.Fprintf(l.out, "\nFound %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(l.out, "  %-17s  %s\n", d.Address, d.DisplayName())
	}
}

// PrintOutcome shows the result of a provisioning attempt.
func (l *Link) PrintOutcome(o *Outcome) {
	fmt.Fprintf(l.out, "\nDevice:       %s (%s)\n", o.Peer.DisplayName(), o.Peer.Address)
	fmt.Fprintf(l.out, "State:        %s\n", o.DeviceState)
	if o.ErrorState != protocol.NoError {
		fmt.Fprintf(l.out, "Error:        %s\n", o.ErrorState)
	}
	for _, r := range o.Results {
		fmt.Fprintf(l.out, "Result:       %s\n", r)
	}
}
