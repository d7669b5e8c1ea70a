package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/config"
	"github.com/vitaminmoo/improv-tool/internal/improv"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

var (
	// ErrNoDevice is returned when a scan ends without finding the target.
	ErrNoDevice = errors.New("no matching Improv device found")
	// ErrLinkLost is returned when the device goes away mid-flow.
	ErrLinkLost = errors.New("device disconnected")
)

// pollInterval re-checks wait conditions that have no observer callback,
// such as the queue draining.
const pollInterval = 100 * time.Millisecond

// Link runs a Session on a transport for the lifetime of one command.
type Link struct {
	Session *improv.Session

	settings config.Settings
	log      *zap.Logger
	out      io.Writer
	watch    *watcher
	unsub    func()
	cancel   context.CancelFunc
	done     chan error
}

// NewLink starts a session on t. Progress messages go to out.
func NewLink(t ble.Transport, settings config.Settings, log *zap.Logger, out io.Writer) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	if out == nil {
		out = os.Stdout
	}
	s := improv.NewSession(t,
		improv.WithLogger(log.Named("session")),
		improv.WithMTU(settings.MTU),
		improv.WithOperationTimeout(settings.OperationTimeout))

	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		Session:  s,
		settings: settings,
		log:      log,
		out:      out,
		watch:    newWatcher(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	l.unsub = s.Subscribe(l.watch)
	go func() { l.done <- s.Run(ctx) }()
	return l
}

// OpenAdapter enables the host Bluetooth adapter and starts a session on it.
func OpenAdapter(settings config.Settings) (*Link, error) {
	log := config.Logger()
	a := ble.NewAdapter(log.Named("adapter"))
	config.Debugf("Enabling Bluetooth adapter...")
	if err := a.Enable(); err != nil {
		return nil, err
	}
	return NewLink(a, settings, log, os.Stdout), nil
}

// Close drops any link and stops the session.
func (l *Link) Close() error {
	if err := l.Session.Disconnect(); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := l.wait(ctx, func(st status) (bool, error) {
			return st.State == improv.Disconnected, nil
		})
		cancel()
		if err != nil {
			l.log.Warn("disconnect did not complete", zap.Error(err))
		}
	}
	_ = l.Session.StopScan()
	l.unsub()
	l.cancel()
	if err := <-l.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// status is a snapshot of what the session has reported so far. The Seq
// fields count notifications so callers can tell new reports from old ones.
type status struct {
	State       improv.SessionState
	Devices     []improv.PeerDevice
	DeviceState protocol.DeviceState
	StateSeq    int
	ErrorState  protocol.ErrorState
	ErrorSeq    int
	Result      []string
	ResultSeq   int
	QueueIdle   bool
}

func (l *Link) status() status {
	st := l.watch.snapshot()
	st.State = l.Session.State()
	st.Devices = l.Session.Devices()
	st.QueueIdle = l.Session.Queue().InFlight() == nil && l.Session.Queue().Len() == 0
	return st
}

// wait blocks until cond is satisfied, returns an error, or ctx is done.
func (l *Link) wait(ctx context.Context, cond func(status) (bool, error)) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		ok, err := cond(l.status())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.watch.changed:
		case <-tick.C:
		}
	}
}

// watcher is the Observer behind wait: it keeps the latest reports and
// wakes any waiter.
type watcher struct {
	changed chan struct{}

	mu sync.Mutex
	st status
}

func newWatcher() *watcher {
	return &watcher{changed: make(chan struct{}, 1)}
}

func (w *watcher) snapshot() status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.st
}

func (w *watcher) update(fn func(*status)) {
	w.mu.Lock()
	fn(&w.st)
	w.mu.Unlock()
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *watcher) OnScanningChanged(bool)             { w.update(func(*status) {}) }
func (w *watcher) OnPeerDiscovered(improv.PeerDevice) { w.update(func(*status) {}) }
func (w *watcher) OnConnectionChanged(p *improv.PeerDevice) {
	w.update(func(st *status) {
		if p != nil {
			st.DeviceState = 0
		}
	})
}

func (w *watcher) OnDeviceStateChanged(s protocol.DeviceState) {
	w.update(func(st *status) {
		st.DeviceState = s
		st.StateSeq++
	})
}

func (w *watcher) OnErrorStateChanged(e protocol.ErrorState) {
	w.update(func(st *status) {
		st.ErrorState = e
		st.ErrorSeq++
	})
}

func (w *watcher) OnRPCResult(r []string) {
	w.update(func(st *status) {
		st.Result = r
		st.ResultSeq++
	})
}

// matches reports whether d is the device the user asked for: an empty
// target matches anything, otherwise the address or the name must match.
func matches(d improv.PeerDevice, target string) bool {
	if target == "" {
		return true
	}
	return strings.EqualFold(d.Address, target) || d.Name == target
}

// ConnectTo scans for target, connects to it and waits until the session is
// ready and every setup read has been answered, so reports that follow are
// fresh.
func (l *Link) ConnectTo(ctx context.Context, target string) (*improv.PeerDevice, error) {
	if err := l.Session.FindDevices(); err != nil {
		return nil, err
	}
	if target == "" {
		fmt.Fprintln(l.out, "Scanning for Improv devices...")
	} else {
		fmt.Fprintf(l.out, "Scanning for %s...\n", target)
	}

	scanCtx, cancel := context.WithTimeout(ctx, l.settings.ScanTimeout)
	var peer improv.PeerDevice
	err := l.wait(scanCtx, func(st status) (bool, error) {
		for _, d := range st.Devices {
			if matches(d, target) {
				peer = d
				return true, nil
			}
		}
		if st.State != improv.Scanning {
			return false, errors.New("scan stopped")
		}
		return false, nil
	})
	cancel()
	if err != nil {
		_ = l.Session.StopScan()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNoDevice
		}
		return nil, err
	}

	fmt.Fprintf(l.out, "Connecting to %s (%s)...\n", peer.DisplayName(), peer.Address)
	if err := l.Session.Connect(peer.Address); err != nil {
		return nil, err
	}
	err = l.wait(ctx, func(st status) (bool, error) {
		switch st.State {
		case improv.Disconnected:
			return false, fmt.Errorf("failed to connect to %s: %w", peer.Address, ErrLinkLost)
		case improv.Ready:
			return st.DeviceState != 0 && st.QueueIdle, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	config.Debugf("Connected, device state %s", l.Session.DeviceState())
	return &peer, nil
}

// ready fails once the session has left Ready.
func ready(st status) error {
	if st.State != improv.Ready {
		return ErrLinkLost
	}
	return nil
}

// ConfirmAction prompts the user to type 'yes' to continue.
// Returns true if confirmed, false otherwise.
func ConfirmAction(prompt string) bool {
	fmt.Print(prompt)

	reader := bufio.NewReader(os.Stdin)
	confirm, _ := reader.ReadString('\n')
	confirm = strings.TrimSpace(confirm)

	return confirm == "yes"
}
