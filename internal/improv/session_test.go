package improv

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/ble/bletest"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
)

// recorder is an Observer that logs every callback as a short string.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) OnScanningChanged(b bool)                    { r.add("scanning=%v", b) }
func (r *recorder) OnPeerDiscovered(p PeerDevice)               { r.add("peer=%s/%s", p.Address, p.Name) }
func (r *recorder) OnRPCResult(res []string)                    { r.add("result=%s", strings.Join(res, ",")) }
func (r *recorder) OnErrorStateChanged(e protocol.ErrorState)   { r.add("error=%s", e) }
func (r *recorder) OnDeviceStateChanged(s protocol.DeviceState) { r.add("state=%s", s) }

func (r *recorder) OnConnectionChanged(p *PeerDevice) {
	if p == nil {
		r.add("connection=nil")
		return
	}
	r.add("connection=%s", p.Address)
}

type harness struct {
	t   *testing.T
	tr  *bletest.Transport
	s   *Session
	obs *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	tr := bletest.New()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s := NewSession(tr, opts...)
	obs := &recorder{}
	s.Subscribe(obs)
	return &harness{t: t, tr: tr, s: s, obs: obs}
}

// lastCall returns the most recent transport call.
func (h *harness) lastCall() ble.Operation {
	h.t.Helper()
	calls := h.tr.Calls()
	if len(calls) == 0 {
		h.t.Fatal("no transport calls")
	}
	return calls[len(calls)-1]
}

func (h *harness) expectState(want SessionState) {
	h.t.Helper()
	if got := h.s.State(); got != want {
		h.t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) expectEvents(want ...string) {
	h.t.Helper()
	got := h.obs.take()
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		h.t.Fatalf("observer events = %q, want %q", got, want)
	}
}

// scanAndConnect drives the session from Idle to SettingUp with the MTU request in flight.
func (h *harness) scanAndConnect() {
	h.t.Helper()
	if err := h.s.FindDevices(); err != nil {
		h.t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	h.s.Handle(ble.PeerDiscovered{Address: "2", Name: "B", Handle: bletest.Handle("2")})
	if err := h.s.Connect("1"); err != nil {
		h.t.Fatal(err)
	}
	h.s.Handle(ble.ConnectionChanged{Address: "1", Connected: true})
	h.obs.take()
	h.tr.Reset()
}

// setUp drives the session all the way to Ready with every subscription done.
func (h *harness) setUp() {
	h.t.Helper()
	h.scanAndConnect()
	h.s.Handle(ble.MTUChanged{MTU: 517})
	h.s.Handle(ble.ServicesDiscovered{Services: []string{ble.ServiceUUID}})
	for _, c := range []ble.CharID{ble.CharCurrentState, ble.CharErrorState, ble.CharRPCResult} {
		h.s.Handle(ble.CharacteristicRead{Char: c})
		h.s.Handle(ble.DescriptorWritten{Char: c})
	}
	if h.s.Queue().InFlight() != nil {
		h.t.Fatalf("setup left %v in flight", h.s.Queue().InFlight())
	}
	h.obs.take()
	h.tr.Reset()
}

func TestSessionConnectScenario(t *testing.T) {
	h := newHarness(t)

	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.expectState(Scanning)
	if !h.tr.Scanning() {
		t.Fatal("transport not scanning")
	}
	if f := h.tr.ScanFilters(); len(f) != 1 || f[0].ServiceUUIDs[0] != ble.ServiceUUID {
		t.Fatalf("scan filter = %+v", f)
	}

	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	h.s.Handle(ble.PeerDiscovered{Address: "2", Name: "B", Handle: bletest.Handle("2")})
	h.expectEvents("scanning=true", "peer=1/A", "peer=2/B")

	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	h.expectState(Connecting)
	h.expectEvents("scanning=false")
	if h.tr.Scanning() {
		t.Fatal("connect did not stop the scan")
	}
	if got, want := h.tr.Calls(), []ble.Operation{ble.Connect{Peer: bletest.Handle("1")}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}

	h.s.Handle(ble.ConnectionChanged{Address: "1", Connected: true})
	h.expectState(SettingUp)
	h.expectEvents("connection=1")
	if got := h.lastCall(); got != (ble.RequestMTU{Size: 517}) {
		t.Fatalf("after connect issued %v, want request-mtu(517)", got)
	}

	h.s.Handle(ble.MTUChanged{MTU: 517})
	if got := h.lastCall(); got != (ble.DiscoverServices{}) {
		t.Fatalf("after mtu issued %v, want discover-services", got)
	}

	h.tr.Reset()
	h.s.Handle(ble.ServicesDiscovered{Services: []string{ble.ServiceUUID}})
	h.expectState(Ready)

	// Complete each operation as the transport would and collect what was issued.
	replies := map[ble.OpKind]func(ble.Operation) ble.Event{
		ble.OpReadCharacteristic: func(op ble.Operation) ble.Event {
			c := op.(ble.ReadCharacteristic).Char
			switch c {
			case ble.CharCurrentState:
				return ble.CharacteristicRead{Char: c, Value: []byte{0x02}}
			case ble.CharErrorState:
				return ble.CharacteristicRead{Char: c, Value: []byte{0x00}}
			}
			return ble.CharacteristicRead{Char: c, Value: []byte{0x01, 0x00}}
		},
		ble.OpWriteDescriptor: func(op ble.Operation) ble.Event {
			return ble.DescriptorWritten{Char: op.(ble.WriteDescriptor).Char}
		},
	}
	for i := 0; i < 6; i++ {
		calls := h.tr.Calls()
		if len(calls) != i+1 {
			t.Fatalf("step %d: %d calls issued: %v", i, len(calls), calls)
		}
		op := calls[i]
		reply, ok := replies[op.Kind()]
		if !ok {
			t.Fatalf("unexpected operation %v", op)
		}
		h.s.Handle(reply(op))
	}

	want := []ble.Operation{
		ble.ReadCharacteristic{Char: ble.CharCurrentState},
		ble.WriteDescriptor{Char: ble.CharCurrentState, Data: ble.EnableNotificationValue},
		ble.ReadCharacteristic{Char: ble.CharErrorState},
		ble.WriteDescriptor{Char: ble.CharErrorState, Data: ble.EnableNotificationValue},
		ble.ReadCharacteristic{Char: ble.CharRPCResult},
		ble.WriteDescriptor{Char: ble.CharRPCResult, Data: ble.EnableNotificationValue},
	}
	if got := h.tr.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("setup operations\n got %v\nwant %v", got, want)
	}
	// The rpc-result read carried only a header, which is "no result".
	h.expectEvents("state=AUTHORIZED", "error=NO_ERROR")
	if h.s.DeviceState() != protocol.Authorized {
		t.Fatalf("DeviceState() = %s", h.s.DeviceState())
	}
	if h.s.Queue().InFlight() != nil {
		t.Fatalf("in flight after setup: %v", h.s.Queue().InFlight())
	}
}

func TestSessionSendWifiWhileConnecting(t *testing.T) {
	h := newHarness(t)
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	before := len(h.tr.Calls())
	queued := h.s.Queue().Len()

	if err := h.s.SendWifi("MyNet", "secret"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendWifi err = %v, want ErrNotConnected", err)
	}
	if err := h.s.Identify(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Identify err = %v, want ErrNotConnected", err)
	}
	if len(h.tr.Calls()) != before || h.s.Queue().Len() != queued {
		t.Fatal("rejected command enqueued an operation")
	}
}

func TestSessionSendWifi(t *testing.T) {
	h := newHarness(t)
	h.setUp()

	if err := h.s.SendWifi("MyNet", "secret"); err != nil {
		t.Fatal(err)
	}
	frame, _ := protocol.SendWifiFrame("MyNet", "secret")
	want := ble.WriteCharacteristic{Char: ble.CharRPCCommand, Data: frame}
	if got := h.lastCall(); !reflect.DeepEqual(got, want) {
		t.Fatalf("issued %v, want %v", got, want)
	}

	h.s.Handle(ble.CharacteristicWritten{Char: ble.CharRPCCommand})
	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharCurrentState, Value: []byte{0x03}})
	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharCurrentState, Value: []byte{0x04}})
	res, _ := protocol.EncodeResult(protocol.SendWifi, []string{"http://192.168.1.50"})
	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharRPCResult, Value: res})

	h.expectEvents("state=PROVISIONING", "state=PROVISIONED", "result=http://192.168.1.50")
}

func TestSessionSendWifiTooLarge(t *testing.T) {
	h := newHarness(t)
	h.setUp()

	err := h.s.SendWifi(strings.Repeat("s", 256), "x")
	if !errors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if len(h.tr.Calls()) != 0 {
		t.Fatal("oversized frame was written")
	}
}

func TestSessionIdentify(t *testing.T) {
	h := newHarness(t)
	h.setUp()

	if err := h.s.Identify(); err != nil {
		t.Fatal(err)
	}
	want := ble.WriteCharacteristic{Char: ble.CharRPCCommand, Data: []byte{0x02, 0x00, 0x02}}
	if got := h.lastCall(); !reflect.DeepEqual(got, want) {
		t.Fatalf("issued %v, want %v", got, want)
	}
}

func TestSessionWriteFailureAdvancesQueue(t *testing.T) {
	h := newHarness(t)
	h.setUp()

	if err := h.s.Identify(); err != nil {
		t.Fatal(err)
	}
	if err := h.s.SendWifi("MyNet", "secret"); err != nil {
		t.Fatal(err)
	}
	if n := len(h.tr.Calls()); n != 1 {
		t.Fatalf("%d writes issued at once", n)
	}

	h.s.Handle(ble.CharacteristicWritten{Char: ble.CharRPCCommand, Err: errors.New("gatt: write not permitted")})
	if n := len(h.tr.Calls()); n != 2 {
		t.Fatalf("queue stalled after failed write: %d calls", n)
	}
	h.expectEvents()
	h.expectState(Ready)
}

func TestSessionUnknownStateCode(t *testing.T) {
	h := newHarness(t)
	h.setUp()

	for _, b := range []byte{0x00, 0x05} {
		h.s.Handle(ble.CharacteristicChanged{Char: ble.CharCurrentState, Value: []byte{b}})
	}
	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharErrorState, Value: []byte{0x07}})
	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharRPCResult, Value: []byte{0x01}})
	h.expectEvents()

	h.s.Handle(ble.CharacteristicChanged{Char: ble.CharCurrentState, Value: []byte{0x02}})
	h.expectEvents("state=AUTHORIZED")
}

func TestSessionConnectErrors(t *testing.T) {
	h := newHarness(t)
	if err := h.s.Connect("nope"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}

	h.setUp()
	if err := h.s.Connect("2"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
	if err := h.s.FindDevices(); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("FindDevices err = %v, want ErrAlreadyConnected", err)
	}
}

func TestSessionConnectFailed(t *testing.T) {
	h := newHarness(t)
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Handle: bletest.Handle("1")})
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	h.obs.take()

	h.s.Handle(ble.ConnectionChanged{Address: "1", Err: errors.New("le-connection-abort-by-local")})
	h.expectState(Disconnected)
	h.expectEvents("connection=nil")
	if h.s.Queue().InFlight() != nil {
		t.Fatal("failed connect left an operation in flight")
	}

	// A new attempt from Disconnected is allowed.
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	h.expectState(Connecting)
}

func TestSessionConnectRefused(t *testing.T) {
	h := newHarness(t)
	h.tr.Refuse(ble.OpConnect, errors.New("adapter busy"))
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Handle: bletest.Handle("1")})
	h.obs.take()

	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	h.expectState(Disconnected)
	h.expectEvents("scanning=false", "connection=nil")
}

func TestSessionLinkLoss(t *testing.T) {
	for _, stage := range []string{"setting-up", "ready"} {
		t.Run(stage, func(t *testing.T) {
			h := newHarness(t)
			if stage == "ready" {
				h.setUp()
				if err := h.s.Identify(); err != nil {
					t.Fatal(err)
				}
			} else {
				h.scanAndConnect()
			}

			h.s.Handle(ble.ConnectionChanged{Address: "1"})
			h.expectState(Disconnected)
			h.expectEvents("connection=nil")
			if h.s.Queue().InFlight() != nil || h.s.Queue().Len() != 0 {
				t.Fatal("queue not reset on link loss")
			}
			if err := h.s.SendWifi("a", "b"); !errors.Is(err, ErrNotConnected) {
				t.Fatalf("SendWifi after link loss err = %v", err)
			}
		})
	}
}

func TestSessionDisconnect(t *testing.T) {
	h := newHarness(t)
	if err := h.s.Disconnect(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	h.setUp()
	if err := h.s.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if got := h.lastCall(); got != (ble.Disconnect{}) {
		t.Fatalf("issued %v, want disconnect", got)
	}
	h.s.Handle(ble.ConnectionChanged{Address: "1"})
	h.expectState(Disconnected)
	h.expectEvents("connection=nil")
	if h.s.Peer() != nil {
		t.Fatal("peer kept after disconnect")
	}
}

func TestSessionDiscoveryFailureDisconnects(t *testing.T) {
	h := newHarness(t)
	h.scanAndConnect()
	h.s.Handle(ble.MTUChanged{MTU: 247})

	h.s.Handle(ble.ServicesDiscovered{Err: ble.ErrServiceNotFound})
	if got := h.lastCall(); got != (ble.Disconnect{}) {
		t.Fatalf("issued %v, want disconnect", got)
	}
	h.expectState(SettingUp)
}

func TestSessionScanStopped(t *testing.T) {
	h := newHarness(t)
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	// A second FindDevices while scanning is a no-op.
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.ScanStopped{Err: errors.New("adapter reset")})
	h.expectState(Idle)
	h.expectEvents("scanning=true", "scanning=false")

	if err := h.s.StopScan(); err != nil {
		t.Fatal(err)
	}
	h.expectEvents()
}

func TestSessionRescanClearsRegistry(t *testing.T) {
	h := newHarness(t)
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A2", Handle: bletest.Handle("1")})
	h.expectEvents("scanning=true", "peer=1/A", "peer=1/A2")

	if err := h.s.StopScan(); err != nil {
		t.Fatal(err)
	}
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	if len(h.s.Devices()) != 0 {
		t.Fatalf("devices after rescan = %v", h.s.Devices())
	}
	if err := h.s.Connect("1"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("stale peer err = %v, want ErrUnknownPeer", err)
	}
}

func TestSessionOperationTimeout(t *testing.T) {
	h := newHarness(t, WithOperationTimeout(30*time.Millisecond))
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Handle: bletest.Handle("1")})
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.s.State() != Disconnected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, connect never timed out", h.s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitState polls until the session reaches want, for transitions driven by
// the queue watchdog.
func (h *harness) waitState(want SessionState) {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.s.State() != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("state = %s, want %s", h.s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionLateConnectIsDropped(t *testing.T) {
	h := newHarness(t, WithOperationTimeout(30*time.Millisecond))
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}
	h.s.Handle(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	h.waitState(Disconnected)
	h.obs.take()
	h.tr.Reset()

	// The link comes up after the session gave up on it.
	h.s.Handle(ble.ConnectionChanged{Address: "1", Connected: true})
	h.expectState(Disconnected)
	if got := h.tr.Calls(); !reflect.DeepEqual(got, []ble.Operation{ble.Disconnect{}}) {
		t.Fatalf("calls = %v, want a disconnect", got)
	}
	h.expectEvents()

	h.s.Handle(ble.ConnectionChanged{Address: "1"})
	h.expectState(Disconnected)
	h.expectEvents()
	if h.s.Queue().InFlight() != nil {
		t.Fatalf("in flight = %v", h.s.Queue().InFlight())
	}

	// A new connect is issued and completes normally.
	h.tr.Reset()
	if err := h.s.Connect("1"); err != nil {
		t.Fatal(err)
	}
	if got := h.lastCall(); got != (ble.Connect{Peer: bletest.Handle("1")}) {
		t.Fatalf("last call = %v", got)
	}
	h.s.Handle(ble.ConnectionChanged{Address: "1", Connected: true})
	h.expectState(SettingUp)
	h.expectEvents("connection=1")
}

func TestSessionLateDiscoveryIgnored(t *testing.T) {
	h := newHarness(t, WithOperationTimeout(100*time.Millisecond))
	h.scanAndConnect()
	h.s.Handle(ble.MTUChanged{MTU: 517})

	// Discovery times out and the session drops the link.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if calls := h.tr.Calls(); len(calls) > 0 && calls[len(calls)-1] == (ble.Disconnect{}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("calls = %v, want a disconnect after discovery timed out", h.tr.Calls())
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.s.Handle(ble.ServicesDiscovered{Services: []string{ble.ServiceUUID}})
	h.expectState(SettingUp)
	if _, ok := h.s.Queue().InFlight().(ble.Disconnect); !ok {
		t.Fatalf("in flight = %v, want the disconnect", h.s.Queue().InFlight())
	}
	if h.s.Queue().Len() != 0 {
		t.Fatalf("late discovery enqueued %d operations", h.s.Queue().Len())
	}
}

func TestSessionRun(t *testing.T) {
	h := newHarness(t)
	if err := h.s.FindDevices(); err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(context.Background()) }()

	h.tr.Emit(ble.PeerDiscovered{Address: "1", Name: "A", Handle: bletest.Handle("1")})
	h.tr.Close()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the event channel closed")
	}
	if d := h.s.Devices(); len(d) != 1 || d[0].Address != "1" {
		t.Fatalf("devices = %v", d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h2 := newHarness(t)
	if err := h2.s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run with cancelled ctx = %v", err)
	}
}
