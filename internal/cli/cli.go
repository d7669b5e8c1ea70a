package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/vitaminmoo/improv-tool/internal/commands"
	"github.com/vitaminmoo/improv-tool/internal/config"
	"github.com/vitaminmoo/improv-tool/internal/store"
	"github.com/vitaminmoo/improv-tool/internal/tui"
)

// CLI is the root command structure for improv.
type CLI struct {
	Verbose   bool          `short:"v" help:"Enable verbose debug output"`
	MTU       int           `name:"mtu" default:"517" help:"MTU requested after connecting"`
	OpTimeout time.Duration `name:"op-timeout" default:"10s" help:"Fail a GATT operation that does not complete in time (0 disables)"`
	Timeout   time.Duration `default:"60s" help:"Overall timeout for connect and provisioning"`
	ScanTime  time.Duration `name:"scan-timeout" default:"10s" help:"How long to scan for devices"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Scan      ScanCmd      `cmd:"" help:"Scan for Improv devices"`
	Provision ProvisionCmd `cmd:"" help:"Send Wi-Fi credentials to a device"`
	Identify  IdentifyCmd  `cmd:"" help:"Ask a device to identify itself"`
	History   HistoryCmd   `cmd:"" help:"Provisioning history"`
	Debug     DebugCmd     `cmd:"" help:"Debug and development tools"`
}

// settings applies the global flags.
func (c *CLI) settings() config.Settings {
	config.Verbose = c.Verbose
	s := config.DefaultSettings()
	if c.MTU > 0 {
		s.MTU = c.MTU
	}
	s.OperationTimeout = c.OpTimeout
	if c.Timeout > 0 {
		s.ProvisionTimeout = c.Timeout
	}
	if c.ScanTime > 0 {
		s.ScanTimeout = c.ScanTime
	}
	return s
}

// signalContext is cancelled on interrupt so an in-flight flow can disconnect.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

// --- TUI Command ---

type TuiCmd struct{}

func (c *TuiCmd) Run(globals *CLI) error {
	return tui.Run(globals.settings())
}

// --- Device Commands ---

type ScanCmd struct{}

func (c *ScanCmd) Run(globals *CLI) error {
	link, err := commands.OpenAdapter(globals.settings())
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := signalContext()
	defer cancel()
	devices, err := link.Scan(ctx)
	if err != nil {
		return err
	}
	link.PrintDevices(devices)
	return nil
}

type ProvisionCmd struct {
	Device     string `arg:"" optional:"" help:"Device address or name (default: first device found)"`
	SSID       string `name:"ssid" required:"" help:"Wi-Fi network name"`
	Passphrase string `name:"passphrase" env:"IMPROV_PASSPHRASE" help:"Wi-Fi passphrase"`
	NoHistory  bool   `name:"no-history" help:"Do not record the attempt"`
}

func (c *ProvisionCmd) Run(globals *CLI) error {
	link, err := commands.OpenAdapter(globals.settings())
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := signalContext()
	defer cancel()
	outcome, err := link.Provision(ctx, c.Device, c.SSID, c.Passphrase)
	if outcome != nil {
		link.PrintOutcome(outcome)
		if !c.NoHistory {
			recordHistory(outcome)
		}
	}
	return err
}

func recordHistory(o *commands.Outcome) {
	s, err := store.OpenDefault()
	if err != nil {
		config.Debugf("History unavailable: %v", err)
		return
	}
	id, err := s.Record(o.Entry("cli"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to record history: %v\n", err)
		return
	}
	config.Debugf("Recorded history entry %s", store.ShortID(id))
}

type IdentifyCmd struct {
	Device string `arg:"" optional:"" help:"Device address or name (default: first device found)"`
}

func (c *IdentifyCmd) Run(globals *CLI) error {
	link, err := commands.OpenAdapter(globals.settings())
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, cancel := signalContext()
	defer cancel()
	_, err = link.Identify(ctx, c.Device)
	return err
}

// --- History Commands ---

type HistoryCmd struct {
	List  HistoryListCmd  `cmd:"" default:"withargs" help:"List provisioning attempts"`
	Show  HistoryShowCmd  `cmd:"" help:"Show one attempt"`
	Clear HistoryClearCmd `cmd:"" help:"Delete all history"`
}

type HistoryListCmd struct {
	Device string `arg:"" optional:"" help:"Only show attempts for this address"`
}

func (c *HistoryListCmd) Run(globals *CLI) error {
	globals.settings()
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	var entries []store.Entry
	if c.Device != "" {
		entries, err = s.ForDevice(c.Device)
	} else {
		entries, err = s.List()
	}
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	commands.PrintHistory(os.Stdout, entries)
	return nil
}

type HistoryShowCmd struct {
	ID string `arg:"" help:"Entry ID (full or short)"`
}

func (c *HistoryShowCmd) Run(globals *CLI) error {
	globals.settings()
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	e, err := s.Get(c.ID)
	if err != nil {
		return err
	}
	commands.PrintEntry(os.Stdout, e)
	return nil
}

type HistoryClearCmd struct {
	Yes bool `short:"y" help:"Do not ask for confirmation"`
}

func (c *HistoryClearCmd) Run(globals *CLI) error {
	globals.settings()
	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	if !c.Yes && !commands.ConfirmAction("Delete all provisioning history? Type 'yes' to continue: ") {
		return errors.New("aborted")
	}
	if err := s.Clear(); err != nil {
		return err
	}
	fmt.Println("History cleared")
	return nil
}

// --- Debug Commands ---

type DebugCmd struct {
	Encode DebugEncodeCmd `cmd:"" help:"Print the RPC frame for a command"`
	Decode DebugDecodeCmd `cmd:"" help:"Decode a captured characteristic value"`
}

type DebugEncodeCmd struct {
	Wifi     DebugEncodeWifiCmd     `cmd:"" help:"Encode a SEND_WIFI frame"`
	Identify DebugEncodeIdentifyCmd `cmd:"" help:"Encode an IDENTIFY frame"`
}

type DebugEncodeWifiCmd struct {
	SSID       string `arg:"" help:"Wi-Fi network name"`
	Passphrase string `arg:"" optional:"" help:"Wi-Fi passphrase"`
}

func (c *DebugEncodeWifiCmd) Run(globals *CLI) error {
	globals.settings()
	return commands.EncodeWifi(os.Stdout, c.SSID, c.Passphrase)
}

type DebugEncodeIdentifyCmd struct{}

func (c *DebugEncodeIdentifyCmd) Run(globals *CLI) error {
	globals.settings()
	commands.EncodeIdentify(os.Stdout)
	return nil
}

type DebugDecodeCmd struct {
	As     string `short:"a" enum:"frame,result,state" default:"frame" help:"What the bytes are: frame, result or state"`
	Reveal bool   `help:"Show the passphrase of a SEND_WIFI frame"`
	Hex    string `arg:"" help:"Hex bytes, e.g. 02:00:02"`
}

func (c *DebugDecodeCmd) Run(globals *CLI) error {
	globals.settings()
	data, err := commands.ParseHex(c.Hex)
	if err != nil {
		return err
	}
	switch c.As {
	case "result":
		commands.DecodeResult(os.Stdout, data)
		return nil
	case "state":
		return commands.DecodeState(os.Stdout, data)
	}
	return commands.DecodeFrame(os.Stdout, data, c.Reveal)
}
