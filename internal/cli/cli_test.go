package cli

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var c CLI
	parser, err := kong.New(&c, kong.Name("improv"), kong.Exit(func(int) { t.Fatal("parser tried to exit") }))
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatalf("Parse(%q): %v", args, err)
	}
	return &c, ctx
}

func TestDefaultCommandIsTUI(t *testing.T) {
	_, ctx := parse(t)
	if ctx.Command() != "tui" {
		t.Fatalf("command = %q", ctx.Command())
	}
}

func TestSettingsFromFlags(t *testing.T) {
	c, _ := parse(t, "--mtu", "247", "--op-timeout", "0s", "--timeout", "2m", "--scan-timeout", "3s", "scan")
	s := c.settings()
	if s.MTU != 247 || s.OperationTimeout != 0 || s.ProvisionTimeout != 2*time.Minute || s.ScanTimeout != 3*time.Second {
		t.Fatalf("settings = %+v", s)
	}

	c, _ = parse(t, "scan")
	s = c.settings()
	if s.MTU != 517 || s.OperationTimeout != 10*time.Second || s.ProvisionTimeout != time.Minute {
		t.Fatalf("default settings = %+v", s)
	}
}

func TestProvisionPassphraseFromEnv(t *testing.T) {
	t.Setenv("IMPROV_PASSPHRASE", "secret")
	c, ctx := parse(t, "provision", "--ssid", "MyNet", "lamp")
	if ctx.Command() != "provision <device>" {
		t.Fatalf("command = %q", ctx.Command())
	}
	if c.Provision.SSID != "MyNet" || c.Provision.Passphrase != "secret" || c.Provision.Device != "lamp" {
		t.Fatalf("provision = %+v", c.Provision)
	}
}

func TestProvisionRequiresSSID(t *testing.T) {
	var c CLI
	parser, err := kong.New(&c, kong.Exit(func(int) {}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Parse([]string{"provision"}); err == nil {
		t.Fatal("expected error without --ssid")
	}
}

func TestDebugCommandsRun(t *testing.T) {
	for _, args := range [][]string{
		{"debug", "encode", "identify"},
		{"debug", "encode", "wifi", "MyNet", "secret"},
		{"debug", "decode", "02:00:02"},
		{"debug", "decode", "--as", "result", "01050468747470"},
		{"debug", "decode", "--as", "state", "04"},
	} {
		c, ctx := parse(t, args...)
		if err := ctx.Run(c); err != nil {
			t.Fatalf("%q: %v", args, err)
		}
	}
}

func TestHistoryListIsDefault(t *testing.T) {
	c, ctx := parse(t, "history")
	if ctx.Selected() == nil || ctx.Selected().Name != "list" {
		t.Fatalf("selected = %v", ctx.Selected())
	}
	if c.History.List.Device != "" {
		t.Fatalf("device = %q", c.History.List.Device)
	}

	c, ctx = parse(t, "history", "AA:BB:CC:00:00:01")
	if ctx.Selected() == nil || ctx.Selected().Name != "list" {
		t.Fatalf("selected = %v", ctx.Selected())
	}
	if c.History.List.Device != "AA:BB:CC:00:00:01" {
		t.Fatalf("device = %q", c.History.List.Device)
	}

	_, ctx = parse(t, "history", "show", "abc123")
	if ctx.Selected() == nil || ctx.Selected().Name != "show" {
		t.Fatalf("selected = %v", ctx.Selected())
	}
}
