package store

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRecordAndList(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first, err := s.Record(Entry{Address: "AA:BB:CC:00:00:01", Name: "lamp", DeviceState: "PROVISIONED",
		Results: []string{"http://192.168.1.50"}, Method: "cli", CreatedAt: base})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(Entry{Address: "AA:BB:CC:00:00:02", DeviceState: "AUTHORIZED",
		ErrorState: "UNABLE_TO_CONNECT", Method: "tui", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Address != "AA:BB:CC:00:00:02" {
		t.Fatalf("newest entry = %s", entries[0].Address)
	}
	if entries[0].Succeeded() || !entries[1].Succeeded() {
		t.Fatal("Succeeded() mismatch")
	}

	got, err := s.Get(ShortID(first))
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "lamp" || len(got.Results) != 1 {
		t.Fatalf("Get = %+v", got)
	}

	dev, err := s.ForDevice("aa:bb:cc:00:00:01")
	if err != nil {
		t.Fatal(err)
	}
	if len(dev) != 1 {
		t.Fatalf("ForDevice returned %d entries", len(dev))
	}
}

func TestRecordRequiresAddress(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(Entry{DeviceState: "PROVISIONED"}); err == nil {
		t.Fatal("expected error for entry without address")
	}
}

func TestGetMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestClear(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(Entry{Address: "AA"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Count(); err != nil || n != 0 {
		t.Fatalf("Count() = %d, %v", n, err)
	}
}

// The history file must never carry Wi-Fi credentials; Entry has no field
// for them, and nothing written by Record looks like one.
func TestHistoryFileHasNoCredentials(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Record(Entry{Address: "AA", Name: "plug", DeviceState: "PROVISIONED"}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.historyPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"ssid", "passphrase", "password"} {
		if strings.Contains(strings.ToLower(string(data)), key) {
			t.Fatalf("history file mentions %q:\n%s", key, data)
		}
	}
}

func TestEntryID(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := EntryID("aa:bb", at)
	if a != EntryID("AA:BB", at) {
		t.Fatal("EntryID should ignore address case")
	}
	if a == EntryID("AA:BB", at.Add(time.Second)) {
		t.Fatal("EntryID should depend on time")
	}
	if !strings.HasPrefix(a, "sha256:") || len(ShortID(a)) != 12 {
		t.Fatalf("unexpected id %q / %q", a, ShortID(a))
	}
}
