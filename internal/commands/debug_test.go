package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"020002", []byte{0x02, 0x00, 0x02}},
		{"0x020002", []byte{0x02, 0x00, 0x02}},
		{"02:00:02", []byte{0x02, 0x00, 0x02}},
		{" 02 00 02\n", []byte{0x02, 0x00, 0x02}},
	}
	for _, tt := range tests {
		got, err := ParseHex(tt.in)
		if err != nil {
			t.Fatalf("ParseHex(%q): %v", tt.in, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Fatalf("ParseHex(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
	if _, err := ParseHex("zz"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func TestDecodeFrameMasksPassphrase(t *testing.T) {
	var out bytes.Buffer
	if err := EncodeWifi(&out, "MyNet", "secret"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "SEND_WIFI frame (16 bytes)") {
		t.Fatalf("encode output:\n%s", out.String())
	}

	frame := []byte{0x01, 0x0d, 0x05, 'M', 'y', 'N', 'e', 't', 0x06, 's', 'e', 'c', 'r', 'e', 't'}
	var sum byte
	for _, b := range frame {
		sum += b
	}
	frame = append(frame, sum)

	out.Reset()
	if err := DecodeFrame(&out, frame, false); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	if !strings.Contains(s, `SSID:     "MyNet"`) || !strings.Contains(s, `"******"`) || strings.Contains(s, "secret") {
		t.Fatalf("decode output:\n%s", s)
	}

	out.Reset()
	if err := DecodeFrame(&out, frame, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"secret"`) {
		t.Fatalf("reveal output:\n%s", out.String())
	}

	frame[len(frame)-1]++
	if err := DecodeFrame(&out, frame, false); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestDecodeResultOutput(t *testing.T) {
	var out bytes.Buffer
	DecodeResult(&out, []byte{0x01, 0x05, 0x04, 'h', 't', 't', 'p'})
	if !strings.Contains(out.String(), "[0] http") {
		t.Fatalf("output:\n%s", out.String())
	}
	out.Reset()
	DecodeResult(&out, []byte{0x01, 0x03, 0x02, 0x00, 0x01})
	if !strings.Contains(out.String(), "(2 bytes, binary)") || !strings.Contains(out.String(), "00 01") {
		t.Fatalf("output:\n%s", out.String())
	}
	out.Reset()
	DecodeResult(&out, []byte{0x01, 0x00})
	if strings.TrimSpace(out.String()) != "No result" {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestDecodeState(t *testing.T) {
	var out bytes.Buffer
	if err := DecodeState(&out, []byte{0x04}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "PROVISIONED") || !strings.Contains(out.String(), "NOT_AUTHORIZED") {
		t.Fatalf("output:\n%s", out.String())
	}
	if err := DecodeState(&out, []byte{0x07}); err == nil {
		t.Fatal("expected error for 0x07")
	}
}
