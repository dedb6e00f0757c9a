//go:build linux

package i2c

import (
	"os"
	"strings"
	"testing"
)

func devNullBus(t *testing.T) *Bus {
	t.Helper()
	f, err := os.OpenFile("/dev/null", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile /dev/null: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return &Bus{f: f, path: "/dev/null"}
}

func TestDev_InvalidAddr(t *testing.T) {
	b := devNullBus(t)
	for _, addr := range []uint16{0, 0x80} {
		err := b.Dev(addr).WriteReg(0x06, 0x01)
		if err == nil || !strings.Contains(err.Error(), "invalid addr") {
			t.Fatalf("addr 0x%X: err=%v want invalid addr", addr, err)
		}
	}
}

func TestDevTx_EmptyIsNoop(t *testing.T) {
	d := devNullBus(t).Dev(0x68)
	if err := d.tx(nil, nil); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestOpen_MissingBus(t *testing.T) {
	_, err := Open("/dev/i2c-does-not-exist")
	if err == nil || !strings.Contains(err.Error(), "i2c-does-not-exist") {
		t.Fatalf("err=%v want path in error", err)
	}
}

func TestClosedBus(t *testing.T) {
	b := devNullBus(t)
	d := b.Dev(0x68)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := d.ReadRegU8(0x00); err == nil || !strings.Contains(err.Error(), "device is nil") {
		t.Fatalf("err=%v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNilDev(t *testing.T) {
	var d *Dev
	if err := d.WriteReg(0x00, 0x01); err == nil || !strings.Contains(err.Error(), "device is nil") {
		t.Fatalf("err=%v", err)
	}
}
