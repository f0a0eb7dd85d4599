//go:build linux

package kvm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

func newRunPage(t *testing.T, reason kvmExitReason) ([]byte, *kvmRunData) {
	t.Helper()

	run := make([]byte, 4096)
	data := (*kvmRunData)(unsafe.Pointer(&run[0]))
	data.exit_reason = uint32(reason)
	return run, data
}

func TestDecodeExitIO(t *testing.T) {
	run, data := newRunPage(t, kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 2
	io.port = 0x1F0
	io.count = 1
	io.dataOffset = 0x800
	binary.LittleEndian.PutUint16(run[0x800:], 0xBEEF)

	exit, done := decodeExit(run)
	if exit.Kind != hv.ExitKindIO {
		t.Fatalf("Kind = %s, want io", exit.Kind)
	}
	if exit.ReasonName != "KVM_EXIT_IO" {
		t.Fatalf("ReasonName = %q", exit.ReasonName)
	}
	if len(exit.IO) != 1 {
		t.Fatalf("expected 1 event, got %d", len(exit.IO))
	}
	ev := exit.IO[0]
	if !ev.IsWrite() || ev.Port != 0x1F0 || ev.Size != 2 || ev.Value() != 0xBEEF {
		t.Fatalf("unexpected event %s", ev)
	}

	if done != nil {
		t.Fatal("write exit should not need a completion")
	}
}

func TestDecodeExitIOReadCompletion(t *testing.T) {
	run, data := newRunPage(t, kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoIn
	io.size = 2
	io.port = 0x1F0
	io.count = 2
	io.dataOffset = 0x800

	exit, done := decodeExit(run)
	if done == nil {
		t.Fatal("read exit returned no completion")
	}
	exit.IO[0].SetValue(0x1234)
	exit.IO[1].SetValue(0x5678)

	// The events do not alias the run page until the completion is applied.
	if got := binary.LittleEndian.Uint16(run[0x800:]); got != 0 {
		t.Fatalf("run page changed before apply: 0x%x", got)
	}

	done.apply(run)
	if got := binary.LittleEndian.Uint16(run[0x800:]); got != 0x1234 {
		t.Fatalf("run page holds 0x%x, want 0x1234", got)
	}
	if got := binary.LittleEndian.Uint16(run[0x802:]); got != 0x5678 {
		t.Fatalf("run page holds 0x%x, want 0x5678", got)
	}
}

func TestDecodeExitOutlivesRunPage(t *testing.T) {
	run, data := newRunPage(t, kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 1
	io.port = 0x3F8
	io.count = 1
	io.dataOffset = 0x800
	run[0x800] = 'x'

	exit, _ := decodeExit(run)
	for i := range run {
		run[i] = 0
	}
	if got := exit.IO[0].Value(); got != 'x' {
		t.Fatalf("event value = %q, want 'x'", got)
	}
}

func TestDecodeExitStringIO(t *testing.T) {
	run, data := newRunPage(t, kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 1
	io.port = 0xE9
	io.count = 3
	io.dataOffset = 0x900
	copy(run[0x900:], "abc")

	exit, _ := decodeExit(run)
	if len(exit.IO) != 3 {
		t.Fatalf("expected 3 events, got %d", len(exit.IO))
	}
	for i, want := range []byte("abc") {
		if exit.IO[i].Value() != uint32(want) {
			t.Fatalf("event %d = %s, want %q", i, exit.IO[i], want)
		}
	}
}

func TestDecodeExitIOOutOfRange(t *testing.T) {
	run, data := newRunPage(t, kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.size = 4
	io.count = 1
	io.dataOffset = uint64(len(run) - 2)

	if exit, done := decodeExit(run); len(exit.IO) != 0 || done != nil {
		t.Fatalf("expected no events for out of range data, got %d", len(exit.IO))
	}
}

func TestDecodeExitMMIO(t *testing.T) {
	run, data := newRunPage(t, kvmExitMmio)
	mmio := (*kvmExitMMIOData)(unsafe.Pointer(&data.anon0[0]))
	mmio.physAddr = 0xD0000
	mmio.len = 8
	mmio.isWrite = 1
	binary.LittleEndian.PutUint64(mmio.data[:], 0x0102030405060708)

	exit, done := decodeExit(run)
	if exit.Kind != hv.ExitKindMMIO || exit.MMIO == nil {
		t.Fatalf("unexpected exit %+v", exit)
	}
	if exit.MMIO.PhysAddr != 0xD0000 || !exit.MMIO.IsWrite || exit.MMIO.Value() != 0x0102030405060708 {
		t.Fatalf("unexpected mmio %+v", exit.MMIO)
	}
	if done != nil {
		t.Fatal("mmio write should not need a completion")
	}

	mmio.isWrite = 0
	mmio.len = 4
	exit, done = decodeExit(run)
	if done == nil {
		t.Fatal("mmio read returned no completion")
	}
	copy(exit.MMIO.Data, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	done.apply(run)
	if got := binary.LittleEndian.Uint32(mmio.data[:]); got != 0xFFFFFFFF {
		t.Fatalf("mmio data = 0x%x, want 0xffffffff", got)
	}
}

func TestDecodeExitFatal(t *testing.T) {
	run, data := newRunPage(t, kvmExitFailEntry)
	(*failEntry)(unsafe.Pointer(&data.anon0[0])).HardwareEntryFailureReason = 0x21

	exit, _ := decodeExit(run)
	if exit.Kind != hv.ExitKindFailEntry || exit.Detail != 0x21 {
		t.Fatalf("unexpected fail entry exit %+v", exit)
	}
	if msg := hv.NewExitError(exit).Error(); msg != "vcpu exit KVM_EXIT_FAIL_ENTRY: hardware entry failure reason 0x21" {
		t.Fatalf("error = %q", msg)
	}

	data.exit_reason = uint32(kvmExitInternalError)
	(*internalError)(unsafe.Pointer(&data.anon0[0])).Suberror = internalErrorEmulation
	exit, _ = decodeExit(run)
	if exit.Kind != hv.ExitKindInternalError || exit.DetailName != "KVM_INTERNAL_ERROR_EMULATION" {
		t.Fatalf("unexpected internal error exit %+v", exit)
	}

	data.exit_reason = uint32(kvmExitShutdown)
	if exit, _ := decodeExit(run); exit.Kind != hv.ExitKindShutdown {
		t.Fatalf("Kind = %s, want shutdown", exit.Kind)
	}

	data.exit_reason = uint32(kvmExitDebug)
	exit, _ = decodeExit(run)
	if exit.Kind != hv.ExitKindUnknown || exit.ReasonName != "KVM_EXIT_DEBUG" {
		t.Fatalf("unexpected exit %+v", exit)
	}
}
