// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

package security

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func wrappedPipe(t *testing.T, pskA, pskB string) (io.ReadWriteCloser, io.ReadWriteCloser) {
	t.Helper()
	a, b := net.Pipe()
	wa, err := Wrap(a, pskA, "t1")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	wb, err := Wrap(b, pskB, "t1")
	if err != nil {
		t.Fatalf("Wrap() error: %v", err)
	}
	t.Cleanup(func() { wa.Close(); wb.Close() })
	return wa, wb
}

func TestPSKRoundTrip(t *testing.T) {
	wa, wb := wrappedPipe(t, "shared-secret", "shared-secret")

	msg := bytes.Repeat([]byte("0123456789abcdef"), 300)
	go func() {
		//nolint:errcheck // reader side asserts the payload
		_, _ = wa.Write(msg)
	}()

	got := make([]byte, len(msg))
	if _, err := io.ReadFull(wb, got); err != nil {
		t.Fatalf("ReadFull() error: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("payload mismatch after psk round trip")
	}
}

// Small destination buffers force the leftover path: one sealed record is
// drained over several Read calls.
func TestPSKReadCarriesRemainder(t *testing.T) {
	wa, wb := wrappedPipe(t, "shared-secret", "shared-secret")

	msg := []byte("a record longer than the read buffer")
	go func() {
		//nolint:errcheck // reader side asserts the payload
		_, _ = wa.Write(msg)
	}()

	var got []byte
	buf := make([]byte, 8)
	for len(got) < len(msg) {
		n, err := wb.Read(buf)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Fatal("payload mismatch across partial reads")
	}
}

func TestPSKMismatchFailsOpen(t *testing.T) {
	wa, wb := wrappedPipe(t, "secret-one", "secret-two")

	go func() {
		//nolint:errcheck // the read side is expected to fail
		_, _ = wa.Write([]byte("hello"))
	}()

	buf := make([]byte, 64)
	if _, err := wb.Read(buf); err == nil {
		t.Fatal("Read() expected authentication failure for mismatched PSKs")
	}
}

func TestPSKSequentialWrites(t *testing.T) {
	wa, wb := wrappedPipe(t, "shared-secret", "shared-secret")

	go func() {
		for _, m := range []string{"first", "second", "third"} {
			//nolint:errcheck // reader side asserts the payload
			_, _ = wa.Write([]byte(m))
		}
	}()

	want := "firstsecondthird"
	got := make([]byte, 0, len(want))
	buf := make([]byte, 16)
	for len(got) < len(want) {
		n, err := wb.Read(buf)
		if err != nil {
			t.Fatalf("Read() error: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
