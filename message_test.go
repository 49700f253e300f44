package dbus

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadMessageShortReadIsErrShortRead(t *testing.T) {
	// A prefix that's declared little-endian but cut off partway
	// through the 16-byte fixed header.
	truncated := []byte{'l', byte(TypeCall), 0, 1, 0, 0, 0}
	_, err := ReadMessage(bytes.NewReader(truncated), UnmarshalOptions{})
	if err == nil {
		t.Fatalf("ReadMessage on a truncated prefix succeeded, want an error")
	}
	if !errors.Is(err, ErrShortRead) {
		t.Errorf("ReadMessage error = %v, want one wrapping ErrShortRead", err)
	}
}

func TestReadMessageCleanEOF(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader(nil), UnmarshalOptions{})
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadMessage on an empty reader = %v, want io.EOF", err)
	}
}
