package ioutil2

import (
	"bytes"
	"testing"
)

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CountingWriter{Writer: &buf}

	n, err := cw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
	if cw.BytesWritten() != 5 {
		t.Errorf("BytesWritten() = %d, want 5", cw.BytesWritten())
	}

	cw.Write([]byte("!!"))
	if cw.BytesWritten() != 7 {
		t.Errorf("BytesWritten() = %d, want 7", cw.BytesWritten())
	}
	if buf.String() != "hello!!" {
		t.Errorf("buf = %q, want %q", buf.String(), "hello!!")
	}
}

func TestWriteZeros(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteZeros(&buf, 10); err != nil {
		t.Fatalf("WriteZeros: %v", err)
	}
	if buf.Len() != 10 {
		t.Fatalf("buf.Len() = %d, want 10", buf.Len())
	}
	for i, b := range buf.Bytes() {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestWriteZerosAcrossChunkBoundary(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteZeros(&buf, 9000); err != nil {
		t.Fatalf("WriteZeros: %v", err)
	}
	if buf.Len() != 9000 {
		t.Fatalf("buf.Len() = %d, want 9000", buf.Len())
	}
}

func TestWriteZerosNone(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteZeros(&buf, 0); err != nil {
		t.Fatalf("WriteZeros: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("buf.Len() = %d, want 0", buf.Len())
	}
}
