package transfer

import (
	"strings"
	"testing"
)

func TestProgressWriter(t *testing.T) {
	var calls []int64
	var labels []string
	fn := func(label string, transferred, total int64) {
		calls = append(calls, transferred)
		labels = append(labels, label)
		if total != 100 {
			t.Errorf("total = %d, want 100", total)
		}
	}

	var buf strings.Builder
	pw := newProgressWriter(&buf, "host1", 100, fn)

	pw.Write([]byte("hello"))
	pw.Write([]byte(" world"))

	if buf.String() != "hello world" {
		t.Errorf("written = %q, want %q", buf.String(), "hello world")
	}

	if len(calls) != 2 {
		t.Fatalf("progress calls = %d, want 2", len(calls))
	}
	if calls[0] != 5 {
		t.Errorf("first call = %d, want 5", calls[0])
	}
	if calls[1] != 11 {
		t.Errorf("second call = %d, want 11", calls[1])
	}
	if labels[0] != "host1" {
		t.Errorf("label = %q", labels[0])
	}
}

func TestProgressWriterWithoutCallback(t *testing.T) {
	var buf strings.Builder
	if w := newProgressWriter(&buf, "host1", 0, nil); w != &buf {
		t.Error("a nil callback should return the writer unchanged")
	}
}
