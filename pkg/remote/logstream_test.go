package remote

import "testing"

func TestLogStreamReplaysHistoryToSubscribers(t *testing.T) {
	stream := NewLogStream()
	stream.Append("one")
	stream.Append("two")

	ch := stream.Subscribe()
	if got := <-ch; got != "one" {
		t.Fatalf("expected replayed line, got %q", got)
	}
	if got := <-ch; got != "two" {
		t.Fatalf("expected replayed line, got %q", got)
	}

	stream.Append("three")
	if got := <-ch; got != "three" {
		t.Fatalf("expected live line, got %q", got)
	}

	stream.Close()
	if _, ok := <-ch; ok {
		t.Fatal("channel should close with the stream")
	}
}

func TestLogStreamIgnoresAppendsAfterClose(t *testing.T) {
	stream := NewLogStream()
	stream.Append("kept")
	stream.Close()
	stream.Append("dropped")
	lines := stream.Lines()
	if len(lines) != 1 || lines[0] != "kept" {
		t.Fatalf("unexpected lines after close: %v", lines)
	}
}
