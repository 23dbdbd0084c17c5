package remote

import "sync"

// LogStream is the append-only sequence of output lines for one build job.
// Subscribers receive history first and then live lines; a slow subscriber
// drops lines rather than stalling the build.
type LogStream struct {
	mu     sync.Mutex
	lines  []string
	subs   []chan string
	closed bool
}

func NewLogStream() *LogStream {
	return &LogStream{}
}

func (l *LogStream) Append(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.lines = append(l.lines, line)
	for _, sub := range l.subs {
		select {
		case sub <- line:
		default:
		}
	}
}

// Lines returns a snapshot of everything appended so far.
func (l *LogStream) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Subscribe returns a channel that replays history and then follows new
// lines. The channel closes when the stream does.
func (l *LogStream) Subscribe() <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan string, 256)
	for _, line := range l.lines {
		select {
		case ch <- line:
		default:
		}
	}
	if l.closed {
		close(ch)
		return ch
	}
	l.subs = append(l.subs, ch)
	return ch
}

func (l *LogStream) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, sub := range l.subs {
		close(sub)
	}
	l.subs = nil
}
