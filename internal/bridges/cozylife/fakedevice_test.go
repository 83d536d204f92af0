package cozylife

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeDevice is an in-process CozyLife switch speaking the JSON line protocol.
type fakeDevice struct {
	t  *testing.T
	ln net.Listener

	mu          sync.Mutex
	word        int
	received    []wireFrame
	conns       []net.Conn
	accepted    int
	silent      bool
	replyDelay  time.Duration
	interleaved bool

	// reply overrides the default response lines for a frame when it returns ok.
	reply func(f wireFrame) (lines []string, ok bool)
}

func newFakeDevice(t *testing.T, word int) *fakeDevice {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	fd := &fakeDevice{t: t, ln: ln, word: word}
	go fd.acceptLoop()
	t.Cleanup(fd.close)
	return fd
}

func (fd *fakeDevice) addr() string { return fd.ln.Addr().String() }

func (fd *fakeDevice) close() {
	fd.ln.Close()
	fd.dropConnections()
}

// dropConnections closes every accepted connection, simulating a device reboot.
func (fd *fakeDevice) dropConnections() {
	fd.mu.Lock()
	conns := fd.conns
	fd.conns = nil
	fd.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (fd *fakeDevice) setWord(w int) {
	fd.mu.Lock()
	fd.word = w
	fd.mu.Unlock()
}

func (fd *fakeDevice) currentWord() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.word
}

func (fd *fakeDevice) setReply(reply func(f wireFrame) ([]string, bool)) {
	fd.mu.Lock()
	fd.reply = reply
	fd.mu.Unlock()
}

func (fd *fakeDevice) setReplyDelay(d time.Duration) {
	fd.mu.Lock()
	fd.replyDelay = d
	fd.mu.Unlock()
}

func (fd *fakeDevice) setSilent(silent bool) {
	fd.mu.Lock()
	fd.silent = silent
	fd.mu.Unlock()
}

func (fd *fakeDevice) frames() []wireFrame {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	out := make([]wireFrame, len(fd.received))
	copy(out, fd.received)
	return out
}

func (fd *fakeDevice) acceptCount() int {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.accepted
}

func (fd *fakeDevice) sawInterleaving() bool {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.interleaved
}

func (fd *fakeDevice) acceptLoop() {
	for {
		conn, err := fd.ln.Accept()
		if err != nil {
			return
		}
		fd.mu.Lock()
		fd.conns = append(fd.conns, conn)
		fd.accepted++
		fd.mu.Unlock()
		go fd.serve(conn)
	}
}

func (fd *fakeDevice) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}

		var f wireFrame
		if err := json.Unmarshal(line, &f); err != nil {
			fd.t.Logf("fake device: bad frame %q: %v", line, err)
			continue
		}

		fd.mu.Lock()
		fd.received = append(fd.received, f)
		silent, delay, reply := fd.silent, fd.replyDelay, fd.reply
		fd.mu.Unlock()

		if silent {
			continue
		}
		if delay > 0 {
			time.Sleep(delay)
			// A frame that arrived before we answered means the client did not wait.
			if r.Buffered() > 0 {
				fd.mu.Lock()
				fd.interleaved = true
				fd.mu.Unlock()
			}
		}

		lines, ok := []string(nil), false
		if reply != nil {
			lines, ok = reply(f)
		}
		if !ok {
			lines = []string{fd.defaultReply(f)}
		}

		for _, l := range lines {
			if _, err := conn.Write([]byte(l + "\r\n")); err != nil {
				return
			}
		}
	}
}

func (fd *fakeDevice) defaultReply(f wireFrame) string {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	switch f.Cmd {
	case CmdControl:
		if raw, ok := f.Msg.Data["1"]; ok {
			if v, err := strconv.Atoi(string(raw)); err == nil {
				fd.word = v
			}
		}
		return fmt.Sprintf(`{"cmd":3,"pv":0,"sn":%q,"msg":{"attr":[1]},"res":0}`, f.SN)
	default:
		return fmt.Sprintf(`{"cmd":2,"pv":0,"sn":%q,"msg":{"attr":[1],"data":{"1":%d}}}`, f.SN, fd.word)
	}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
