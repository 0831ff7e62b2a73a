package procrunner

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func shellConfig(script string) Config {
	if runtime.GOOS == "windows" {
		return Config{Executable: "cmd", Argv: []string{"/C", script}}
	}
	return Config{Executable: "sh", Argv: []string{"-c", script}}
}

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	cfg := shellConfig("echo hello")
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "hello") {
		t.Fatalf("stdout = %q, want to contain hello", res.Stdout)
	}
}

func TestRun_NonZeroExitIsNotAGoError(t *testing.T) {
	cfg := shellConfig("exit 7")
	res, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRun_TimeoutIsDetected(t *testing.T) {
	cfg := shellConfig("sleep 5")
	cfg.Timeout = 50 * time.Millisecond
	res, err := Run(context.Background(), cfg)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if !res.TimedOut {
		t.Fatal("expected Result.TimedOut to be true")
	}
}

func TestRun_CancellationStopsProcess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	cfg := shellConfig("sleep 5")
	_, err := Run(ctx, cfg)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCappedBuffer_TruncatesOnCap(t *testing.T) {
	cb := newCappedBuffer(20, ChunkStdout, nil)
	cb.Write([]byte("hello world"))
	got := cb.finalBytes()
	if !strings.HasPrefix(string(got), "hell") {
		t.Fatalf("got %q", got)
	}
	if !strings.HasSuffix(string(got), TruncationSentinel) {
		t.Fatalf("expected truncation sentinel, got %q", got)
	}
}

func TestCappedBuffer_TruncatedOutputNeverExceedsCap(t *testing.T) {
	const cap = 20
	cb := newCappedBuffer(cap, ChunkStdout, nil)
	cb.Write([]byte("this payload is much longer than the configured cap"))
	got := cb.finalBytes()
	if int64(len(got)) > cap {
		t.Fatalf("final output is %d bytes, want <= cap %d (sentinel must fit within cap)", len(got), cap)
	}
	if !strings.HasSuffix(string(got), TruncationSentinel) {
		t.Fatalf("expected truncation sentinel, got %q", got)
	}
}

func TestCappedBuffer_CapSmallerThanSentinelStillBounded(t *testing.T) {
	cb := newCappedBuffer(5, ChunkStdout, nil)
	cb.Write([]byte("hello world"))
	got := cb.finalBytes()
	if string(got) != TruncationSentinel {
		t.Fatalf("got %q, want just the sentinel since no data fits ahead of it", got)
	}
}

func TestCappedBuffer_StreamsChunks(t *testing.T) {
	var chunks []Chunk
	cb := newCappedBuffer(0, ChunkStderr, func(c Chunk) { chunks = append(chunks, c) })
	cb.Write([]byte("part1"))
	cb.Write([]byte("part2"))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if string(chunks[0].Data) != "part1" || chunks[0].Kind != ChunkStderr {
		t.Fatalf("unexpected first chunk: %+v", chunks[0])
	}
}

func TestTruncateValidUTF8_DoesNotSplitRune(t *testing.T) {
	s := "a€b" // € is 3 bytes
	p := []byte(s)
	cut := truncateValidUTF8(p, 2) // would land mid-rune at byte 2
	if len(cut) != 1 || cut[0] != 'a' {
		t.Fatalf("got %q (%d bytes), want just \"a\"", cut, len(cut))
	}
}
