package features

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCompressionAlgorithm(t *testing.T) {
	cases := map[string]CompressionAlgorithm{
		"none": CompressionNone,
		"gzip": CompressionGzip,
		"lz4":  CompressionLZ4,
	}
	for name, want := range cases {
		got, err := ParseCompressionAlgorithm(name)
		if err != nil {
			t.Errorf("ParseCompressionAlgorithm(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParseCompressionAlgorithm(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := ParseCompressionAlgorithm("zip"); err == nil {
		t.Error("Expected error for unsupported algorithm")
	}
}

func TestCompressionExtensions(t *testing.T) {
	if CompressionGzip.Extension() != ".gz" {
		t.Errorf("gzip extension = %q", CompressionGzip.Extension())
	}
	if CompressionLZ4.Extension() != ".lz4" {
		t.Errorf("lz4 extension = %q", CompressionLZ4.Extension())
	}
	if CompressionNone.Extension() != "" {
		t.Errorf("none extension = %q", CompressionNone.Extension())
	}
}

func testCompressRoundTrip(t *testing.T, algorithm CompressionAlgorithm) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "logstream.log.20240115-143052.123")
	content := "entry one\nentry two\nentry three\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cm := NewCompressionManager(algorithm)
	if err := cm.CompressFileSync(path); err != nil {
		t.Fatalf("CompressFileSync: %v", err)
	}

	// The original is gone, the artifact exists.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Original should be removed after successful compression")
	}
	compressed := path + algorithm.Extension()
	if _, err := os.Stat(compressed); err != nil {
		t.Fatalf("Compressed artifact missing: %v", err)
	}

	rc, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read decompressed: %v", err)
	}
	if string(data) != content {
		t.Errorf("Round trip mismatch: %q", data)
	}
}

func TestCompressGzipRoundTrip(t *testing.T) {
	testCompressRoundTrip(t, CompressionGzip)
}

func TestCompressLZ4RoundTrip(t *testing.T) {
	testCompressRoundTrip(t, CompressionLZ4)
}

func TestCompressMissingFileIsNoop(t *testing.T) {
	cm := NewCompressionManager(CompressionGzip)
	if err := cm.CompressFileSync(filepath.Join(t.TempDir(), "absent.log")); err != nil {
		t.Errorf("Missing file should not error: %v", err)
	}
}

func TestCompressionNoneNeverTouchesFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.log")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cm := NewCompressionManager(CompressionNone)
	cm.Start() // no-op
	cm.QueueFile(path)
	cm.Stop()

	if err := cm.CompressFileSync(path); err != nil {
		t.Fatalf("CompressFileSync: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("File should be untouched: %v", err)
	}
}

func TestAsyncCompressionWorker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logstream.log.20240115-143052.123")
	if err := os.WriteFile(path, []byte("async entry\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	var compressions int
	cm := NewCompressionManager(CompressionGzip)
	cm.SetMetricsHandler(func(event string) {
		if event == "compression_completed" {
			compressions++
		}
	})
	cm.Start()
	cm.QueueFile(path)
	cm.Stop() // drains the queue

	if _, err := os.Stat(path + ".gz"); err != nil {
		t.Fatalf("Artifact missing after worker drain: %v", err)
	}
	if compressions != 1 {
		t.Errorf("compressions = %d, want 1", compressions)
	}
}

func TestFailedCompressionLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	// A directory at the destination path makes the artifact creation fail.
	path := filepath.Join(dir, "victim.log.20240115-143052.123")
	if err := os.WriteFile(path, []byte("precious data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Mkdir(path+".gz", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cm := NewCompressionManager(CompressionGzip)
	var reported bool
	cm.SetErrorHandler(func(source, p, msg string, err error) { reported = true })

	if err := cm.CompressFileSync(path); err == nil {
		t.Error("Expected compression failure")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Original must survive a failed compression: %v", err)
	}
	if string(data) != "precious data" {
		t.Errorf("Original content changed: %q", data)
	}
	_ = reported // the sync path returns the error directly
}

func TestStopIsIdempotent(t *testing.T) {
	cm := NewCompressionManager(CompressionGzip)
	cm.Start()
	done := make(chan struct{})
	go func() {
		cm.Stop()
		cm.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop deadlocked")
	}
}
