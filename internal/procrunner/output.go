package procrunner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const tailSize = 8192

// ringBuffer keeps the last N bytes written to it for incremental tail
// reads; writes past capacity drop the oldest bytes.
type ringBuffer struct {
	cap int
	buf []byte
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{cap: capacity}
}

func (r *ringBuffer) Write(b []byte) {
	r.buf = append(r.buf, b...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
}

func (r *ringBuffer) String() string {
	return string(r.buf)
}

// outputStore aggregates one session's scrubbed stdout/stderr, bounded by
// maxChars in memory, with a tail ring buffer for incremental polling.
// Once the in-memory aggregate would exceed maxChars, content spills to
// a temp file and further writes go straight to disk.
type outputStore struct {
	mu         sync.Mutex
	maxChars   int
	pid        int
	startedAt  int64
	buf        strings.Builder
	tail       *ringBuffer
	spillFile  *os.File
	spillPath  string
}

func newOutputStore(maxChars, pid int, startedAtMs int64) *outputStore {
	return &outputStore{maxChars: maxChars, pid: pid, startedAt: startedAtMs, tail: newRingBuffer(tailSize)}
}

// Write scrubs b and appends it to the tail buffer and, depending on
// whether spillover has already triggered, either the in-memory
// aggregate or the spillover file.
func (s *outputStore) Write(b []byte) error {
	scrubbed := scrubBinary(b)
	if len(scrubbed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail.Write(scrubbed)

	if s.spillFile != nil {
		_, err := s.spillFile.Write(scrubbed)
		return err
	}

	s.buf.Write(scrubbed)
	if s.buf.Len() <= s.maxChars {
		return nil
	}

	path := filepath.Join(os.TempDir(), fmt.Sprintf("openclaw-exec-output-%d-%d.txt", s.startedAt, s.pid))
	f, err := os.Create(path)
	if err != nil {
		// Spillover is best-effort; keep accumulating in memory rather
		// than losing output if the temp directory is unwritable.
		return nil
	}
	if _, err := f.WriteString(s.buf.String()); err != nil {
		_ = f.Close()
		return err
	}
	s.spillFile = f
	s.spillPath = path
	s.buf.Reset()
	return nil
}

// Tail returns the last tailSize bytes written, for incremental polling.
func (s *outputStore) Tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail.String()
}

// Aggregated returns the in-memory aggregate. Once spillover has
// triggered this reflects only content written before the spill.
func (s *outputStore) Aggregated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Finalize closes any spillover file and returns whether output spilled
// and, if so, its path.
func (s *outputStore) Finalize() (spilled bool, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spillFile == nil {
		return false, "", nil
	}
	err = s.spillFile.Close()
	return true, s.spillPath, err
}

// splitImageOutput reports whether content is an image data URI and, if
// so, returns it split into an image part plus a short text placeholder.
// Non-image content is returned unsplit as a single text part.
func splitImageOutput(content string) []OutputPart {
	if m := matchImageDataURI(content); m {
		return []OutputPart{
			{Kind: "image", Data: content},
			{Kind: "text", Text: "[image output omitted from transcript]"},
		}
	}
	return []OutputPart{{Kind: "text", Text: content}}
}

func matchImageDataURI(content string) bool {
	const prefix = "data:image/"
	if !strings.HasPrefix(content, prefix) {
		return false
	}
	rest := content[len(prefix):]
	for _, kind := range []string{"png", "jpeg", "gif", "webp"} {
		if strings.HasPrefix(rest, kind+";base64,") {
			return true
		}
	}
	return false
}
