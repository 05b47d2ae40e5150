package inferz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diagnosticWindows() []ThreadWindow {
	ctx1 := traceContext(1, 1, testAnchor)
	ctx2 := traceContext(1, 2, testAnchor)
	w1 := newThreadRecorder(11).
		activate(0, ctx1).
		sample(10, "a", "b").
		sample(20, "a").
		deactivate(30).w
	w2 := newThreadRecorder(12).
		sample(15, "c").w
	w2.Samples[0].Frames[0].ClassName = "github.com/acme/api.(*Server)"
	w2.Activations.Initial = []EncodedContext{encode(ctx2)}
	return []ThreadWindow{w1, w2}
}

func TestDiagnosticRoundTrip(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			w := NewDiagnosticWriter(dir, compression)
			created := time.Unix(1_700_000_000, 42)
			windows := diagnosticWindows()

			path, err := w.Backup(created, windows)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(path, dir))
			assert.Equal(t, compression == CompressionZstd, strings.HasSuffix(path, ".zst"))

			header, got, err := ReadDiagnosticFile(path)
			require.NoError(t, err)
			assert.Equal(t, w.Session(), header.Session)
			assert.True(t, header.Created.Equal(created))
			assert.Equal(t, windows, got)
		})
	}
}

func TestDiagnosticReplayReproducesCorrelation(t *testing.T) {
	path, err := NewDiagnosticWriter(t.TempDir(), CompressionNone).Backup(time.Now(), diagnosticWindows())
	require.NoError(t, err)

	_, windows, err := ReadDiagnosticFile(path)
	require.NoError(t, err)
	_, spans, err := correlate(t, CorrelatorConfig{}, windows...)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "a", spans[0].Name)
}

func TestDiagnosticSkipsUnknownRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeWindows(&buf, DiagnosticHeader{}, nil))

	// A record type from the future, then one with a newer version.
	record := func(kind, version uint16, payload []byte) {
		var hdr [recordHeaderSize]byte
		binary.BigEndian.PutUint16(hdr[0:2], kind)
		binary.BigEndian.PutUint16(hdr[2:4], version)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
		buf.Write(hdr[:])
		buf.Write(payload)
	}
	record(99, 1, []byte("future data"))
	record(RecordStackSample, recordVersion+1, []byte{1, 2, 3})
	require.NoError(t, writeWindows(&buf, DiagnosticHeader{}, diagnosticWindows()[1:]))

	_, windows, err := readDiagnostics(&buf)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, int64(12), windows[0].ThreadID)
}

func TestDiagnosticTruncatedFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeWindows(&buf, DiagnosticHeader{}, diagnosticWindows()))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := readDiagnostics(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, ErrMalformedDiagnostic)
}

func TestDiagnosticShortRecord(t *testing.T) {
	var buf bytes.Buffer
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], RecordActivation)
	binary.BigEndian.PutUint16(hdr[2:4], recordVersion)
	binary.BigEndian.PutUint32(hdr[4:8], 4)
	buf.Write(hdr[:])
	buf.Write([]byte{0, 0, 0, 1})

	_, _, err := readDiagnostics(&buf)
	assert.ErrorIs(t, err, ErrMalformedDiagnostic)
}

func TestDiagnosticWriterBadDirectory(t *testing.T) {
	file := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := NewDiagnosticWriter(file, CompressionNone).Backup(time.Now(), diagnosticWindows())
	assert.Error(t, err)
}

func TestDiagnosticOversizedRecord(t *testing.T) {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], RecordStackSample)
	binary.BigEndian.PutUint16(hdr[2:4], recordVersion)
	binary.BigEndian.PutUint32(hdr[4:8], 0xFFFFFFFF)

	_, _, err := readDiagnostics(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrMalformedDiagnostic)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestDiagnosticTruncatesHugeSamples(t *testing.T) {
	long := strings.Repeat("x", maxDiagnosticFrame-1)
	s := StackSample{ThreadID: 1, Timestamp: 5}
	for i := 0; i < 300; i++ {
		s.Frames = append(s.Frames, StackFrame{ClassName: long, MethodName: "m"})
	}
	var buf bytes.Buffer
	require.NoError(t, writeWindows(&buf, DiagnosticHeader{}, []ThreadWindow{{ThreadID: 1, Samples: []StackSample{s}}}))

	_, windows, err := readDiagnostics(&buf)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	frames := windows[0].Samples[0].Frames
	assert.NotEmpty(t, frames)
	assert.Less(t, len(frames), 300)
	assert.Equal(t, s.Frames[:len(frames)], frames)
}

func TestDiagnosticStringsKeepRunes(t *testing.T) {
	// Two-byte runes put the cut inside a rune.
	name := strings.Repeat("é", maxDiagnosticFrame)
	var buf bytes.Buffer
	putString(&buf, name)

	p := payloadReader{b: buf.Bytes()}
	got := p.str()
	require.False(t, p.err)
	assert.True(t, utf8.ValidString(got))
	assert.Less(t, len(got), maxDiagnosticFrame)
	assert.True(t, strings.HasPrefix(name, got))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestDiagnosticWriterReleasesEncoderOnError(t *testing.T) {
	w := newThreadRecorder(1)
	for i := 0; i < 50_000; i++ {
		w.sample(int64(i), fmt.Sprintf("pkg%d", i%977), fmt.Sprintf("fn%d", i))
	}
	windows := []ThreadWindow{w.w}
	before := runtime.NumGoroutine()

	d := NewDiagnosticWriter(t.TempDir(), CompressionZstd)
	for i := 0; i < 5; i++ {
		assert.Error(t, d.write(failingWriter{}, DiagnosticHeader{}, windows))
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond, "encoder goroutines left running")
}
