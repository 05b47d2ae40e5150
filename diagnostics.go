package inferz

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Diagnostic record types. Every record is
// type(u16) version(u16) length(u32) payload(length), big-endian.
const (
	RecordHeader      uint16 = 1
	RecordInitial     uint16 = 2
	RecordActivation  uint16 = 3
	RecordStackSample uint16 = 4

	recordVersion uint16 = 1
)

const (
	recordHeaderSize   = 8
	maxDiagnosticFrame = 1 << 16
	// maxDiagnosticRecord bounds the payload of one record. Samples with
	// more frames than fit are truncated when written.
	maxDiagnosticRecord = 1 << 24
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ErrMalformedDiagnostic is returned for a truncated or corrupt file.
var ErrMalformedDiagnostic = errors.New("malformed diagnostic file")

// DiagnosticHeader opens every diagnostic file.
type DiagnosticHeader struct {
	Created time.Time
	Session uuid.UUID
}

// DiagnosticWriter backs up the raw data of windows that failed
// correlation.
type DiagnosticWriter struct {
	session     uuid.UUID
	dir         string
	compression string
}

// NewDiagnosticWriter writes files into dir. compression is
// CompressionNone or CompressionZstd.
func NewDiagnosticWriter(dir, compression string) *DiagnosticWriter {
	if dir == "" {
		dir = os.TempDir()
	}
	return &DiagnosticWriter{session: uuid.New(), dir: dir, compression: compression}
}

// Session identifies the profiler run the files belong to.
func (d *DiagnosticWriter) Session() uuid.UUID { return d.session }

// Backup writes windows to a new file and returns its path.
func (d *DiagnosticWriter) Backup(created time.Time, windows []ThreadWindow) (path string, err error) {
	name := fmt.Sprintf("inferz-%s-%s.diag", d.session, uuid.New())
	if d.compression == CompressionZstd {
		name += ".zst"
	}
	path = filepath.Join(d.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating diagnostic file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	return path, d.write(f, DiagnosticHeader{Created: created, Session: d.session}, windows)
}

func (d *DiagnosticWriter) write(out io.Writer, header DiagnosticHeader, windows []ThreadWindow) (err error) {
	if d.compression == CompressionZstd {
		zw, zerr := zstd.NewWriter(out)
		if zerr != nil {
			return fmt.Errorf("creating zstd writer: %w", zerr)
		}
		defer func() {
			if cerr := zw.Close(); err == nil && cerr != nil {
				err = cerr
			}
		}()
		out = zw
	}
	bw := bufio.NewWriter(out)
	if err := writeWindows(bw, header, windows); err != nil {
		return err
	}
	return bw.Flush()
}

func writeWindows(w io.Writer, header DiagnosticHeader, windows []ThreadWindow) error {
	var payload bytes.Buffer
	rec := recordWriter{w: w, buf: &payload}

	payload.Write(header.Session[:])
	putInt64(&payload, header.Created.UnixNano())
	if err := rec.flush(RecordHeader); err != nil {
		return err
	}

	for i := range windows {
		tw := &windows[i]
		for j := range tw.Activations.Initial {
			putInt64(&payload, tw.ThreadID)
			payload.Write(tw.Activations.Initial[j][:])
			if err := rec.flush(RecordInitial); err != nil {
				return err
			}
		}
		for j := range tw.Activations.Events {
			e := &tw.Activations.Events[j]
			putInt64(&payload, e.ThreadID)
			putInt64(&payload, e.Timestamp)
			payload.WriteByte(byte(e.Kind))
			payload.Write(e.Context[:])
			if err := rec.flush(RecordActivation); err != nil {
				return err
			}
		}
		for j := range tw.Samples {
			s := &tw.Samples[j]
			putInt64(&payload, s.ThreadID)
			putInt64(&payload, s.Timestamp)
			countAt := payload.Len()
			payload.Write([]byte{0, 0, 0, 0})
			var n uint32
			for _, f := range s.Frames {
				if payload.Len()+4+len(f.ClassName)+len(f.MethodName) > maxDiagnosticRecord {
					break
				}
				putString(&payload, f.ClassName)
				putString(&payload, f.MethodName)
				n++
			}
			binary.BigEndian.PutUint32(payload.Bytes()[countAt:], n)
			if err := rec.flush(RecordStackSample); err != nil {
				return err
			}
		}
	}
	return nil
}

type recordWriter struct {
	w   io.Writer
	buf *bytes.Buffer
}

func (r recordWriter) flush(kind uint16) error {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], kind)
	binary.BigEndian.PutUint16(hdr[2:4], recordVersion)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(r.buf.Len()))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := r.w.Write(r.buf.Bytes())
	r.buf.Reset()
	return err
}

func putInt64(b *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	b.Write(tmp[:])
}

func putString(b *bytes.Buffer, s string) {
	if len(s) >= maxDiagnosticFrame {
		n := maxDiagnosticFrame - 1
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		s = s[:n]
	}
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	b.Write(tmp[:])
	b.WriteString(s)
}

// ReadDiagnosticFile decodes a file written by DiagnosticWriter, compressed
// or not. Records of unknown type or newer version are skipped. Windows are
// returned per thread in order of first appearance.
func ReadDiagnosticFile(path string) (DiagnosticHeader, []ThreadWindow, error) {
	f, err := os.Open(path)
	if err != nil {
		return DiagnosticHeader{}, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return DiagnosticHeader{}, nil, fmt.Errorf("zstd failed: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return readDiagnostics(r)
}

func readDiagnostics(r io.Reader) (DiagnosticHeader, []ThreadWindow, error) {
	var (
		header  DiagnosticHeader
		windows []ThreadWindow
		index   = map[int64]int{}
		hdr     [recordHeaderSize]byte
		payload []byte
	)
	window := func(threadID int64) *ThreadWindow {
		i, ok := index[threadID]
		if !ok {
			i = len(windows)
			index[threadID] = i
			windows = append(windows, ThreadWindow{ThreadID: threadID})
		}
		return &windows[i]
	}

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return header, windows, nil
			}
			return header, windows, fmt.Errorf("%w: %w", ErrMalformedDiagnostic, err)
		}
		kind := binary.BigEndian.Uint16(hdr[0:2])
		version := binary.BigEndian.Uint16(hdr[2:4])
		length := binary.BigEndian.Uint32(hdr[4:8])
		if length > maxDiagnosticRecord {
			return header, windows, fmt.Errorf("%w: record of %d bytes exceeds %d", ErrMalformedDiagnostic, length, maxDiagnosticRecord)
		}
		if cap(payload) < int(length) {
			payload = make([]byte, length)
		}
		payload = payload[:length]
		if _, err := io.ReadFull(r, payload); err != nil {
			return header, windows, fmt.Errorf("%w: %w", ErrMalformedDiagnostic, err)
		}
		if version > recordVersion {
			continue
		}

		p := payloadReader{b: payload}
		switch kind {
		case RecordHeader:
			copy(header.Session[:], p.next(16))
			header.Created = time.Unix(0, p.int64())
		case RecordInitial:
			w := window(p.int64())
			var enc EncodedContext
			copy(enc[:], p.next(TraceContextSize))
			w.Activations.Initial = append(w.Activations.Initial, enc)
		case RecordActivation:
			var e ActivationEvent
			e.ThreadID = p.int64()
			e.Timestamp = p.int64()
			e.Kind = EventKind(p.uint8())
			copy(e.Context[:], p.next(TraceContextSize))
			w := window(e.ThreadID)
			w.Activations.Events = append(w.Activations.Events, e)
		case RecordStackSample:
			var s StackSample
			s.ThreadID = p.int64()
			s.Timestamp = p.int64()
			n := int(p.uint32())
			if n > len(payload) {
				p.err = true
				break
			}
			s.Frames = make([]StackFrame, 0, n)
			for i := 0; i < n && !p.err; i++ {
				s.Frames = append(s.Frames, StackFrame{ClassName: p.str(), MethodName: p.str()})
			}
			w := window(s.ThreadID)
			w.Samples = append(w.Samples, s)
		default:
			continue
		}
		if p.err {
			return header, windows, fmt.Errorf("%w: short record of type %d", ErrMalformedDiagnostic, kind)
		}
	}
}

// payloadReader reads fields from a record, flagging short payloads
// instead of panicking.
type payloadReader struct {
	b   []byte
	err bool
}

func (p *payloadReader) next(n int) []byte {
	if p.err || len(p.b) < n {
		p.err = true
		return make([]byte, n)
	}
	out := p.b[:n]
	p.b = p.b[n:]
	return out
}

func (p *payloadReader) int64() int64 { return int64(binary.BigEndian.Uint64(p.next(8))) }
func (p *payloadReader) uint32() uint32 { return binary.BigEndian.Uint32(p.next(4)) }
func (p *payloadReader) uint8() uint8 { return p.next(1)[0] }

func (p *payloadReader) str() string {
	n := int(binary.BigEndian.Uint16(p.next(2)))
	return string(p.next(n))
}
