package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
)

// browseUnknownField is the unexplained integer the source writes between a
// browse response's unlocked directory list and its locked one. Preserved
// verbatim; see DESIGN.md open-question decisions.
const browseUnknownField uint32 = 0

// Writer builds one outbound frame body, mirroring the source's
// MessageBuilder but generalized across code spaces and with directory/file
// composition and deflate compression folded in.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 64)}
}

func (w *Writer) WriteInt8(v uint8) *Writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteInt8(1)
	}
	return w.WriteInt8(0)
}

func (w *Writer) WriteInt32(v uint32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteInt64(v uint64) *Writer {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *Writer) WriteString(s string) *Writer {
	w.WriteInt32(uint32(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

func (w *Writer) WriteBytes(b []byte) *Writer {
	w.buf = append(w.buf, b...)
	return w
}

// WriteIP appends a dotted-quad address as 4 bytes in reversed order.
func (w *Writer) WriteIP(a, b, c, d byte) *Writer {
	w.buf = append(w.buf, d, c, b, a)
	return w
}

func (w *Writer) WriteFile(f File) *Writer {
	w.WriteInt8(1) // per-file code, always 1 on the wire
	w.WriteString(f.Filename)
	w.WriteInt64(f.Size)
	w.WriteString(f.Extension)
	w.WriteInt32(uint32(len(f.Attributes)))
	for _, a := range f.Attributes {
		w.WriteInt32(a.Type)
		w.WriteInt32(a.Value)
	}
	return w
}

func (w *Writer) WriteDirectory(d Directory) *Writer {
	w.WriteString(d.Name)
	w.WriteInt32(uint32(len(d.Files)))
	for _, f := range d.Files {
		w.WriteFile(f)
	}
	return w
}

// WriteBrowseDirectories writes the browse-response body's directory
// section: unlocked directories, then — only if any are locked — the
// unknown field, the locked count, and the locked directories. Mirrors
// Reader.ReadBrowseDirectories.
func (w *Writer) WriteBrowseDirectories(dirs []Directory) *Writer {
	var unlocked, locked []Directory
	for _, d := range dirs {
		if d.Locked {
			locked = append(locked, d)
		} else {
			unlocked = append(unlocked, d)
		}
	}
	w.WriteInt32(uint32(len(unlocked)))
	for _, d := range unlocked {
		w.WriteDirectory(d)
	}
	if len(locked) == 0 {
		return w
	}
	w.WriteInt32(browseUnknownField)
	w.WriteInt32(uint32(len(locked)))
	for _, d := range locked {
		w.WriteDirectory(d)
	}
	return w
}

// Compress replaces the bytes written so far with their zlib-wrapped
// deflate compression, matching the wire format of e.g. Peer.BrowseResponse.
func (w *Writer) Compress() *Writer {
	var out bytes.Buffer
	zw := zlib.NewWriter(&out)
	_, _ = zw.Write(w.buf)
	_ = zw.Close()
	w.buf = out.Bytes()
	return w
}

// Build finalizes a Server- or Peer-space frame: a 4-byte code followed by
// whatever was written, prefixed with the 4-byte total body length.
func (w *Writer) Build(code uint32) []byte {
	body := make([]byte, 0, 4+len(w.buf))
	var codeBuf [4]byte
	binary.LittleEndian.PutUint32(codeBuf[:], code)
	body = append(body, codeBuf[:]...)
	body = append(body, w.buf...)
	return frame(body)
}

// BuildDistributed finalizes a Distributed-space frame, whose code is a
// single byte.
func (w *Writer) BuildDistributed(code uint8) []byte {
	body := make([]byte, 0, 1+len(w.buf))
	body = append(body, code)
	body = append(body, w.buf...)
	return frame(body)
}

// BuildHandshake finalizes a PeerInit/PierceFirewall frame: these live
// outside every code space and use the same single-byte-code shape as
// Distributed frames.
func (w *Writer) BuildHandshake(code uint8) []byte {
	return w.BuildDistributed(code)
}

func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}
