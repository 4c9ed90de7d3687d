// Package pack reads and writes texture packs: a single file holding many
// zlib-compressed textures behind a compressed name table.
//
// Layout, little endian:
//
//	header  magic[8] version:u32 count:u32 tableOffset:u64 tableSize:u32 tableRaw:u32
//	data    entry payloads, each padded to 8 bytes
//	table   zlib( { name NUL, size:u32, aligned:u32, raw:u32, flags:u8, offset:u64 }... )
//
// Offsets are relative to the end of the header. Names are stored with
// forward slashes and matched case-insensitively.
package pack

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"go.trai.ch/zerr"
)

const (
	magic      = "NSPACK\x00\x01"
	version    = 1
	headerSize = 32
	entrySize  = 21
)

// Entry flags.
const (
	FlagFile   uint8 = 0x01
	FlagStored uint8 = 0x02 // payload is not compressed
)

var (
	// ErrNotFound is returned by Read for names the pack does not hold.
	ErrNotFound = zerr.New("file not found in pack")
	// ErrInvalid is returned for files that are not packs or are truncated.
	ErrInvalid = zerr.New("invalid pack")
)

type header struct {
	Magic       [8]byte
	Version     uint32
	Count       uint32
	TableOffset uint64
	TableSize   uint32
	TableRaw    uint32
}

// Entry describes one packed file.
type Entry struct {
	Name    string
	Size    uint32
	Aligned uint32
	Raw     uint32
	Flags   uint8
	Offset  uint64
}

// Archive is an open pack. Reads are safe for concurrent use.
type Archive struct {
	file    *os.File
	entries map[string]*Entry
}

// Open opens the pack at path and loads its table.
func Open(path string) (*Archive, error) {
	//nolint:gosec // Pack paths come from configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open pack"), "path", path)
	}
	a := &Archive{file: f, entries: make(map[string]*Entry)}
	if err := a.readTable(); err != nil {
		f.Close()
		return nil, zerr.With(zerr.Wrap(err, "failed to read pack table"), "path", path)
	}
	return a, nil
}

func (a *Archive) readTable() error {
	var h header
	if err := binary.Read(io.NewSectionReader(a.file, 0, headerSize), binary.LittleEndian, &h); err != nil {
		return zerr.Wrap(ErrInvalid, "short header")
	}
	if string(h.Magic[:]) != magic {
		return zerr.Wrap(ErrInvalid, "bad magic")
	}
	if h.Version != version {
		return zerr.With(zerr.Wrap(ErrInvalid, "unsupported version"), "version", h.Version)
	}

	compressed := make([]byte, h.TableSize)
	if _, err := a.file.ReadAt(compressed, headerSize+int64(h.TableOffset)); err != nil {
		return zerr.Wrap(ErrInvalid, "truncated table")
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return zerr.Wrap(ErrInvalid, "corrupt table")
	}
	defer zr.Close()
	table := make([]byte, h.TableRaw)
	if _, err := io.ReadFull(zr, table); err != nil {
		return zerr.Wrap(ErrInvalid, "corrupt table")
	}

	off := 0
	for i := uint32(0); i < h.Count; i++ {
		end := bytes.IndexByte(table[off:], 0)
		if end < 0 || off+end+1+entrySize > len(table) {
			return zerr.With(zerr.Wrap(ErrInvalid, "truncated entry"), "entry", i)
		}
		name := string(table[off : off+end])
		off += end + 1
		e := &Entry{
			Name:    normalize(name),
			Size:    binary.LittleEndian.Uint32(table[off:]),
			Aligned: binary.LittleEndian.Uint32(table[off+4:]),
			Raw:     binary.LittleEndian.Uint32(table[off+8:]),
			Flags:   table[off+12],
			Offset:  binary.LittleEndian.Uint64(table[off+13:]),
		}
		off += entrySize
		if e.Flags&FlagFile != 0 {
			a.entries[e.Name] = e
		}
	}
	return nil
}

// Close closes the underlying file.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}

// Len returns the number of files.
func (a *Archive) Len() int { return len(a.entries) }

// List returns every file name, sorted.
func (a *Archive) List() []string {
	out := make([]string, 0, len(a.entries))
	for name := range a.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the pack holds name.
func (a *Archive) Contains(name string) bool {
	_, ok := a.entries[normalize(name)]
	return ok
}

// Read returns the contents of name.
func (a *Archive) Read(name string) ([]byte, error) {
	e, ok := a.entries[normalize(name)]
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrNotFound, "lookup"), "name", name)
	}

	payload := make([]byte, e.Size)
	if _, err := a.file.ReadAt(payload, headerSize+int64(e.Offset)); err != nil {
		return nil, zerr.With(zerr.Wrap(ErrInvalid, "truncated payload"), "name", name)
	}
	if e.Flags&FlagStored != 0 {
		return payload, nil
	}

	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to inflate payload"), "name", name)
	}
	defer zr.Close()
	out := make([]byte, e.Raw)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to inflate payload"), "name", name)
	}
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "/"))
}

// Writer builds a pack.
type Writer struct {
	w       io.WriteSeeker
	off     uint64
	entries []Entry
	names   map[string]bool
	closed  bool
}

// NewWriter starts a pack on w, which must be positioned at its start.
func NewWriter(w io.WriteSeeker) (*Writer, error) {
	if _, err := w.Write(make([]byte, headerSize)); err != nil {
		return nil, zerr.Wrap(err, "failed to write pack header")
	}
	return &Writer{w: w, names: make(map[string]bool)}, nil
}

// Add appends one file. Payloads that do not shrink are stored as is.
func (pw *Writer) Add(name string, data []byte) error {
	name = normalize(name)
	if name == "" || strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("invalid pack entry name %q", name)
	}
	if pw.names[name] {
		return fmt.Errorf("duplicate pack entry %q", name)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return zerr.Wrap(err, "failed to deflate pack entry")
	}
	if err := zw.Close(); err != nil {
		return zerr.Wrap(err, "failed to deflate pack entry")
	}
	payload, flags := buf.Bytes(), FlagFile
	if len(payload) >= len(data) {
		payload, flags = data, FlagFile|FlagStored
	}

	aligned := (len(payload) + 7) &^ 7
	if _, err := pw.w.Write(payload); err != nil {
		return zerr.Wrap(err, "failed to write pack entry")
	}
	if _, err := pw.w.Write(make([]byte, aligned-len(payload))); err != nil {
		return zerr.Wrap(err, "failed to write pack entry")
	}

	pw.entries = append(pw.entries, Entry{
		Name:    name,
		Size:    uint32(len(payload)),
		Aligned: uint32(aligned),
		Raw:     uint32(len(data)),
		Flags:   flags,
		Offset:  pw.off,
	})
	pw.names[name] = true
	pw.off += uint64(aligned)
	return nil
}

// Close writes the table and the header. It does not close the underlying
// writer.
func (pw *Writer) Close() error {
	if pw.closed {
		return nil
	}
	pw.closed = true

	var table bytes.Buffer
	var rec [entrySize]byte
	for _, e := range pw.entries {
		table.WriteString(e.Name)
		table.WriteByte(0)
		binary.LittleEndian.PutUint32(rec[0:], e.Size)
		binary.LittleEndian.PutUint32(rec[4:], e.Aligned)
		binary.LittleEndian.PutUint32(rec[8:], e.Raw)
		rec[12] = e.Flags
		binary.LittleEndian.PutUint64(rec[13:], e.Offset)
		table.Write(rec[:])
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(table.Bytes()); err != nil {
		return zerr.Wrap(err, "failed to deflate pack table")
	}
	if err := zw.Close(); err != nil {
		return zerr.Wrap(err, "failed to deflate pack table")
	}
	if _, err := pw.w.Write(compressed.Bytes()); err != nil {
		return zerr.Wrap(err, "failed to write pack table")
	}

	h := header{
		Version:     version,
		Count:       uint32(len(pw.entries)),
		TableOffset: pw.off,
		TableSize:   uint32(compressed.Len()),
		TableRaw:    uint32(table.Len()),
	}
	copy(h.Magic[:], magic)
	if _, err := pw.w.Seek(0, io.SeekStart); err != nil {
		return zerr.Wrap(err, "failed to rewind pack")
	}
	if err := binary.Write(pw.w, binary.LittleEndian, &h); err != nil {
		return zerr.Wrap(err, "failed to write pack header")
	}
	return nil
}

// Create writes a pack holding files to path.
func Create(path string, files map[string][]byte) error {
	//nolint:gosec // Output path comes from the command line
	f, err := os.Create(path)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to create pack"), "path", path)
	}
	defer f.Close()

	pw, err := NewWriter(f)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := pw.Add(name, files[name]); err != nil {
			return err
		}
	}
	if err := pw.Close(); err != nil {
		return err
	}
	return f.Close()
}
