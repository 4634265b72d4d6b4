package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/algorand/go-deadlock"

	"github.com/blockberries/gutsberry/logging"
	"github.com/blockberries/gutsberry/types"
)

const (
	walFilePerm       = 0600
	walDirPerm        = 0700
	maxMsgSize        = 16 * 1024 * 1024 // proposals carry transactions
	defaultBufSize    = 64 * 1024
	defaultMaxSegSize = 64 * 1024 * 1024
	segmentPrefix     = "wal"
)

// FileWAL is a segmented, file-based WAL. Records are framed as
// length | msgpack body | crc32.
type FileWAL struct {
	mu  deadlock.Mutex
	log logging.Logger

	dir  string
	file *os.File
	buf  *bufio.Writer

	group        *Group
	started      bool
	segmentIndex int
	segmentSize  int64
	maxSegSize   int64

	// height -> segment holding its EndHeight record
	heightIndex map[uint64]int
}

// NewFileWAL creates a new file-based WAL
func NewFileWAL(dir string, log logging.Logger) (*FileWAL, error) {
	return NewFileWALWithOptions(dir, defaultMaxSegSize, log)
}

// NewFileWALWithOptions creates a file-based WAL rotating segments at
// maxSegSize bytes.
func NewFileWALWithOptions(dir string, maxSegSize int64, log logging.Logger) (*FileWAL, error) {
	if err := os.MkdirAll(dir, walDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}
	if maxSegSize <= 0 {
		maxSegSize = defaultMaxSegSize
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &FileWAL{
		dir:        dir,
		log:        log.With("module", "wal"),
		maxSegSize: maxSegSize,
		group: &Group{
			Dir:     dir,
			Prefix:  segmentPrefix,
			MaxSize: maxSegSize,
		},
	}, nil
}

// Start opens the newest segment for appending and indexes EndHeight
// records of all segments.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	w.heightIndex = make(map[uint64]int)
	segments := findSegments(w.dir)
	if len(segments) > 0 {
		w.group.MinIndex = segments[0]
		w.group.MaxIndex = segments[len(segments)-1]
	}
	w.segmentIndex = w.group.MaxIndex

	w.buildIndex()
	if err := w.openSegment(w.segmentIndex); err != nil {
		return err
	}

	w.log.WithFields(logging.Fields{
		"dir":      w.dir,
		"segments": len(segments),
		"heights":  len(w.heightIndex),
	}).Debug("WAL started")
	w.started = true
	return nil
}

// buildIndex indexes EndHeight records. A torn record at the end of the
// newest segment is cut off so that later appends stay readable.
func (w *FileWAL) buildIndex() {
	for idx := w.group.MinIndex; idx <= w.group.MaxIndex; idx++ {
		file, err := os.Open(w.segmentPath(idx))
		if err != nil {
			continue
		}
		dec := newDecoder(bufio.NewReader(file))
		var valid int64
		for {
			msg, err := dec.Decode()
			if err == io.EOF {
				break
			}
			if err != nil {
				w.log.Warnf("segment %d unreadable after %d heights: %v", idx, len(w.heightIndex), err)
				if idx == w.group.MaxIndex && errors.Is(err, ErrWALCorrupted) {
					if terr := os.Truncate(w.segmentPath(idx), valid); terr != nil {
						w.log.Errorf("failed to truncate torn segment %d: %v", idx, terr)
					}
				}
				break
			}
			valid += int64(dec.last)
			if msg.Type == MsgTypeEndHeight {
				w.heightIndex[msg.Height] = idx
			}
		}
		file.Close()
	}
}

func (w *FileWAL) segmentPath(index int) string {
	return segmentPath(w.dir, index)
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%05d", segmentPrefix, index))
}

func (w *FileWAL) openSegment(index int) error {
	file, err := os.OpenFile(w.segmentPath(index), os.O_RDWR|os.O_CREATE|os.O_APPEND, walFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment %d: %w", index, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat WAL segment: %w", err)
	}
	w.file = file
	w.buf = bufio.NewWriterSize(file, defaultBufSize)
	w.segmentSize = info.Size()
	return nil
}

// Stop flushes and closes the WAL file
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.flushAndSync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write appends a message without syncing.
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.write(msg)
}

// WriteSync appends a message and syncs to disk.
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.write(msg); err != nil {
		return err
	}
	return w.flushAndSync()
}

func (w *FileWAL) write(msg *Message) error {
	if !w.started {
		return ErrWALClosed
	}
	if w.segmentSize >= w.maxSegSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("failed to rotate WAL: %w", err)
		}
	}
	n, err := encodeMessage(w.buf, msg)
	if err != nil {
		return err
	}
	w.segmentSize += int64(n)
	if msg.Type == MsgTypeEndHeight {
		w.heightIndex[msg.Height] = w.segmentIndex
	}
	return nil
}

func (w *FileWAL) rotate() error {
	if err := w.flushAndSync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	w.group.MaxIndex = w.segmentIndex
	w.log.Debugf("rotating to segment %d", w.segmentIndex)
	return w.openSegment(w.segmentIndex)
}

// FlushAndSync flushes the buffer and syncs to disk.
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}
	return w.flushAndSync()
}

func (w *FileWAL) flushAndSync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndHeight implements WAL. Height 0 ends before the first record,
// so it always returns a reader over the whole log.
func (w *FileWAL) SearchForEndHeight(height uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrWALClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if height == 0 {
		return &multiSegmentReader{dir: w.dir, segments: w.segmentsFrom(w.group.MinIndex), current: -1}, true, nil
	}

	start, ok := w.heightIndex[height]
	if !ok {
		return nil, false, nil
	}
	reader := &multiSegmentReader{dir: w.dir, segments: w.segmentsFrom(start), current: -1}
	for {
		msg, err := reader.Read()
		if err == io.EOF {
			reader.Close()
			return nil, false, nil
		}
		if err != nil {
			reader.Close()
			return nil, false, err
		}
		if msg.Type == MsgTypeEndHeight && msg.Height == height {
			return reader, true, nil
		}
	}
}

func (w *FileWAL) segmentsFrom(start int) []int {
	var out []int
	for idx := start; idx <= w.group.MaxIndex; idx++ {
		out = append(out, idx)
	}
	return out
}

// Checkpoint deletes segments that only contain heights <= height. The
// current segment is never deleted.
func (w *FileWAL) Checkpoint(height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrWALClosed
	}

	var deleted []int
	for idx := w.group.MinIndex; idx < w.group.MaxIndex; idx++ {
		maxHeight, err := w.segmentMaxHeight(idx)
		if err != nil || maxHeight > height {
			break
		}
		if err := os.Remove(w.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete segment %d: %w", idx, err)
		}
		deleted = append(deleted, idx)
	}
	if len(deleted) == 0 {
		return nil
	}

	gone := make(map[int]bool, len(deleted))
	for _, idx := range deleted {
		gone[idx] = true
	}
	for h, idx := range w.heightIndex {
		if gone[idx] {
			delete(w.heightIndex, h)
		}
	}
	w.group.MinIndex = deleted[len(deleted)-1] + 1
	w.log.Debugf("checkpoint at height %d removed %d segments", height, len(deleted))
	return nil
}

func (w *FileWAL) segmentMaxHeight(index int) (uint64, error) {
	file, err := os.Open(w.segmentPath(index))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	dec := newDecoder(bufio.NewReader(file))
	var maxHeight uint64
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return maxHeight, nil
		}
		if err != nil {
			return 0, err
		}
		if msg.Height > maxHeight {
			maxHeight = msg.Height
		}
	}
}

// Ensure FileWAL implements WAL
var _ WAL = (*FileWAL)(nil)

func encodeMessage(w io.Writer, msg *Message) (int, error) {
	data := types.Encode(msg)
	if len(data) > maxMsgSize {
		return 0, fmt.Errorf("WAL message of %d bytes exceeds %d", len(data), maxMsgSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(hdr[:], crc32.ChecksumIEEE(data))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	return 4 + len(data) + 4, nil
}

type decoder struct {
	r   io.Reader
	hdr [4]byte
	// framed size of the last record decoded
	last int
}

func newDecoder(r io.Reader) *decoder {
	return &decoder{r: r}
}

// Decode reads one record. A record cut short at the end of a segment is
// reported as ErrWALCorrupted wrapping io.ErrUnexpectedEOF.
func (d *decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(d.hdr[:])
	if length > maxMsgSize {
		return nil, fmt.Errorf("%w: record length %d", ErrWALCorrupted, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	expected := binary.BigEndian.Uint32(d.hdr[:])
	if actual := crc32.ChecksumIEEE(data); expected != actual {
		return nil, fmt.Errorf("%w: CRC mismatch (expected %08x, got %08x)", ErrWALCorrupted, expected, actual)
	}

	msg := &Message{}
	if err := types.Decode(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
	}
	d.last = 4 + len(data) + 4
	return msg, nil
}

// OpenWALForReading opens every segment in dir for reading from the start.
func OpenWALForReading(dir string) (Reader, error) {
	segments := findSegments(dir)
	if len(segments) == 0 {
		return nil, ErrWALNotFound
	}
	return &multiSegmentReader{dir: dir, segments: segments, current: -1}, nil
}

func findSegments(dir string) []int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var segments []int
	for _, entry := range entries {
		var idx int
		if n, _ := fmt.Sscanf(entry.Name(), segmentPrefix+"-%05d", &idx); n == 1 {
			segments = append(segments, idx)
		}
	}
	sort.Ints(segments)
	return segments
}

// multiSegmentReader reads through consecutive segments
type multiSegmentReader struct {
	dir      string
	segments []int
	current  int
	file     *os.File
	dec      *decoder
}

func (r *multiSegmentReader) Read() (*Message, error) {
	for {
		if r.file == nil {
			r.current++
			if r.current >= len(r.segments) {
				return nil, io.EOF
			}
			file, err := os.Open(segmentPath(r.dir, r.segments[r.current]))
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			r.file = file
			r.dec = newDecoder(bufio.NewReader(file))
		}

		msg, err := r.dec.Decode()
		if err == io.EOF {
			r.file.Close()
			r.file = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

func (r *multiSegmentReader) Close() error {
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

var _ Reader = (*multiSegmentReader)(nil)
