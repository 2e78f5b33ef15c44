package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// The durable backend's flush buffer spills to a write-ahead log so entities
// accepted by Put survive a crash between acceptance and the Elasticsearch
// bulk flush. Segment format:
//
//	header: magic(4) | version(2) | reserved(2)
//	record: lsn(8) | payloadLen(4) | payload(JSON document) | crc32c(4)
//
// A checkpoint file records the highest flushed LSN; segments wholly below it
// are reclaimed after a successful bulk flush.
const (
	walMagic      = 0x4B534E57 // "KSNW"
	walVersion    = 1
	walHeaderSize = 8
	walRecordHead = 12
	walCRCSize    = 4
	walMaxPayload = 16 << 20

	walSegmentRecords = 50_000
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// wal is the per-store write-ahead log. Nil *wal means durability is disabled
// and all methods are no-ops.
type wal struct {
	dir    string
	logger *slog.Logger

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentRecs int
	nextLSN     uint64
}

type walCheckpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// openWAL opens (or creates) a WAL in dir. Returns nil if dir is empty.
func openWAL(dir string, logger *slog.Logger) (*wal, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: wal: create directory: %w", err)
	}

	w := &wal{dir: dir, logger: logger}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	w.nextLSN = cp.FlushedLSN + 1

	// Un-checkpointed records may carry LSNs past the checkpoint; never reuse them.
	if segments, err := w.listSegments(); err == nil {
		for _, seg := range segments {
			records, err := w.readSegment(seg)
			if err != nil {
				continue
			}
			for _, r := range records {
				if r.lsn >= w.nextLSN {
					w.nextLSN = r.lsn + 1
				}
			}
		}
	}

	high, err := w.highestSegment()
	if err != nil {
		return nil, fmt.Errorf("store: wal: scan segments: %w", err)
	}
	w.segmentNum = high + 1

	if err := w.rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

// append writes documents to the log and syncs before returning. The returned
// LSN is the highest assigned; checkpoint() with it reclaims these records.
func (w *wal) append(docs []document) (uint64, error) {
	if w == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var high uint64
	for i := range docs {
		payload, err := json.Marshal(&docs[i])
		if err != nil {
			return 0, fmt.Errorf("store: wal: marshal document: %w", err)
		}
		if len(payload) > walMaxPayload {
			return 0, fmt.Errorf("store: wal: document too large (%d bytes)", len(payload))
		}

		lsn := w.nextLSN
		w.nextLSN++
		high = lsn

		var head [walRecordHead]byte
		binary.BigEndian.PutUint64(head[0:8], lsn)
		binary.BigEndian.PutUint32(head[8:12], uint32(len(payload))) //nolint:gosec // bounded by walMaxPayload

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		var crc [walCRCSize]byte
		binary.BigEndian.PutUint32(crc[:], h.Sum32())

		for _, chunk := range [][]byte{head[:], payload, crc[:]} {
			if _, err := w.current.Write(chunk); err != nil {
				return 0, fmt.Errorf("store: wal: write record: %w", err)
			}
		}

		w.segmentRecs++
		if w.segmentRecs >= walSegmentRecords {
			if err := w.rotate(); err != nil {
				return 0, err
			}
		}
	}

	if err := w.current.Sync(); err != nil {
		return 0, fmt.Errorf("store: wal: fsync: %w", err)
	}
	return high, nil
}

// checkpoint records that all records up to and including lsn were flushed,
// then reclaims fully-flushed segments.
func (w *wal) checkpoint(lsn uint64) error {
	if w == nil || lsn == 0 {
		return nil
	}
	cp := walCheckpoint{FlushedLSN: lsn, FlushedAt: time.Now().UTC()}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("store: wal: marshal checkpoint: %w", err)
	}
	tmp := w.checkpointPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: wal: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("store: wal: rename checkpoint: %w", err)
	}
	w.reclaim(lsn)
	return nil
}

// recover returns records written but not yet checkpointed, in LSN order.
func (w *wal) recover() ([]walRecord, error) {
	if w == nil {
		return nil, nil
	}
	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("store: wal: list segments: %w", err)
	}

	var pending []walRecord
	for _, seg := range segments {
		records, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("store: wal: unreadable segment, skipping remainder", "segment", seg, "error", err)
			break
		}
		for _, r := range records {
			if r.lsn > cp.FlushedLSN {
				pending = append(pending, r)
			}
		}
	}
	return pending, nil
}

// close syncs and closes the current segment.
func (w *wal) close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("store: wal: final sync failed", "error", err)
	}
	return w.current.Close()
}

type walRecord struct {
	lsn uint64
	doc document
}

func (w *wal) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func (w *wal) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *wal) loadCheckpoint() (walCheckpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return walCheckpoint{}, nil
	}
	if err != nil {
		return walCheckpoint{}, fmt.Errorf("store: wal: read checkpoint: %w", err)
	}
	var cp walCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return walCheckpoint{}, fmt.Errorf("store: wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

func (w *wal) rotate() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("store: wal: sync before rotation failed", "error", err)
		}
		_ = w.current.Close()
	}
	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is built from validated config
	if err != nil {
		return fmt.Errorf("store: wal: open segment %d: %w", w.segmentNum, err)
	}
	var hdr [walHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], walMagic)
	binary.BigEndian.PutUint16(hdr[4:6], walVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		_ = f.Close()
		return fmt.Errorf("store: wal: write segment header: %w", err)
	}
	w.current = f
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *wal) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

func (w *wal) highestSegment() (uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var highest uint64
	for _, e := range entries {
		var num uint64
		if _, err := fmt.Sscanf(e.Name(), "%09d.wal", &num); err == nil && num > highest {
			highest = num
		}
	}
	return highest, nil
}

func (w *wal) readSegment(path string) ([]walRecord, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from w.dir
	if err != nil {
		return nil, fmt.Errorf("store: wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("store: wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, fmt.Errorf("store: wal: bad magic 0x%08X", magic)
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != walVersion {
		return nil, fmt.Errorf("store: wal: unsupported version %d", v)
	}

	var records []walRecord
	for {
		var head [walRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of segment or truncated tail
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > walMaxPayload {
			w.logger.Warn("store: wal: corrupted payload length, stopping segment read", "path", path, "lsn", lsn)
			break
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			break
		}
		var crcBuf [walCRCSize]byte
		if _, err := io.ReadFull(f, crcBuf[:]); err != nil {
			break
		}

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if h.Sum32() != binary.BigEndian.Uint32(crcBuf[:]) {
			w.logger.Warn("store: wal: CRC mismatch, stopping segment read", "path", path, "lsn", lsn)
			break
		}

		var doc document
		if err := json.Unmarshal(payload, &doc); err != nil {
			w.logger.Warn("store: wal: corrupted document JSON, stopping segment read", "path", path, "lsn", lsn, "error", err)
			break
		}
		records = append(records, walRecord{lsn: lsn, doc: doc})
	}
	return records, nil
}

// reclaim deletes segments whose records are all at or below flushedLSN.
func (w *wal) reclaim(flushedLSN uint64) {
	w.mu.Lock()
	currentPath := ""
	if w.current != nil {
		currentPath = w.current.Name()
	}
	w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return
	}
	for _, seg := range segments {
		if seg == currentPath {
			continue
		}
		records, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		high := uint64(0)
		for _, r := range records {
			if r.lsn > high {
				high = r.lsn
			}
		}
		if high <= flushedLSN {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("store: wal: failed to delete flushed segment", "path", seg, "error", err)
			}
		}
	}
}
