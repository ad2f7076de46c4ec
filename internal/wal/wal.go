// Package wal implements an append-only, integrity-checked journal for
// session ledgers.
//
// Every ledger event and session summary is written as a CBOR entry before
// the in-memory ledger accepts it. On restart the journal is read back and
// each session can be replayed through ledger.Replay.
package wal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"forensicseal/internal/ledger"
	"forensicseal/internal/logging"
)

const (
	Version    = 1
	Magic      = "FSWL"
	HeaderSize = 32
)

type EntryType uint8

const (
	EntrySession EntryType = 1 // ledger.Summary
	EntryEvent   EntryType = 2 // ledger.Record
)

var (
	ErrInvalidMagic   = errors.New("wal: invalid magic number")
	ErrInvalidVersion = errors.New("wal: unsupported version")
	ErrCorruptedEntry = errors.New("wal: corrupted entry (CRC mismatch)")
	ErrBrokenChain    = errors.New("wal: broken hash chain")
	ErrInvalidHMAC    = errors.New("wal: HMAC verification failed")
	ErrWALClosed      = errors.New("wal: log is closed")
	ErrLocked         = errors.New("wal: log is locked by another process")
	ErrUnknownSession = errors.New("wal: unknown session")
)

// Entry is a single WAL entry.
type Entry struct {
	// Length of the serialized entry, for seeking.
	Length uint32

	Sequence  uint64
	Timestamp int64 // UnixNano
	Type      EntryType
	Payload   []byte

	PrevHash [32]byte
	HMAC     [32]byte
	CRC32    uint32
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// DeriveKey derives the entry authentication key from a secret.
func DeriveKey(secret []byte) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("forensicseal-wal-v1"), []byte("entry-hmac"))
	if _, err := io.ReadFull(r, key); err != nil {
		panic(err)
	}
	return key
}

// Option configures a WAL.
type Option func(*WAL)

func WithLogger(l *slog.Logger) Option { return func(w *WAL) { w.logger = l } }

func WithClock(now func() time.Time) Option { return func(w *WAL) { w.clock = now } }

// WAL is a write-ahead journal. It implements ledger.Journal.
type WAL struct {
	mu sync.Mutex

	path    string
	file    *os.File
	hmacKey []byte
	logger  *slog.Logger
	clock   func() time.Time

	nextSequence uint64
	lastHash     [32]byte
	closed       bool

	entryCount uint64
	byteCount  int64
}

var _ ledger.Journal = (*WAL)(nil)

// Open opens or creates a WAL file and takes an exclusive advisory lock on
// it.
func Open(path string, secret []byte, opts ...Option) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return nil, err
	}

	w := &WAL{
		path:    path,
		file:    file,
		hmacKey: DeriveKey(secret),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logging.Discard()
	}
	w.logger = logging.WithComponent(w.logger, "wal")

	fail := func(err error) (*WAL, error) {
		unlockFile(file)
		file.Close()
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		return fail(fmt.Errorf("stat wal file: %w", err))
	}

	if stat.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			return fail(fmt.Errorf("write header: %w", err))
		}
		w.byteCount = HeaderSize
		if _, err := file.Seek(HeaderSize, io.SeekStart); err != nil {
			return fail(fmt.Errorf("seek after header: %w", err))
		}
		return w, nil
	}

	if err := w.readHeader(); err != nil {
		return fail(fmt.Errorf("read header: %w", err))
	}
	if err := w.scanToEnd(); err != nil {
		return fail(fmt.Errorf("scan wal: %w", err))
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(w.clock().UnixNano()))
	// Bytes 16-32 are reserved.

	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *WAL) readHeader() error {
	buf := make([]byte, HeaderSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return err
	}
	if string(buf[0:4]) != Magic {
		return ErrInvalidMagic
	}
	if version := binary.BigEndian.Uint32(buf[4:8]); version != Version {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidVersion, version, Version)
	}
	return nil
}

// scanToEnd walks the existing entries to recover the sequence and chain
// state. An incomplete or corrupt final entry is a torn write and is
// truncated away; corruption followed by further entries is not repaired.
func (w *WAL) scanToEnd() error {
	stat, err := w.file.Stat()
	if err != nil {
		return err
	}
	size := stat.Size()
	offset := int64(HeaderSize)

	for offset < size {
		entry, n, err := w.readEntryAt(offset)
		if err == io.EOF {
			break
		}
		if err != nil || entry.CRC32 != computeEntryCRC(entry) {
			if offset+n < size {
				return fmt.Errorf("offset %d: %w", offset, ErrCorruptedEntry)
			}
			break
		}
		w.nextSequence = entry.Sequence + 1
		w.lastHash = entry.Hash()
		w.entryCount++
		offset += n
	}

	if size > offset {
		w.logger.Warn("truncating torn tail", "offset", offset, "dropped_bytes", size-offset)
		if err := w.file.Truncate(offset); err != nil {
			return err
		}
	}

	w.byteCount = offset
	_, err = w.file.Seek(offset, io.SeekStart)
	return err
}

// readEntryAt reads the entry at offset. io.EOF means no complete entry
// starts there.
func (w *WAL) readEntryAt(offset int64) (*Entry, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := w.file.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, io.EOF
	}
	entryLen := binary.BigEndian.Uint32(lenBuf)
	if entryLen == 0 {
		return nil, 0, io.EOF
	}

	entryBuf := make([]byte, entryLen)
	if _, err := w.file.ReadAt(entryBuf, offset); err != nil {
		return nil, 0, io.EOF
	}
	entry, err := deserializeEntry(entryBuf)
	return entry, int64(entryLen), err
}

// Append adds a new entry and syncs it to disk before returning.
func (w *WAL) Append(entryType EntryType, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	entry := &Entry{
		Sequence:  w.nextSequence,
		Timestamp: w.clock().UnixNano(),
		Type:      entryType,
		Payload:   payload,
		PrevHash:  w.lastHash,
	}
	entry.HMAC = w.computeHMAC(entry)
	entry.CRC32 = computeEntryCRC(entry)

	data := serializeEntry(entry)
	entry.Length = uint32(len(data))
	binary.BigEndian.PutUint32(data[0:4], entry.Length)

	if _, err := w.file.Write(data); err != nil {
		w.rollback()
		return fmt.Errorf("write entry: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.rollback()
		return fmt.Errorf("sync entry: %w", err)
	}

	w.lastHash = entry.Hash()
	w.nextSequence++
	w.entryCount++
	w.byteCount += int64(len(data))
	return nil
}

// rollback cuts the file back to the last complete entry so that a failed
// append leaves nothing behind.
func (w *WAL) rollback() {
	if err := w.file.Truncate(w.byteCount); err != nil {
		w.logger.Error("truncate after failed append", "error", err)
		return
	}
	if _, err := w.file.Seek(w.byteCount, io.SeekStart); err != nil {
		w.logger.Error("seek after failed append", "error", err)
	}
}

// RecordSession journals a session summary. Later summaries for the same
// session supersede earlier ones.
func (w *WAL) RecordSession(ctx context.Context, s ledger.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encMode.Marshal(s)
	if err != nil {
		return fmt.Errorf("wal: encode session: %w", err)
	}
	return w.Append(EntrySession, data)
}

// RecordEvent journals a ledger event.
func (w *WAL) RecordEvent(ctx context.Context, r ledger.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encMode.Marshal(r)
	if err != nil {
		return fmt.Errorf("wal: encode event: %w", err)
	}
	return w.Append(EntryEvent, data)
}

// ReadAll reads every entry, checking CRC, chain linkage and HMAC.
func (w *WAL) ReadAll() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readEntries()
}

func (w *WAL) readEntries() ([]Entry, error) {
	var (
		entries  []Entry
		prevHash [32]byte
	)
	offset := int64(HeaderSize)

	for {
		entry, n, err := w.readEntryAt(offset)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("deserialize entry at offset %d: %w", offset, err)
		}
		if entry.CRC32 != computeEntryCRC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrCorruptedEntry)
		}
		if entry.PrevHash != prevHash {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrBrokenChain)
		}
		if !w.VerifyHMAC(entry) {
			return nil, fmt.Errorf("entry %d: %w", entry.Sequence, ErrInvalidHMAC)
		}

		entries = append(entries, *entry)
		prevHash = entry.Hash()
		offset += n
	}
	return entries, nil
}

// Sessions lists the journaled session IDs in first-seen order.
func (w *WAL) Sessions() ([]string, error) {
	entries, err := w.ReadAll()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range entries {
		if e.Type != EntrySession {
			continue
		}
		var s ledger.Summary
		if err := cbor.Unmarshal(e.Payload, &s); err != nil {
			return nil, fmt.Errorf("wal: entry %d: %w", e.Sequence, err)
		}
		if !seen[s.SessionID] {
			seen[s.SessionID] = true
			ids = append(ids, s.SessionID)
		}
	}
	return ids, nil
}

// Load returns the latest summary and all event records for a session,
// ready for ledger.Replay.
func (w *WAL) Load(sessionID string) (ledger.Summary, []ledger.Record, error) {
	var (
		summary ledger.Summary
		found   bool
		records []ledger.Record
	)

	entries, err := w.ReadAll()
	if err != nil {
		return summary, nil, err
	}
	for _, e := range entries {
		switch e.Type {
		case EntrySession:
			var s ledger.Summary
			if err := cbor.Unmarshal(e.Payload, &s); err != nil {
				return summary, nil, fmt.Errorf("wal: entry %d: %w", e.Sequence, err)
			}
			if s.SessionID == sessionID {
				summary, found = s, true
			}
		case EntryEvent:
			var r ledger.Record
			if err := cbor.Unmarshal(e.Payload, &r); err != nil {
				return summary, nil, fmt.Errorf("wal: entry %d: %w", e.Sequence, err)
			}
			if r.SessionID == sessionID {
				records = append(records, r)
			}
		}
	}
	if !found {
		return summary, nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return summary, records, nil
}

// Replay loads a session and rebuilds its ledger.
func (w *WAL) Replay(sessionID string, opts ...ledger.Option) (*ledger.Ledger, ledger.Continuity, error) {
	s, records, err := w.Load(sessionID)
	if err != nil {
		return nil, ledger.Continuity{}, err
	}
	return ledger.Replay(s, records, opts...)
}

// VerifyHMAC verifies an entry's HMAC.
func (w *WAL) VerifyHMAC(entry *Entry) bool {
	expected := w.computeHMAC(entry)
	return hmac.Equal(entry.HMAC[:], expected[:])
}

func (w *WAL) computeHMAC(entry *Entry) [32]byte {
	h := hmac.New(sha256.New, w.hmacKey)
	writeEntryFields(h, entry)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// Hash computes the chain hash of an entry.
func (e *Entry) Hash() [32]byte {
	h := sha256.New()
	writeEntryFields(h, e)

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

func writeEntryFields(h io.Writer, e *Entry) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Sequence)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(e.Timestamp))
	h.Write(buf[:])
	h.Write([]byte{byte(e.Type)})
	binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Payload)))
	h.Write(buf[:4])
	h.Write(e.Payload)
	h.Write(e.PrevHash[:])
}

func computeEntryCRC(entry *Entry) uint32 {
	crc := crc32.NewIEEE()
	writeEntryFields(crc, entry)
	crc.Write(entry.HMAC[:])
	return crc.Sum32()
}

const fixedEntrySize = 4 + 8 + 8 + 1 + 4 + 32 + 32 + 4

func serializeEntry(entry *Entry) []byte {
	buf := make([]byte, fixedEntrySize+len(entry.Payload))
	offset := 4 // length, filled in by the caller

	binary.BigEndian.PutUint64(buf[offset:], entry.Sequence)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], uint64(entry.Timestamp))
	offset += 8
	buf[offset] = byte(entry.Type)
	offset++

	binary.BigEndian.PutUint32(buf[offset:], uint32(len(entry.Payload)))
	offset += 4
	offset += copy(buf[offset:], entry.Payload)

	offset += copy(buf[offset:], entry.PrevHash[:])
	offset += copy(buf[offset:], entry.HMAC[:])
	binary.BigEndian.PutUint32(buf[offset:], entry.CRC32)

	return buf
}

func deserializeEntry(data []byte) (*Entry, error) {
	if len(data) < fixedEntrySize {
		return nil, errors.New("entry too short")
	}

	entry := &Entry{}
	offset := 0

	entry.Length = binary.BigEndian.Uint32(data[offset:])
	offset += 4
	entry.Sequence = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	entry.Timestamp = int64(binary.BigEndian.Uint64(data[offset:]))
	offset += 8
	entry.Type = EntryType(data[offset])
	offset++

	payloadLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if len(data) < offset+payloadLen+32+32+4 {
		return nil, errors.New("entry truncated")
	}
	entry.Payload = make([]byte, payloadLen)
	offset += copy(entry.Payload, data[offset:offset+payloadLen])

	offset += copy(entry.PrevHash[:], data[offset:offset+32])
	offset += copy(entry.HMAC[:], data[offset:offset+32])
	entry.CRC32 = binary.BigEndian.Uint32(data[offset:])

	return entry, nil
}

// Size returns the current WAL file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byteCount
}

// EntryCount returns the number of entries in the WAL.
func (w *WAL) EntryCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entryCount
}

// LastSequence returns the last sequence number written.
func (w *WAL) LastSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nextSequence == 0 {
		return 0
	}
	return w.nextSequence - 1
}

// Close releases the lock and closes the file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	unlockFile(w.file)
	return w.file.Close()
}

func (w *WAL) Path() string { return w.path }
