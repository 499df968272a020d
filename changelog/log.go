package changelog

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/lauditd/lauditd/encoding"
	"github.com/rs/zerolog/log"
)

// Key layout, per device:
//
//	/changelog/{device}/rec/{index:016x} -> msgpack(Record)
//	/changelog/{device}/seq              -> uint64 (last assigned index)
//	/changelog/{device}/user/{consumer}  -> uint64 (checkpoint)
//	/changelog/{device}/users            -> uint64 (last assigned consumer number)
const (
	prefixChangelog = "/changelog/"
	segRecord       = "/rec/"
	segUser         = "/user/"
	segSeq          = "/seq"
	segUserSeq      = "/users"
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// Purge every 128 acknowledged indexes
const purgeIntervalMask = 0x7F

// ConsumerPrefix prefixes generated consumer identifiers (cl1, cl2, ...)
const ConsumerPrefix = "cl"

// User is a registered changelog consumer and its checkpoint
type User struct {
	ID         string `json:"id"`
	Checkpoint uint64 `json:"checkpoint"`
}

type deviceState struct {
	lastIndex uint64
	lastUser  uint64
	users     map[string]uint64
}

// Log is a Pebble-backed changelog holding records for any number of
// devices together with the checkpoints of their registered consumers.
// It implements Source.
type Log struct {
	db   *pebble.DB
	path string

	// Guards devices and serialises index assignment
	mu      sync.RWMutex
	devices map[string]*deviceState

	purgeMu sync.Mutex
	purgeWg sync.WaitGroup

	// Devices waiting for a purge; a single worker drains the set
	pendingMu    sync.Mutex
	pending      map[string]struct{}
	purgeRunning bool

	closed atomic.Bool
}

var _ Source = (*Log)(nil)
var _ CheckpointReader = (*Log)(nil)

// NewLog creates or opens the changelog store under dataDir
func NewLog(dataDir string) (*Log, error) {
	logPath := filepath.Join(dataDir, "changelog")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog at %s: %w", logPath, err)
	}

	l := &Log{
		db:      db,
		path:    logPath,
		devices: make(map[string]*deviceState),
		pending: make(map[string]struct{}),
	}

	if err := l.loadState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load changelog state: %w", err)
	}

	return l, nil
}

// loadState reads sequence counters and checkpoints of every device
func (l *Log) loadState() error {
	prefix := []byte(prefixChangelog)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	users := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		key := string(iter.Key()[len(prefixChangelog):])
		slash := strings.IndexByte(key, '/')
		if slash < 0 {
			continue
		}
		device, rest := key[:slash], key[slash:]

		if strings.HasPrefix(rest, segRecord) {
			continue
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted changelog key %s: invalid length %d", iter.Key(), len(val))
		}
		n := binary.LittleEndian.Uint64(val)

		st := l.deviceLocked(device)
		switch {
		case rest == segSeq:
			st.lastIndex = n
		case rest == segUserSeq:
			st.lastUser = n
		case strings.HasPrefix(rest, segUser):
			st.users[rest[len(segUser):]] = n
			users++
		}
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if len(l.devices) > 0 {
		log.Info().
			Int("devices", len(l.devices)).
			Int("users", users).
			Msg("Loaded changelog state")
	}

	return nil
}

// deviceLocked returns the state for device, creating it. Caller holds mu.
func (l *Log) deviceLocked(device string) *deviceState {
	st, ok := l.devices[device]
	if !ok {
		st = &deviceState{users: make(map[string]uint64)}
		l.devices[device] = st
	}
	return st
}

func validDevice(device string) error {
	if device == "" || strings.ContainsAny(device, "/\x00") {
		return fmt.Errorf("invalid device name %q", device)
	}
	return nil
}

// Append adds records to the changelog of device and assigns their indexes.
// Records without a timestamp are stamped with the current time.
// Note: This function modifies the input slice by setting Index and Time.
func (l *Log) Append(device string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if l.closed.Load() {
		return ErrClosed
	}
	if err := validDevice(device); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.deviceLocked(device)
	localSeq := st.lastIndex

	batch := l.db.NewBatch()
	defer batch.Close()

	now := time.Now()
	for i := range records {
		if !records[i].Type.Valid() {
			return fmt.Errorf("record %d: invalid type %d", i, records[i].Type)
		}
		localSeq++
		records[i].Index = localSeq
		if records[i].Time.IsZero() {
			records[i].Time = now
		}

		val, err := encoding.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := batch.Set(recordKey(device, localSeq), val, nil); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
	}

	if err := batch.Set(deviceKey(device, segSeq), encodeUint64(localSeq), nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only publish the new index after a successful commit
	st.lastIndex = localSeq

	return nil
}

// Register creates a new consumer on device and returns its identifier.
// The consumer starts at the current end of the changelog.
func (l *Log) Register(device string) (string, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	if err := validDevice(device); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.deviceLocked(device)
	n := st.lastUser + 1
	id := ConsumerPrefix + strconv.FormatUint(n, 10)

	batch := l.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(deviceKey(device, segUserSeq), encodeUint64(n), nil); err != nil {
		return "", err
	}
	if err := batch.Set(userKey(device, id), encodeUint64(st.lastIndex), nil); err != nil {
		return "", err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("failed to register consumer: %w", err)
	}

	st.lastUser = n
	st.users[id] = st.lastIndex

	log.Info().Str("device", device).Str("consumer", id).Uint64("checkpoint", st.lastIndex).Msg("Registered changelog consumer")
	return id, nil
}

// Deregister removes a consumer from device
func (l *Log) Deregister(device, consumer string) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	st, ok := l.devices[device]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	if _, ok := st.users[consumer]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	if err := l.db.Delete(userKey(device, consumer), pebble.Sync); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to deregister consumer: %w", err)
	}
	delete(st.users, consumer)
	l.mu.Unlock()

	log.Info().Str("device", device).Str("consumer", consumer).Msg("Deregistered changelog consumer")
	l.schedulePurge(device)
	return nil
}

// Users lists the consumers registered on device, ordered by identifier
func (l *Log) Users(device string) ([]User, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.devices[device]
	if !ok {
		return nil, nil
	}

	users := make([]User, 0, len(st.users))
	for id, cp := range st.users {
		users = append(users, User{ID: id, Checkpoint: cp})
	}
	sort.Slice(users, func(i, j int) bool {
		if len(users[i].ID) != len(users[j].ID) {
			return len(users[i].ID) < len(users[j].ID)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// LastIndex returns the index of the newest record on device
func (l *Log) LastIndex(device string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if st, ok := l.devices[device]; ok {
		return st.lastIndex
	}
	return 0
}

// Checkpoint returns the acknowledged position of consumer on device
func (l *Log) Checkpoint(device, consumer string) (uint64, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	st, ok := l.devices[device]
	if !ok {
		return 0, fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	cp, ok := st.users[consumer]
	if !ok {
		return 0, fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	return cp, nil
}

// Backlog returns how many records consumer still has to acknowledge
func (l *Log) Backlog(device, consumer string) (uint64, error) {
	cp, err := l.Checkpoint(device, consumer)
	if err != nil {
		return 0, err
	}
	last := l.LastIndex(device)
	if last <= cp {
		return 0, nil
	}
	return last - cp, nil
}

// Start opens a read session. The session begins at position or right after
// the consumer's checkpoint, whichever is further.
func (l *Log) Start(ctx context.Context, consumer string, flags StartFlags, device string, position uint64) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.closed.Load() {
		return nil, ErrClosed
	}

	cp, err := l.Checkpoint(device, consumer)
	if err != nil {
		return nil, err
	}
	if position <= cp {
		position = cp + 1
	}

	lower := recordKey(device, position)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound([]byte(prefixChangelog + device + segRecord)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open changelog iterator: %w", err)
	}
	iter.SeekGE(lower)

	return &logSession{
		log:    l,
		iter:   iter,
		device: device,
		flags:  flags,
	}, nil
}

// Acknowledge advances the checkpoint of consumer on device. Positions at
// or below the current checkpoint are accepted and ignored.
func (l *Log) Acknowledge(ctx context.Context, device, consumer string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	st, ok := l.devices[device]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	cp, ok := st.users[consumer]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%s on %s: %w", consumer, device, ErrUnknownConsumer)
	}
	if position <= cp {
		l.mu.Unlock()
		return nil
	}
	if position > st.lastIndex {
		last := st.lastIndex
		l.mu.Unlock()
		return fmt.Errorf("cannot acknowledge %d on %s: last index is %d", position, device, last)
	}

	if err := l.db.Set(userKey(device, consumer), encodeUint64(position), pebble.Sync); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	st.users[consumer] = position
	l.mu.Unlock()

	if position/(purgeIntervalMask+1) != cp/(purgeIntervalMask+1) {
		l.schedulePurge(device)
	}

	return nil
}

// schedulePurge marks device for purging and starts the purge worker
// unless it is already running
func (l *Log) schedulePurge(device string) {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()

	l.pending[device] = struct{}{}
	if l.purgeRunning {
		return
	}
	l.purgeRunning = true
	l.purgeWg.Add(1)
	go l.purgeLoop()
}

// purgeLoop purges pending devices until none is left
func (l *Log) purgeLoop() {
	defer l.purgeWg.Done()

	for {
		l.pendingMu.Lock()
		var device string
		found := false
		for d := range l.pending {
			device, found = d, true
			delete(l.pending, d)
			break
		}
		if !found {
			l.purgeRunning = false
			l.pendingMu.Unlock()
			return
		}
		l.pendingMu.Unlock()

		l.purge(device)
	}
}

// purge deletes records every consumer of device has acknowledged
func (l *Log) purge(device string) {
	l.purgeMu.Lock()
	defer l.purgeMu.Unlock()

	if l.closed.Load() {
		return
	}

	l.mu.RLock()
	st, ok := l.devices[device]
	if !ok || len(st.users) == 0 {
		l.mu.RUnlock()
		return
	}
	minCheckpoint := uint64(^uint64(0))
	for _, cp := range st.users {
		if cp < minCheckpoint {
			minCheckpoint = cp
		}
	}
	l.mu.RUnlock()

	if minCheckpoint == 0 {
		return
	}

	// Delete all records with index <= minCheckpoint
	start := []byte(prefixChangelog + device + segRecord)
	end := recordKey(device, minCheckpoint+1)
	if err := l.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Str("device", device).Uint64("min_checkpoint", minCheckpoint).Msg("Failed to purge changelog")
		return
	}

	log.Debug().Str("device", device).Uint64("min_checkpoint", minCheckpoint).Msg("Purged changelog records")
}

// Close closes the Pebble database and waits for an in-flight purge
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("changelog already closed")
	}

	l.purgeWg.Wait()

	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// logSession iterates over the stored records of one device
type logSession struct {
	log      *Log
	iter     *pebble.Iterator
	device   string
	flags    StartFlags
	extra    ExtraFlags
	finished bool
}

func (s *logSession) SetExtendedFields(mask ExtraFlags) error {
	if mask&^ExtraAll != 0 {
		return fmt.Errorf("%w: unsupported mask %#x", ErrExtendedFields, uint64(mask))
	}
	if mask != 0 && s.flags&StartExtraFlags == 0 {
		return fmt.Errorf("%w: session not started with extra flags", ErrExtendedFields)
	}
	s.extra = mask
	return nil
}

func (s *logSession) Receive(ctx context.Context) (*Record, error) {
	if s.finished {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.log.closed.Load() {
		return nil, ErrClosed
	}

	for s.iter.Valid() {
		val, err := s.iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		rec := &Record{}
		if err := encoding.Unmarshal(val, rec); err != nil {
			// Log and skip corrupted records
			log.Warn().Err(err).Str("key", string(s.iter.Key())).Msg("Failed to unmarshal changelog record")
			s.iter.Next()
			continue
		}
		s.iter.Next()

		s.remap(rec)
		return rec, nil
	}

	if err := s.iter.Error(); err != nil {
		return nil, err
	}
	return nil, ErrEndOfBatch
}

// remap strips the extensions the session did not ask for
func (s *logSession) remap(rec *Record) {
	if s.flags&StartJobID == 0 {
		rec.Flags &^= FlagJobID
		rec.JobID = ""
	}

	extra := rec.Extra & s.extra
	if s.flags&StartExtraFlags == 0 || rec.Flags&FlagExtra == 0 {
		rec.Flags &^= FlagExtra
		extra = 0
	}
	rec.Extra = extra

	if extra&ExtraUIDGID == 0 {
		rec.UID, rec.GID = 0, 0
	}
	if extra&ExtraNID == 0 {
		rec.NID = ""
	}
	if extra&ExtraOpenMode == 0 {
		rec.OpenMode = 0
	}
	if extra&ExtraXattr == 0 {
		rec.Xattr = ""
	}
}

// Release is a no-op: records handed out are decoded copies
func (s *logSession) Release(*Record) {}

func (s *logSession) Finish() error {
	if s.finished {
		return nil
	}
	s.finished = true
	return s.iter.Close()
}

func recordKey(device string, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%016x", prefixChangelog, device, segRecord, index))
}

func userKey(device, consumer string) []byte {
	return []byte(prefixChangelog + device + segUser + consumer)
}

func deviceKey(device, seg string) []byte {
	return []byte(prefixChangelog + device + seg)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
