package brickstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"brickstream.ai/internal/voxel/brick"
	"brickstream.ai/internal/voxel/grid"
)

var ErrNotFound = errors.New("brick not found")

// SQLiteStore keeps generated bricks keyed by grid position. Reads go straight
// to the database; asynchronous writes are funnelled through one writer
// goroutine that batches them into transactions.
type SQLiteStore struct {
	db *sql.DB

	enc *zstd.Encoder
	dec *zstd.Decoder

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed      atomic.Bool
	dropped     atomic.Uint64
	writeErrors atomic.Uint64
}

type req struct {
	pos     grid.Pos
	payload brick.Payload
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
	WriteErrors   uint64 `json:"write_errors"`
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:  db,
		enc: enc,
		dec: dec,
		ch:  make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bricks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			mask BLOB NOT NULL,
			albedo BLOB NOT NULL,
			lod INTEGER NOT NULL,
			voxels INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (x, y, z)
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		s.dec.Close()
		_ = s.enc.Close()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropped.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

func encodeWords(enc *zstd.Encoder, words []uint32) []byte {
	raw := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[4*i:], w)
	}
	return enc.EncodeAll(raw, nil)
}

func decodeWords(dec *zstd.Decoder, blob []byte) ([]uint32, error) {
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("blob length %d is not a whole number of words", len(raw))
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return out, nil
}

// LoadBrick reads the stored brick for pos, or returns ErrNotFound.
func (s *SQLiteStore) LoadBrick(ctx context.Context, pos grid.Pos) (brick.Payload, error) {
	var p brick.Payload
	var maskBlob, albedoBlob []byte
	var lod int64
	err := s.db.QueryRowContext(ctx,
		`SELECT mask, albedo, lod FROM bricks WHERE x=? AND y=? AND z=?`,
		pos.X, pos.Y, pos.Z,
	).Scan(&maskBlob, &albedoBlob, &lod)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("brick %v: %w", pos, ErrNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("brick %v: %w", pos, err)
	}

	mask, err := decodeWords(s.dec, maskBlob)
	if err != nil {
		return p, fmt.Errorf("brick %v mask: %w", pos, err)
	}
	if len(mask) != brick.MaskWords {
		return p, fmt.Errorf("brick %v mask: got %d words want %d", pos, len(mask), brick.MaskWords)
	}
	copy(p.Mask[:], mask)
	if p.Albedo, err = decodeWords(s.dec, albedoBlob); err != nil {
		return p, fmt.Errorf("brick %v albedo: %w", pos, err)
	}
	p.LODColor = uint32(lod)
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("brick %v: %w", pos, err)
	}
	return p, nil
}

// Put queues a write. It never blocks: when the writer falls behind the brick
// is dropped and counted, since it can always be generated again.
func (s *SQLiteStore) Put(pos grid.Pos, p brick.Payload) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{pos: pos, payload: p}:
	default:
		s.dropped.Add(1)
	}
}

const upsertBrick = `INSERT OR REPLACE INTO bricks(x,y,z,mask,albedo,lod,voxels,updated_at) VALUES(?,?,?,?,?,?,?,?)`

func (s *SQLiteStore) args(r req) []any {
	return []any{
		r.pos.X, r.pos.Y, r.pos.Z,
		encodeWords(s.enc, r.payload.Mask[:]),
		encodeWords(s.enc, r.payload.Albedo),
		int64(r.payload.LODColor),
		len(r.payload.Albedo),
		time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// PutSync writes a brick immediately, bypassing the writer queue.
func (s *SQLiteStore) PutSync(ctx context.Context, pos grid.Pos, p brick.Payload) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertBrick, s.args(req{pos: pos, payload: p})...); err != nil {
		return fmt.Errorf("put brick %v: %w", pos, err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bricks`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) loop() {
	ctx := context.Background()
	insert, _ := s.db.Prepare(upsertBrick)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 512
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		if insert == nil {
			s.writeErrors.Add(1)
			continue
		}
		begin()
		if tx == nil {
			s.writeErrors.Add(1)
			continue
		}
		if _, err := tx.Stmt(insert).Exec(s.args(r)...); err != nil {
			s.writeErrors.Add(1)
			_ = tx.Rollback()
			tx = nil
			continue
		}
		opCount++
		// Commit once the queue runs dry so readers see new bricks promptly.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}
