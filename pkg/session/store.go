// Package session keeps an append-only history of hijack sessions so that a
// crashed run can be found and recovered later.
package session

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jingkaihe/chaosfs/internal/errx"
	"github.com/jingkaihe/chaosfs/pkg/hijack"
	"github.com/jingkaihe/chaosfs/pkg/storedb"
)

// Record is one version of a session. Every phase change appends a new one.
type Record struct {
	ID           uuid.UUID    `json:"id"`
	Version      int          `json:"version"`
	PID          int          `json:"pid"`
	MountNS      string       `json:"mnt_ns,omitempty"`
	OriginalPath string       `json:"original_path"`
	ShadowPath   string       `json:"shadow_path"`
	MountPoint   bool         `json:"mount_point"`
	Socket       string       `json:"socket,omitempty"`
	Phase        hijack.Phase `json:"phase"`
	LastError    string       `json:"last_error,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

// Open opens the session store under stateDir.
func Open(stateDir string) (*Store, error) {
	db, err := storedb.Open(storedb.Options{
		Path:       dbPath(stateDir),
		Schema:     schema,
		Migrations: migrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpenStore, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin records a new session in its initial phase.
func (s *Store) Begin(rec Record, log *logrus.Entry) (*Session, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rec.ID = uuid.New()
	rec.Version = 0
	if rec.Phase == "" {
		rec.Phase = hijack.PhaseUnmounted
	}
	if err := s.append(&rec); err != nil {
		return nil, err
	}
	return &Session{store: s, rec: rec, log: log.WithField("session", rec.ID.String())}, nil
}

// Get returns the latest version of a session.
func (s *Store) Get(id uuid.UUID) (Record, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM hijack_sessions
		WHERE session_id = ? ORDER BY version DESC LIMIT 1`, id.String())
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errx.With(ErrNotFound, ": %s", id)
	}
	return rec, err
}

// Lookup resolves a full id or an unambiguous prefix of one.
func (s *Store) Lookup(prefix string) (Record, error) {
	if id, err := uuid.Parse(prefix); err == nil {
		return s.Get(id)
	}
	if prefix == "" {
		return Record{}, errx.With(ErrInvalidID, ": empty")
	}
	rows, err := s.db.Query(`SELECT DISTINCT session_id FROM hijack_sessions WHERE session_id LIKE ? || '%'`, prefix)
	if err != nil {
		return Record{}, errx.Wrap(ErrReadRecord, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Record{}, errx.Wrap(ErrReadRecord, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Record{}, errx.Wrap(ErrReadRecord, err)
	}
	switch len(ids) {
	case 0:
		return Record{}, errx.With(ErrNotFound, ": %s", prefix)
	case 1:
		return s.Get(uuid.MustParse(ids[0]))
	}
	return Record{}, errx.With(ErrInvalidID, ": prefix %q matches %d sessions", prefix, len(ids))
}

// List returns the latest version of every session, newest first.
func (s *Store) List() ([]Record, error) {
	return s.query(`SELECT `+columns+` FROM hijack_sessions h
		WHERE version = (SELECT MAX(version) FROM hijack_sessions WHERE session_id = h.session_id)
		ORDER BY updated_at DESC`)
}

// History returns every version of a session, oldest first.
func (s *Store) History(id uuid.UUID) ([]Record, error) {
	return s.query(`SELECT `+columns+` FROM hijack_sessions
		WHERE session_id = ? ORDER BY version ASC`, id.String())
}

// Append records a new version of an existing session, typically after an
// offline recovery.
func (s *Store) Append(rec Record) (Record, error) {
	if err := s.append(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// timeFormat has a fixed width so that updated_at sorts as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const columns = `session_id, version, pid, mnt_ns, original_path, shadow_path,
	mount_point, socket, phase, last_error, updated_at`

func (s *Store) append(rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	err := storedb.RetryBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var version int
		if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM hijack_sessions WHERE session_id = ?`,
			rec.ID.String()).Scan(&version); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO hijack_sessions(`+columns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), version, rec.PID, rec.MountNS, rec.OriginalPath, rec.ShadowPath,
			rec.MountPoint, rec.Socket, string(rec.Phase), rec.LastError,
			rec.UpdatedAt.Format(timeFormat),
		); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		rec.Version = version
		return nil
	})
	if err != nil {
		return errx.Wrap(ErrWriteRecord, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Record, error) {
	var (
		rec     Record
		id      string
		phase   string
		updated string
	)
	if err := row.Scan(&id, &rec.Version, &rec.PID, &rec.MountNS, &rec.OriginalPath, &rec.ShadowPath,
		&rec.MountPoint, &rec.Socket, &phase, &rec.LastError, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, errx.Wrap(ErrReadRecord, err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Record{}, errx.Wrap(ErrReadRecord, err)
	}
	rec.ID = parsed
	rec.Phase = hijack.Phase(phase)
	if rec.UpdatedAt, err = time.Parse(timeFormat, updated); err != nil {
		return Record{}, errx.Wrap(ErrReadRecord, err)
	}
	return rec, nil
}

func (s *Store) query(q string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errx.Wrap(ErrReadRecord, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrReadRecord, err)
	}
	return out, nil
}

// Session is the live handle to the record of the running hijack.
type Session struct {
	store *Store
	log   *logrus.Entry

	mu  sync.Mutex
	rec Record
}

func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.ID
}

// Record returns the latest written version.
func (s *Session) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// Update appends a version with fn applied to a copy of the latest one.
func (s *Session) Update(fn func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec
	fn(&next)
	if err := s.store.append(&next); err != nil {
		return err
	}
	s.rec = next
	return nil
}

// Observer records every hijack phase change. detail, if set, fills in
// fields known only to the caller, such as whether the path was a mount
// point. A failed write is logged; the hijack itself carries on.
func (s *Session) Observer(detail func(*Record)) hijack.Observer {
	return func(phase hijack.Phase, cause error) {
		err := s.Update(func(r *Record) {
			r.Phase = phase
			r.LastError = ""
			if cause != nil {
				r.LastError = cause.Error()
			}
			if detail != nil {
				detail(r)
			}
		})
		if err != nil {
			s.log.WithError(err).WithField("phase", phase).Warn("record session phase")
		}
	}
}
