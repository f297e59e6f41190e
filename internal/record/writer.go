package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// PersistError reports that a record could not be stored. No file is left at
// the target path.
type PersistError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("record: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

const schema = `
CREATE TABLE groups (
	name TEXT PRIMARY KEY
);
CREATE TABLE attributes (
	grp        TEXT NOT NULL,
	source     TEXT NOT NULL,
	key        TEXT NOT NULL,
	position   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	int_value  INTEGER,
	text_value TEXT,
	PRIMARY KEY (grp, source, key)
);
CREATE TABLE datasets (
	grp      TEXT NOT NULL,
	name     TEXT NOT NULL,
	position INTEGER NOT NULL,
	kind     TEXT NOT NULL,
	length   INTEGER NOT NULL,
	PRIMARY KEY (grp, name)
);
CREATE TABLE samples (
	grp     TEXT NOT NULL,
	dataset TEXT NOT NULL,
	idx     INTEGER NOT NULL,
	t       INTEGER,
	v       INTEGER,
	PRIMARY KEY (grp, dataset, idx)
);
`

// Writer stores records as SQLite containers.
type Writer struct{}

// Exists reports whether something already occupies path.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Write stores rec at path. The container is built in a temporary file in
// the same directory and published with a hard link, so the target is
// either complete or absent, and an existing target is never replaced.
// On filesystems without hard links (FAT, most SMB shares) the container is
// copied into a target created with O_EXCL instead.
func (w *Writer) Write(path string, rec *Record) error {
	if rec == nil {
		return &PersistError{Path: path, Op: "write", Err: errors.New("nil record")}
	}
	if Exists(path) {
		return &PersistError{Path: path, Op: "create", Err: fs.ErrExist}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistError{Path: path, Op: "mkdir", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".rigctl-*.tmp")
	if err != nil {
		return &PersistError{Path: path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	start := time.Now()
	if err := writeContainer(tmpName, rec); err != nil {
		return &PersistError{Path: path, Op: "write", Err: err}
	}

	if err := publish(tmpName, path); err != nil {
		return &PersistError{Path: path, Op: "publish", Err: err}
	}

	var samples int
	for _, d := range rec.Datasets {
		samples += d.Len()
	}
	log.Printf("[record] wrote %s: %d datasets, %d samples in %v",
		path, len(rec.Datasets), samples, time.Since(start).Round(time.Millisecond))
	return nil
}

var linkFile = os.Link

// publish moves the finished container at tmp to path without replacing an
// existing file.
func publish(tmp, path string) error {
	err := linkFile(tmp, path)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}
	log.Printf("[record] hard link to %s failed (%v), copying instead", path, err)
	return copyExclusive(tmp, path)
}

// copyExclusive copies src into a newly created dst. A partial dst is
// removed on failure.
func copyExclusive(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func writeContainer(path string, rec *Record) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", path, err)
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close sqlite: %w", cerr)
		}
	}()

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	group := rec.Group
	if group == "" {
		group = DefaultGroup
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO groups (name) VALUES (?)`, group); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}

	for i, a := range rec.attributes() {
		var iv, tv any
		kind := "int"
		if a.IsText {
			kind, tv = "text", a.Text
		} else {
			iv = a.Int
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attributes (grp, source, key, position, kind, int_value, text_value) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			group, a.source, a.Key, i, kind, iv, tv); err != nil {
			return fmt.Errorf("insert attribute %s: %w", a.Key, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO samples (grp, dataset, idx, t, v) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare samples: %w", err)
	}
	defer stmt.Close()

	for i, d := range rec.Datasets {
		if !d.Kind.Valid() {
			return fmt.Errorf("dataset %s: unknown kind %q", d.Name, d.Kind)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datasets (grp, name, position, kind, length) VALUES (?, ?, ?, ?, ?)`,
			group, d.Name, i, string(d.Kind), d.Len()); err != nil {
			return fmt.Errorf("insert dataset %s: %w", d.Name, err)
		}
		for idx, s := range d.Samples {
			var t, v any
			if d.Kind.HasTime() {
				t = s.T
			}
			if d.Kind.HasValue() {
				v = s.V
			}
			if _, err := stmt.ExecContext(ctx, group, d.Name, idx, t, v); err != nil {
				return fmt.Errorf("insert %s[%d]: %w", d.Name, idx, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
