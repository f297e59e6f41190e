package record

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/shaunagostinho/rigctl/internal/params"
)

// Open reads a record container back.
func Open(path string) (*Record, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("record: open sqlite %s: %w", path, err)
	}
	defer db.Close()

	ctx := context.Background()
	rec := &Record{}
	if err := db.QueryRowContext(ctx, `SELECT name FROM groups LIMIT 1`).Scan(&rec.Group); err != nil {
		return nil, fmt.Errorf("record: %s: read group: %w", path, err)
	}
	if err := readAttributes(ctx, db, rec); err != nil {
		return nil, fmt.Errorf("record: %s: %w", path, err)
	}
	if err := readDatasets(ctx, db, rec); err != nil {
		return nil, fmt.Errorf("record: %s: %w", path, err)
	}
	return rec, nil
}

func readAttributes(ctx context.Context, db *sql.DB, rec *Record) error {
	rows, err := db.QueryContext(ctx,
		`SELECT source, key, kind, int_value, text_value FROM attributes WHERE grp = ? ORDER BY position`, rec.Group)
	if err != nil {
		return fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			source, key, kind string
			iv                sql.NullInt64
			tv                sql.NullString
		)
		if err := rows.Scan(&source, &key, &kind, &iv, &tv); err != nil {
			return fmt.Errorf("scan attribute: %w", err)
		}
		a := Attribute{Key: key, Int: iv.Int64}
		if kind == "text" {
			a = Text(key, tv.String)
		}

		switch source {
		case sourceParam:
			rec.Params = append(rec.Params, params.Param{Name: key, Value: int(a.Int)})
		case sourceExtra:
			rec.Attributes = append(rec.Attributes, a)
		case sourceMeta:
			if err := applyMeta(rec, a); err != nil {
				return err
			}
		}
	}
	return rows.Err()
}

func applyMeta(rec *Record, a Attribute) error {
	var err error
	switch a.Key {
	case AttrSessionID:
		rec.ID = a.Text
	case AttrProfile:
		rec.Profile = a.Text
	case AttrStartTime:
		rec.StartTime, err = time.Parse(time.RFC3339Nano, a.Text)
	case AttrEndTime:
		rec.EndTime, err = time.Parse(time.RFC3339Nano, a.Text)
	case AttrDeviceEnd:
		rec.DeviceEnd = a.Int
	case AttrNotes:
		rec.Notes = a.Text
	case AttrEndReason:
		rec.EndReason = a.Text
	}
	if err != nil {
		return fmt.Errorf("attribute %s: %w", a.Key, err)
	}
	return nil
}

func readDatasets(ctx context.Context, db *sql.DB, rec *Record) error {
	rows, err := db.QueryContext(ctx,
		`SELECT name, kind, length FROM datasets WHERE grp = ? ORDER BY position`, rec.Group)
	if err != nil {
		return fmt.Errorf("query datasets: %w", err)
	}
	type head struct {
		name   string
		kind   string
		length int
	}
	var heads []head
	for rows.Next() {
		var h head
		if err := rows.Scan(&h.name, &h.kind, &h.length); err != nil {
			rows.Close()
			return fmt.Errorf("scan dataset: %w", err)
		}
		heads = append(heads, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range heads {
		d := Dataset{Name: h.name, Kind: Kind(h.kind), Samples: make([]Sample, 0, h.length)}
		srows, err := db.QueryContext(ctx,
			`SELECT t, v FROM samples WHERE grp = ? AND dataset = ? ORDER BY idx`, rec.Group, h.name)
		if err != nil {
			return fmt.Errorf("query samples %s: %w", h.name, err)
		}
		for srows.Next() {
			var t, v sql.NullInt64
			if err := srows.Scan(&t, &v); err != nil {
				srows.Close()
				return fmt.Errorf("scan sample %s: %w", h.name, err)
			}
			d.Samples = append(d.Samples, Sample{T: t.Int64, V: v.Int64})
		}
		srows.Close()
		if err := srows.Err(); err != nil {
			return err
		}
		if len(d.Samples) != h.length {
			return fmt.Errorf("dataset %s: %d samples, header says %d", h.name, len(d.Samples), h.length)
		}
		rec.Datasets = append(rec.Datasets, d)
	}
	return nil
}
