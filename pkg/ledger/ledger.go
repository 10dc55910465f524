// tgmirror - A Telegram chat history mirror.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/tgmirror/pkg/ledger/upgrades"
	"github.com/lrhodin/tgmirror/pkg/mirror"
)

// Pair is the source/destination chat pair a ledger tracks. One database
// file can hold ledgers for any number of pairs.
type Pair struct {
	Source      mirror.ChatID
	Destination mirror.ChatID
}

// Entry is one persisted source→destination mapping.
type Entry struct {
	Source      mirror.MessageID
	Destination mirror.MessageID
	CreatedAt   time.Time
}

// Ledger maps source message ids to the ids of their copies. The full mapping
// for a pair is held in memory; writes go to a SQLite database.
type Ledger struct {
	db      *dbutil.Database
	pair    Pair
	entries map[mirror.MessageID]mirror.MessageID
	log     zerolog.Logger
}

var _ mirror.Ledger = (*Ledger)(nil)

// Open opens the ledger database at path and loads the mapping for pair.
// A missing file starts an empty ledger. A file that exists but isn't a
// usable ledger database is an error.
func Open(ctx context.Context, path string, pair Pair, log zerolog.Logger) (*Ledger, error) {
	log = log.With().Str("component", "ledger").Str("path", path).Logger()
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().Msg("Ledger file doesn't exist, starting with an empty ledger")
		if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat ledger file: %w", err)
	case info.IsDir():
		return nil, fmt.Errorf("ledger path %s is a directory", path)
	}

	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	db.Owner = "tgmirror"
	db.UpgradeTable = upgrades.Table
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "ledger").Logger())
	if err = db.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade ledger database: %w", err)
	}

	l := &Ledger{db: db, pair: pair, log: log}
	if _, err = l.Load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Int("entries", len(l.entries)).Msg("Loaded ledger")
	return l, nil
}

// Load replaces the in-memory mapping with the persisted one and returns a copy.
func (l *Ledger) Load(ctx context.Context) (map[mirror.MessageID]mirror.MessageID, error) {
	rows, err := l.db.Query(ctx, `
		SELECT source_message_id, dest_message_id FROM message_mapping
		WHERE source_chat_id=$1 AND dest_chat_id=$2
	`, l.pair.Source, l.pair.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	entries := make(map[mirror.MessageID]mirror.MessageID)
	for rows.Next() {
		var src, dst int64
		if err = rows.Scan(&src, &dst); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		entries[mirror.MessageID(src)] = mirror.MessageID(dst)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	l.entries = entries
	return maps.Clone(entries), nil
}

func (l *Ledger) Lookup(src mirror.MessageID) (mirror.MessageID, bool) {
	dst, ok := l.entries[src]
	return dst, ok
}

// Record adds a mapping in memory. An existing mapping for src is kept.
func (l *Ledger) Record(src, dst mirror.MessageID) {
	if existing, ok := l.entries[src]; ok {
		if existing != dst {
			l.log.Warn().
				Int64("message_id", int64(src)).
				Int64("existing_id", int64(existing)).
				Int64("new_id", int64(dst)).
				Msg("Ignoring second mapping for already mapped message")
		}
		return
	}
	l.entries[src] = dst
}

func (l *Ledger) Len() int {
	return len(l.entries)
}

const insertMappingQuery = `
	INSERT INTO message_mapping (source_chat_id, dest_chat_id, source_message_id, dest_message_id, created_ts)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (source_chat_id, dest_chat_id, source_message_id) DO NOTHING
`

// Persist records a mapping and writes it to the database immediately.
func (l *Ledger) Persist(ctx context.Context, src, dst mirror.MessageID) error {
	l.Record(src, dst)
	_, err := l.db.Exec(ctx, insertMappingQuery,
		l.pair.Source, l.pair.Destination, src, l.entries[src], time.Now().UnixMilli())
	return err
}

// Save writes the whole in-memory mapping in a single transaction, so a
// failure leaves the previously saved state untouched.
func (l *Ledger) Save(ctx context.Context) error {
	nowMS := time.Now().UnixMilli()
	err := l.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for src, dst := range l.entries {
			if _, err := l.db.Exec(ctx, insertMappingQuery, l.pair.Source, l.pair.Destination, src, dst, nowMS); err != nil {
				return fmt.Errorf("failed to write mapping for message %d: %w", src, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.log.Debug().Int("entries", len(l.entries)).Msg("Saved ledger")
	return nil
}

// List reads the persisted mappings for the pair, ordered by source id.
func (l *Ledger) List(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `
		SELECT source_message_id, dest_message_id, created_ts FROM message_mapping
		WHERE source_chat_id=$1 AND dest_chat_id=$2
		ORDER BY source_message_id
	`, l.pair.Source, l.pair.Destination)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var src, dst, createdMS int64
		if err = rows.Scan(&src, &dst, &createdMS); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		out = append(out, Entry{
			Source:      mirror.MessageID(src),
			Destination: mirror.MessageID(dst),
			CreatedAt:   time.UnixMilli(createdMS),
		})
	}
	return out, rows.Err()
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
