// Package catalog reads playlists from the relational music catalog. The
// catalog itself (albums, songs, users, likes) is owned by the API's CRUD
// layer; this package only runs the narrow read side the export pipeline and
// the ownership check need.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"playlist-exporter/pkg/config"
	"playlist-exporter/pkg/export"
)

var (
	// ErrNotFound indicates the referenced playlist does not exist.
	ErrNotFound = errors.New("playlist not found")
	// ErrForbidden indicates the caller does not own the playlist.
	ErrForbidden = errors.New("not the playlist owner")
)

// queryTimeout bounds a single catalog read, including the wait for a pooled
// connection. Exceeding it fails the job as transient.
const queryTimeout = 10 * time.Second

// Client wraps a bounded pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// New creates a connection pool from the configured DSN parts.
func New(ctx context.Context, dbCfg config.Database) (*Client, error) {
	cfg, err := pgxpool.ParseConfig(dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if dbCfg.MaxConns > 0 {
		cfg.MaxConns = int32(dbCfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

// GetPlaylistByID loads a playlist header and its songs as one logical read.
// Songs are ordered by title (id as tiebreak) so repeated reads of an
// unchanged playlist are byte-identical after encoding.
func (c *Client) GetPlaylistByID(ctx context.Context, id string) (export.Playlist, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return export.Playlist{}, export.Transient(fmt.Errorf("begin playlist read: %w", err))
	}
	defer tx.Rollback(ctx)

	var p export.Playlist
	err = tx.QueryRow(ctx,
		`SELECT id, name FROM playlists WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return export.Playlist{}, export.Permanent(fmt.Errorf("%w: %s", ErrNotFound, id))
		}
		return export.Playlist{}, export.Transient(fmt.Errorf("query playlist %s: %w", id, err))
	}

	rows, err := tx.Query(ctx,
		`SELECT songs.id, songs.title, songs.performer, songs.year, songs.genre, songs.duration
         FROM playlist_songs
         JOIN songs ON playlist_songs.song_id = songs.id
         WHERE playlist_songs.playlist_id = $1
         ORDER BY songs.title, songs.id`, id)
	if err != nil {
		return export.Playlist{}, export.Transient(fmt.Errorf("query playlist songs %s: %w", id, err))
	}
	defer rows.Close()

	p.Songs = []export.Song{}
	for rows.Next() {
		var s export.Song
		if err := rows.Scan(&s.ID, &s.Title, &s.Performer, &s.Year, &s.Genre, &s.Duration); err != nil {
			return export.Playlist{}, export.Transient(fmt.Errorf("scan playlist song: %w", err))
		}
		p.Songs = append(p.Songs, s)
	}
	if err := rows.Err(); err != nil {
		return export.Playlist{}, export.Transient(fmt.Errorf("read playlist songs %s: %w", id, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return export.Playlist{}, export.Transient(fmt.Errorf("commit playlist read: %w", err))
	}
	return p, nil
}

// VerifyPlaylistOwner checks that userID owns the playlist. Used by the API
// before an export request is published.
func (c *Client) VerifyPlaylistOwner(ctx context.Context, playlistID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var owner string
	err := c.pool.QueryRow(ctx,
		`SELECT owner FROM playlists WHERE id = $1`, playlistID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return export.Permanent(fmt.Errorf("%w: %s", ErrNotFound, playlistID))
		}
		return export.Transient(fmt.Errorf("query playlist owner %s: %w", playlistID, err))
	}
	if owner != userID {
		return export.Permanent(fmt.Errorf("%w: playlist %s", ErrForbidden, playlistID))
	}
	return nil
}
