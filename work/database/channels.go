package database

import (
	"fmt"

	"stalker-proxy/work/types"
)

// SaveChannels replaces the cached raw channel list of a portal. Order is preserved.
func (db *DB) SaveChannels(portalID string, channels []types.RawChannel) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM channels WHERE portal_id = ?", portalID); err != nil {
		return fmt.Errorf("failed to clear channels: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO channels (portal_id, channel_id, position, name, number, genre_id, genre, logo, xmltv_id, cmd, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(portal_id, channel_id) DO UPDATE SET
			position = excluded.position,
			name = excluded.name,
			number = excluded.number,
			genre_id = excluded.genre_id,
			genre = excluded.genre,
			logo = excluded.logo,
			xmltv_id = excluded.xmltv_id,
			cmd = excluded.cmd,
			last_seen = excluded.last_seen
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare channel insert: %w", err)
	}
	defer stmt.Close()

	for i, ch := range channels {
		if _, err := stmt.Exec(portalID, ch.ID, i, ch.Name, ch.Number, ch.GenreID, ch.Genre, ch.Logo, ch.XMLTVID, ch.Cmd); err != nil {
			return fmt.Errorf("failed to save channel %s: %w", ch.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channels: %w", err)
	}
	return nil
}

// LoadChannels returns the cached raw channels of a portal in fetch order.
func (db *DB) LoadChannels(portalID string) ([]types.RawChannel, error) {
	rows, err := db.Query(`
		SELECT channel_id, name, number, genre_id, genre, logo, xmltv_id, cmd
		FROM channels
		WHERE portal_id = ?
		ORDER BY position
	`, portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []types.RawChannel
	for rows.Next() {
		var ch types.RawChannel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Number, &ch.GenreID, &ch.Genre, &ch.Logo, &ch.XMLTVID, &ch.Cmd); err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// DeletePortal drops everything stored for a portal.
func (db *DB) DeletePortal(portalID string) error {
	if _, err := db.Exec("DELETE FROM channels WHERE portal_id = ?", portalID); err != nil {
		return fmt.Errorf("failed to delete channels: %w", err)
	}
	if _, err := db.Exec("DELETE FROM overlays WHERE portal_id = ?", portalID); err != nil {
		return fmt.Errorf("failed to delete overlays: %w", err)
	}
	return nil
}
