package database

import (
	"database/sql"
	"fmt"

	"stalker-proxy/work/logger"
	"stalker-proxy/work/types"
)

// OverlayEdit is a partial update of one channel overlay. Nil fields are left untouched.
type OverlayEdit struct {
	PortalID     string  `json:"portal"`
	ChannelID    string  `json:"channelId"`
	Enabled      *bool   `json:"enabled,omitempty"`
	CustomName   *string `json:"customChannelName,omitempty"`
	CustomNumber *string `json:"customChannelNumber,omitempty"`
	CustomGenre  *string `json:"customGenre,omitempty"`
	CustomEPGID  *string `json:"customEpgId,omitempty"`
	Fallback     *string `json:"fallbackChannel,omitempty"`
}

func (e OverlayEdit) apply(o *types.Overlay) {
	if e.Enabled != nil {
		v := *e.Enabled
		o.Enabled = &v
	}
	if e.CustomName != nil {
		o.CustomName = *e.CustomName
	}
	if e.CustomNumber != nil {
		o.CustomNumber = *e.CustomNumber
	}
	if e.CustomGenre != nil {
		o.CustomGenre = *e.CustomGenre
	}
	if e.CustomEPGID != nil {
		o.CustomEPGID = *e.CustomEPGID
	}
	if e.Fallback != nil {
		o.Fallback = *e.Fallback
	}
}

// LoadOverlays returns every overlay of a portal keyed by channel id.
func (db *DB) LoadOverlays(portalID string) (map[string]types.Overlay, error) {
	rows, err := db.Query(`
		SELECT channel_id, enabled, custom_name, custom_number, custom_genre, custom_epg_id, fallback_channel
		FROM overlays
		WHERE portal_id = ?
	`, portalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load overlays: %w", err)
	}
	defer rows.Close()

	overlays := make(map[string]types.Overlay)
	for rows.Next() {
		var (
			channelID string
			enabled   sql.NullBool
			o         types.Overlay
		)
		if err := rows.Scan(&channelID, &enabled, &o.CustomName, &o.CustomNumber, &o.CustomGenre, &o.CustomEPGID, &o.Fallback); err != nil {
			return nil, fmt.Errorf("failed to scan overlay: %w", err)
		}
		if enabled.Valid {
			v := enabled.Bool
			o.Enabled = &v
		}
		overlays[channelID] = o
	}
	return overlays, rows.Err()
}

// ApplyOverlayEdits merges a batch of edits into the stored overlays. The batch is
// applied atomically: either every edit lands or none does.
func (db *DB) ApplyOverlayEdits(edits []OverlayEdit) error {
	if len(edits) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, edit := range edits {
		if edit.PortalID == "" || edit.ChannelID == "" {
			return fmt.Errorf("overlay edit without portal or channel id")
		}

		var (
			o       types.Overlay
			enabled sql.NullBool
		)
		err := tx.QueryRow(`
			SELECT enabled, custom_name, custom_number, custom_genre, custom_epg_id, fallback_channel
			FROM overlays WHERE portal_id = ? AND channel_id = ?
		`, edit.PortalID, edit.ChannelID).Scan(&enabled, &o.CustomName, &o.CustomNumber, &o.CustomGenre, &o.CustomEPGID, &o.Fallback)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read overlay %s/%s: %w", edit.PortalID, edit.ChannelID, err)
		}
		if enabled.Valid {
			v := enabled.Bool
			o.Enabled = &v
		}

		edit.apply(&o)

		var enabledArg any
		if o.Enabled != nil {
			enabledArg = *o.Enabled
		}

		_, err = tx.Exec(`
			INSERT INTO overlays (portal_id, channel_id, enabled, custom_name, custom_number, custom_genre, custom_epg_id, fallback_channel, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
			ON CONFLICT(portal_id, channel_id) DO UPDATE SET
				enabled = excluded.enabled,
				custom_name = excluded.custom_name,
				custom_number = excluded.custom_number,
				custom_genre = excluded.custom_genre,
				custom_epg_id = excluded.custom_epg_id,
				fallback_channel = excluded.fallback_channel,
				updated_at = excluded.updated_at
		`, edit.PortalID, edit.ChannelID, enabledArg, o.CustomName, o.CustomNumber, o.CustomGenre, o.CustomEPGID, o.Fallback)
		if err != nil {
			return fmt.Errorf("failed to save overlay %s/%s: %w", edit.PortalID, edit.ChannelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit overlays: %w", err)
	}

	logger.Debug("{database/overlays - ApplyOverlayEdits} Applied %d overlay edits", len(edits))
	return nil
}

// ResetOverlays removes every customisation.
func (db *DB) ResetOverlays() error {
	res, err := db.Exec("DELETE FROM overlays")
	if err != nil {
		return fmt.Errorf("failed to reset overlays: %w", err)
	}
	n, _ := res.RowsAffected()
	logger.Info("{database/overlays - ResetOverlays} Removed %d overlays", n)
	return nil
}
