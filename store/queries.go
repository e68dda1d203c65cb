package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrQuery = errors.New("query failed")
	ErrScan  = errors.New("failed to scan result")
)

type PlayerRow struct {
	SteamID          int64
	Personaname      string
	RealName         string
	AvatarHash       string
	Visibility       int64
	AccountCreatedOn sql.NullTime
	CommunityBanned  bool
	GameBans         int64
	VacBans          int64
	LastVacBanOn     sql.NullTime
	Verdict          string
	VerdictReason    string
	Whitelist        bool
	ProfileUpdatedOn time.Time
	CreatedOn        time.Time
	UpdatedOn        time.Time
}

type NameRow struct {
	NameID    int64
	SteamID   int64
	Name      string
	CreatedOn time.Time
}

type MessageRow struct {
	MessageID int64
	SteamID   int64
	Message   string
	TeamOnly  bool
	Dead      bool
	CreatedOn time.Time
}

type ActionRow struct {
	ActionID   int64
	SteamID    int64
	Kind       string
	Reason     string
	Detail     string
	Outcome    string
	CreatedOn  time.Time
	ResolvedOn sql.NullTime
}

// Querier is the full set of persistence operations the engine uses.
type Querier interface {
	PlayerSave(ctx context.Context, row PlayerRow) error
	Player(ctx context.Context, steamID int64) (PlayerRow, error)
	NameSave(ctx context.Context, steamID int64, name string, createdOn time.Time) error
	Names(ctx context.Context, steamID int64) ([]NameRow, error)
	MessageSave(ctx context.Context, row MessageRow) error
	Messages(ctx context.Context, steamID int64) ([]MessageRow, error)
	ActionSave(ctx context.Context, row ActionRow) error
	Actions(ctx context.Context, steamID int64) ([]ActionRow, error)
	Close() error
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const playerSaveQuery = `
INSERT INTO player (steam_id, personaname, real_name, avatar_hash, visibility, account_created_on,
                    community_banned, game_bans, vac_bans, last_vac_ban_on, verdict, verdict_reason,
                    whitelist, profile_updated_on, created_on, updated_on)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (steam_id) DO UPDATE SET
    personaname        = excluded.personaname,
    real_name          = excluded.real_name,
    avatar_hash        = excluded.avatar_hash,
    visibility         = excluded.visibility,
    account_created_on = excluded.account_created_on,
    community_banned   = excluded.community_banned,
    game_bans          = excluded.game_bans,
    vac_bans           = excluded.vac_bans,
    last_vac_ban_on    = excluded.last_vac_ban_on,
    verdict            = excluded.verdict,
    verdict_reason     = excluded.verdict_reason,
    whitelist          = excluded.whitelist,
    profile_updated_on = excluded.profile_updated_on,
    updated_on         = excluded.updated_on`

func (s *Store) PlayerSave(ctx context.Context, row PlayerRow) error {
	_, errExec := s.db.ExecContext(ctx, playerSaveQuery,
		row.SteamID, row.Personaname, row.RealName, row.AvatarHash, row.Visibility, row.AccountCreatedOn,
		row.CommunityBanned, row.GameBans, row.VacBans, row.LastVacBanOn, row.Verdict, row.VerdictReason,
		row.Whitelist, row.ProfileUpdatedOn, row.CreatedOn, row.UpdatedOn)
	if errExec != nil {
		return errors.Join(errExec, ErrQuery)
	}

	return nil
}

const playerQuery = `
SELECT steam_id, personaname, real_name, avatar_hash, visibility, account_created_on,
       community_banned, game_bans, vac_bans, last_vac_ban_on, verdict, verdict_reason,
       whitelist, profile_updated_on, created_on, updated_on
FROM player
WHERE steam_id = ?`

func (s *Store) Player(ctx context.Context, steamID int64) (PlayerRow, error) {
	var row PlayerRow

	errScan := s.db.QueryRowContext(ctx, playerQuery, steamID).Scan(
		&row.SteamID, &row.Personaname, &row.RealName, &row.AvatarHash, &row.Visibility, &row.AccountCreatedOn,
		&row.CommunityBanned, &row.GameBans, &row.VacBans, &row.LastVacBanOn, &row.Verdict, &row.VerdictReason,
		&row.Whitelist, &row.ProfileUpdatedOn, &row.CreatedOn, &row.UpdatedOn)
	if errScan != nil {
		if errors.Is(errScan, sql.ErrNoRows) {
			return row, errScan
		}

		return row, errors.Join(errScan, ErrScan)
	}

	return row, nil
}

func (s *Store) NameSave(ctx context.Context, steamID int64, name string, createdOn time.Time) error {
	_, errExec := s.db.ExecContext(ctx,
		`INSERT INTO player_name (steam_id, name, created_on) VALUES (?, ?, ?)`,
		steamID, name, createdOn)
	if errExec != nil {
		return errors.Join(errExec, ErrQuery)
	}

	return nil
}

func (s *Store) Names(ctx context.Context, steamID int64) ([]NameRow, error) {
	rows, errQuery := s.db.QueryContext(ctx,
		`SELECT name_id, steam_id, name, created_on FROM player_name WHERE steam_id = ? ORDER BY created_on`,
		steamID)
	if errQuery != nil {
		return nil, errors.Join(errQuery, ErrQuery)
	}

	defer func() {
		_ = rows.Close()
	}()

	var names []NameRow

	for rows.Next() {
		var row NameRow
		if errScan := rows.Scan(&row.NameID, &row.SteamID, &row.Name, &row.CreatedOn); errScan != nil {
			return nil, errors.Join(errScan, ErrScan)
		}

		names = append(names, row)
	}

	if errRows := rows.Err(); errRows != nil {
		return nil, errors.Join(errRows, ErrQuery)
	}

	return names, nil
}

func (s *Store) MessageSave(ctx context.Context, row MessageRow) error {
	_, errExec := s.db.ExecContext(ctx,
		`INSERT INTO player_message (steam_id, message, team_only, dead, created_on) VALUES (?, ?, ?, ?, ?)`,
		row.SteamID, row.Message, row.TeamOnly, row.Dead, row.CreatedOn)
	if errExec != nil {
		return errors.Join(errExec, ErrQuery)
	}

	return nil
}

func (s *Store) Messages(ctx context.Context, steamID int64) ([]MessageRow, error) {
	rows, errQuery := s.db.QueryContext(ctx,
		`SELECT message_id, steam_id, message, team_only, dead, created_on
		 FROM player_message WHERE steam_id = ? ORDER BY created_on`,
		steamID)
	if errQuery != nil {
		return nil, errors.Join(errQuery, ErrQuery)
	}

	defer func() {
		_ = rows.Close()
	}()

	var messages []MessageRow

	for rows.Next() {
		var row MessageRow
		if errScan := rows.Scan(&row.MessageID, &row.SteamID, &row.Message, &row.TeamOnly, &row.Dead,
			&row.CreatedOn); errScan != nil {
			return nil, errors.Join(errScan, ErrScan)
		}

		messages = append(messages, row)
	}

	if errRows := rows.Err(); errRows != nil {
		return nil, errors.Join(errRows, ErrQuery)
	}

	return messages, nil
}

func (s *Store) ActionSave(ctx context.Context, row ActionRow) error {
	_, errExec := s.db.ExecContext(ctx,
		`INSERT INTO player_action (steam_id, kind, reason, detail, outcome, created_on, resolved_on)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.SteamID, row.Kind, row.Reason, row.Detail, row.Outcome, row.CreatedOn, row.ResolvedOn)
	if errExec != nil {
		return errors.Join(errExec, ErrQuery)
	}

	return nil
}

func (s *Store) Actions(ctx context.Context, steamID int64) ([]ActionRow, error) {
	rows, errQuery := s.db.QueryContext(ctx,
		`SELECT action_id, steam_id, kind, reason, detail, outcome, created_on, resolved_on
		 FROM player_action WHERE steam_id = ? ORDER BY created_on`,
		steamID)
	if errQuery != nil {
		return nil, errors.Join(errQuery, ErrQuery)
	}

	defer func() {
		_ = rows.Close()
	}()

	var actions []ActionRow

	for rows.Next() {
		var row ActionRow
		if errScan := rows.Scan(&row.ActionID, &row.SteamID, &row.Kind, &row.Reason, &row.Detail,
			&row.Outcome, &row.CreatedOn, &row.ResolvedOn); errScan != nil {
			return nil, errors.Join(errScan, ErrScan)
		}

		actions = append(actions, row)
	}

	if errRows := rows.Err(); errRows != nil {
		return nil, errors.Join(errRows, ErrQuery)
	}

	return actions, nil
}
