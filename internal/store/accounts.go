package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"content-publisher/internal/models"
)

const accountColumns = `id, user_id, platform, external_id, display_name, access_token, refresh_token,
	expires_at, avatar_url, created_at, updated_at`

func scanAccount(row pgx.Row) (models.ConnectedAccount, error) {
	var a models.ConnectedAccount
	var refresh pgtype.Text
	if err := row.Scan(&a.ID, &a.UserID, &a.Platform, &a.ExternalID, &a.DisplayName, &a.AccessToken, &refresh,
		&a.ExpiresAt, &a.AvatarURL, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return models.ConnectedAccount{}, err
	}
	a.RefreshToken = textValue(refresh)
	return a, nil
}

// UpsertAccount inserts the account or, when (user, platform, external id) already exists,
// replaces its tokens and profile. A refresh token is kept when the new grant carries none.
func (s *Store) UpsertAccount(ctx context.Context, a models.ConnectedAccount) (models.ConnectedAccount, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO connected_accounts (id, user_id, platform, external_id, display_name, access_token,
			refresh_token, expires_at, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (user_id, platform, external_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, connected_accounts.refresh_token),
			expires_at = EXCLUDED.expires_at,
			avatar_url = EXCLUDED.avatar_url,
			updated_at = NOW()
		RETURNING `+accountColumns,
		uuid.New().String(), a.UserID, a.Platform, a.ExternalID, a.DisplayName, a.AccessToken,
		emptyToNil(a.RefreshToken), a.ExpiresAt, a.AvatarURL)
	out, err := scanAccount(row)
	if err != nil {
		return models.ConnectedAccount{}, fmt.Errorf("upsert account: %w", err)
	}
	return out, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.ConnectedAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM connected_accounts WHERE id = $1`, id))
	if err != nil {
		return models.ConnectedAccount{}, notFound(err, "account")
	}
	return a, nil
}

// ListAccounts returns the accounts a user has connected.
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM connected_accounts WHERE user_id = $1 ORDER BY platform, created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	return collectAccounts(rows)
}

// ListExpiringAccounts returns refreshable accounts whose credential expires before the cutoff.
func (s *Store) ListExpiringAccounts(ctx context.Context, before time.Time) ([]models.ConnectedAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+accountColumns+` FROM connected_accounts
		WHERE refresh_token IS NOT NULL AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("query expiring accounts: %w", err)
	}
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]models.ConnectedAccount, error) {
	defer rows.Close()
	var out []models.ConnectedAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountTokens stores refreshed credentials. An empty refresh token keeps the stored one.
func (s *Store) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET access_token = $2, refresh_token = COALESCE($3, refresh_token), expires_at = $4, updated_at = NOW()
		WHERE id = $1
	`, id, accessToken, emptyToNil(refreshToken), expiresAt)
	if err != nil {
		return fmt.Errorf("update account tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAccount removes an account owned by userID.
func (s *Store) DeleteAccount(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connected_accounts WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}
