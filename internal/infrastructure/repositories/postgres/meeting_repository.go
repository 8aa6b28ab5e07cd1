package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/tracing"

	"github.com/jackc/pgx/v5"
)

// The relay reads the tables owned by the meeting backend. Meeting ids are
// passed as text and cast, so a malformed id fails the lookup instead of
// the driver encoding step.
const (
	checkAccessSQL = `
SELECT m.host_id = $2
    OR EXISTS (
        SELECT 1 FROM meetings_participant p
        WHERE p.meeting_id = m.id AND p.user_id = $2 AND p.is_active
    )
FROM meetings_meeting m
WHERE m.id = $1::text::uuid AND m.is_active`

	snapshotSQL = `
SELECT u.id, u.username
FROM meetings_participant p
JOIN auth_user u ON u.id = p.user_id
WHERE p.meeting_id = $1::text::uuid AND p.is_active AND p.user_id <> $2
ORDER BY p.joined_at, u.id`

	lookupUsernameSQL = `SELECT username FROM auth_user WHERE id = $1`
)

type PostgresMeetingRepository struct {
	db           Querier
	queryTimeout time.Duration
}

func NewPostgresMeetingRepository(db Querier, queryTimeout time.Duration) ports.MeetingRepository {
	return &PostgresMeetingRepository{
		db:           db,
		queryTimeout: queryTimeout,
	}
}

func (r *PostgresMeetingRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *PostgresMeetingRepository) CheckAccess(ctx context.Context, roomID domain.RoomID, identity domain.Identity) (bool, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "check_access", "meetings_meeting")
	defer span.End()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var allowed bool
	err := r.db.QueryRow(ctx, checkAccessSQL, string(roomID), int64(identity.ID)).Scan(&allowed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return false, fmt.Errorf("failed to check access to %s: %w", roomID, err)
	}
	return allowed, nil
}

func (r *PostgresMeetingRepository) SnapshotActiveMembers(ctx context.Context, roomID domain.RoomID, exclude domain.UserID) ([]domain.Identity, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "snapshot_members", "meetings_participant")
	defer span.End()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.Query(ctx, snapshotSQL, string(roomID), int64(exclude))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}
	defer rows.Close()

	members := make([]domain.Identity, 0)
	for rows.Next() {
		var (
			id       int64
			username string
		)
		if err := rows.Scan(&id, &username); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, domain.Identity{ID: domain.UserID(id), Username: username})
	}
	if err := rows.Err(); err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}
	return members, nil
}

func (r *PostgresMeetingRepository) LookupUsername(ctx context.Context, userID domain.UserID) (string, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "lookup_username", "auth_user")
	defer span.End()
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var username string
	err := r.db.QueryRow(ctx, lookupUsernameSQL, int64(userID)).Scan(&username)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrUserNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	return username, nil
}
