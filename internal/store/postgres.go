package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"incident-dispatch-go/internal/apperr"
	"incident-dispatch-go/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps users, notifications, preferences, push subscriptions
// and dispatch assignments.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunMigrations creates tables if they don't exist
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return err
}

// User methods

const userColumns = `id, username, password_hash, role, COALESCE(phone, ''), COALESCE(agency_id, 0), created_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.Phone, &u.AgencyID, &u.CreatedAt)
	return u, err
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *PostgresStore) CreateUser(ctx context.Context, username, password string, role models.Role, phone string, agencyID int) (models.User, error) {
	passwordHash, err := models.HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	return scanUser(s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, role, phone, agency_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING `+userColumns,
		username, passwordHash, role, nullString(phone), nullInt(agencyID),
	))
}

func (s *PostgresStore) GetUser(ctx context.Context, id int) (models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

// GetRecipient loads the user a notification is addressed to.
func (s *PostgresStore) GetRecipient(ctx context.Context, userID int) (models.User, error) {
	return s.GetUser(ctx, userID)
}

func (s *PostgresStore) AgencyMemberIDs(ctx context.Context, agencyID int) ([]int, error) {
	return s.ids(ctx, `SELECT id FROM users WHERE agency_id = $1 ORDER BY id`, agencyID)
}

func (s *PostgresStore) RoleMemberIDs(ctx context.Context, role models.Role) ([]int, error) {
	return s.ids(ctx, `SELECT id FROM users WHERE role = $1 ORDER BY id`, role)
}

func (s *PostgresStore) ids(ctx context.Context, query string, arg any) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Notification methods

func (s *PostgresStore) CreateNotification(ctx context.Context, n models.Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications
		 (id, user_id, type, title, message, related_entity_type, related_entity_id, priority, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message,
		nullString(n.RelatedEntityType), nullString(n.RelatedEntityID),
		n.Priority, n.IsRead, n.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID int, unreadOnly bool, limit int) ([]models.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, message,
		        COALESCE(related_entity_type, ''), COALESCE(related_entity_id, ''),
		        priority, is_read, created_at
		 FROM notifications
		 WHERE user_id = $1 AND (NOT $2 OR is_read = FALSE)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, unreadOnly, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message,
			&n.RelatedEntityType, &n.RelatedEntityID, &n.Priority, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`, userID,
	).Scan(&count)
	return count, err
}

func (s *PostgresStore) MarkAsRead(ctx context.Context, id string, userID int) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		var pqErr *pq.Error
		// A malformed id cannot name any row.
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return false, nil
		}
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (s *PostgresStore) MarkAllAsRead(ctx context.Context, userID int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Preference methods

func (s *PostgresStore) GetPreferences(ctx context.Context, userID int) (models.NotificationPreferences, bool, error) {
	p := models.NotificationPreferences{UserID: userID}
	var start, end sql.NullString
	var types []string

	err := s.db.QueryRowContext(ctx,
		`SELECT in_app, push, sms, email, frequency, quiet_hours_start, quiet_hours_end, enabled_types
		 FROM notification_preferences WHERE user_id = $1`, userID,
	).Scan(&p.InApp, &p.Push, &p.SMS, &p.Email, &p.Frequency, &start, &end, pq.Array(&types))
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotificationPreferences{}, false, nil
	}
	if err != nil {
		return models.NotificationPreferences{}, false, err
	}

	p.QuietHoursStart = start.String
	p.QuietHoursEnd = end.String
	for _, t := range types {
		p.EnabledTypes = append(p.EnabledTypes, models.NotificationType(t))
	}
	return p, true, nil
}

func (s *PostgresStore) SavePreferences(ctx context.Context, p models.NotificationPreferences) error {
	types := make([]string, len(p.EnabledTypes))
	for i, t := range p.EnabledTypes {
		types[i] = string(t)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_preferences
		 (user_id, in_app, push, sms, email, frequency, quiet_hours_start, quiet_hours_end, enabled_types)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id) DO UPDATE SET
		   in_app = EXCLUDED.in_app,
		   push = EXCLUDED.push,
		   sms = EXCLUDED.sms,
		   email = EXCLUDED.email,
		   frequency = EXCLUDED.frequency,
		   quiet_hours_start = EXCLUDED.quiet_hours_start,
		   quiet_hours_end = EXCLUDED.quiet_hours_end,
		   enabled_types = EXCLUDED.enabled_types`,
		p.UserID, p.InApp, p.Push, p.SMS, p.Email, p.Frequency,
		nullString(p.QuietHoursStart), nullString(p.QuietHoursEnd), pq.Array(types),
	)
	return err
}

// Push subscription methods

func (s *PostgresStore) SavePushSubscription(ctx context.Context, userID int, endpoint, p256dh, auth string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, keys_p256dh, keys_auth, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (endpoint) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   keys_p256dh = EXCLUDED.keys_p256dh,
		   keys_auth = EXCLUDED.keys_auth`,
		userID, endpoint, p256dh, auth,
	)
	return err
}

func (s *PostgresStore) GetPushSubscriptions(ctx context.Context, userID int) ([]models.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, keys_p256dh, keys_auth, created_at
		 FROM push_subscriptions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var sub models.PushSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) DeletePushSubscription(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = $1`, endpoint)
	return err
}

// Dispatch methods

func (s *PostgresStore) CreateAssignment(ctx context.Context, a models.DispatchAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_assignments
		 (id, incident_id, responder_id, dispatcher_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.IncidentID, a.ResponderID, a.DispatcherID, a.Status, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id string) (models.DispatchAssignment, error) {
	var a models.DispatchAssignment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, incident_id, responder_id, dispatcher_id, status, created_at, updated_at
		 FROM dispatch_assignments WHERE id = $1`, id,
	).Scan(&a.ID, &a.IncidentID, &a.ResponderID, &a.DispatcherID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "22P02" {
			return a, apperr.New(apperr.NotFound, "dispatch not found")
		}
		return a, notFound(err, "dispatch")
	}
	return a, nil
}

func (s *PostgresStore) UpdateAssignmentStatus(ctx context.Context, id string, from, to models.DispatchStatus, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE dispatch_assignments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
