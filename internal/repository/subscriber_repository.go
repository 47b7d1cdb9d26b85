package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

// SubscriberRepositoryInterface defines the subscriber store used by the services
type SubscriberRepositoryInterface interface {
	List(ctx context.Context, filter model.SubscriberFilter, offset, limit int) ([]model.Subscriber, int, error)
	GetByID(ctx context.Context, id int) (*model.Subscriber, error)
	Create(ctx context.Context, s *model.Subscriber) error
	// InsertIfAbsent creates s unless a live subscriber already has its email.
	InsertIfAbsent(ctx context.Context, s *model.Subscriber) (bool, error)
	SetActive(ctx context.Context, id int, active bool) (*model.Subscriber, error)
	Delete(ctx context.Context, id int) error
	Stats(ctx context.Context) (*model.SubscriberStats, error)
	// GetActiveByIDs returns the live, active subscribers among ids, in no particular order.
	GetActiveByIDs(ctx context.Context, ids []int) ([]model.Subscriber, error)
	ListActive(ctx context.Context) ([]model.Subscriber, error)
	IncrementMailCount(ctx context.Context, id int) error
}

// SubscriberRepository is the Postgres implementation. Deleted subscribers are
// kept with deleted_at set so historical job snapshots still resolve.
type SubscriberRepository struct {
	DB *sql.DB
}

const subscriberColumns = `id, email, first_name, last_name, phone, source, active, mail_count, created_at`

const uniqueViolation = "23505"

func scanSubscriber(row interface{ Scan(...any) error }) (*model.Subscriber, error) {
	var s model.Subscriber
	var source string
	if err := row.Scan(&s.ID, &s.Email, &s.FirstName, &s.LastName, &s.Phone, &source, &s.Active, &s.MailCount, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Source = model.SubscriberSource(source)
	return &s, nil
}

func (r *SubscriberRepository) List(ctx context.Context, filter model.SubscriberFilter, offset, limit int) ([]model.Subscriber, int, error) {
	where := " WHERE deleted_at IS NULL"
	args := []any{}
	argPos := 1

	if search := strings.TrimSpace(filter.Search); search != "" {
		where += fmt.Sprintf(" AND (email ILIKE $%d OR first_name ILIKE $%d OR last_name ILIKE $%d)", argPos, argPos, argPos)
		args = append(args, "%"+search+"%")
		argPos++
	}
	if filter.Source != "" {
		where += fmt.Sprintf(" AND source=$%d", argPos)
		args = append(args, string(filter.Source))
		argPos++
	}
	if filter.Active != nil {
		where += fmt.Sprintf(" AND active=$%d", argPos)
		args = append(args, *filter.Active)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + subscriberColumns + ` FROM subscribers` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	subscribers := []model.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, 0, err
		}
		subscribers = append(subscribers, *s)
	}
	return subscribers, total, rows.Err()
}

func (r *SubscriberRepository) GetByID(ctx context.Context, id int) (*model.Subscriber, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id=$1 AND deleted_at IS NULL`, id)
	s, err := scanSubscriber(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewSubscriberNotFound(id)
		}
		return nil, err
	}
	return s, nil
}

func (r *SubscriberRepository) Create(ctx context.Context, s *model.Subscriber) error {
	query := `
        INSERT INTO subscribers (email, first_name, last_name, phone, source, active)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id, mail_count, created_at
    `
	err := r.DB.QueryRowContext(ctx, query, s.Email, s.FirstName, s.LastName, s.Phone, string(s.Source), s.Active).
		Scan(&s.ID, &s.MailCount, &s.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return appErrors.NewDuplicateSubscriber(s.Email)
	}
	return err
}

func (r *SubscriberRepository) InsertIfAbsent(ctx context.Context, s *model.Subscriber) (bool, error) {
	query := `
        INSERT INTO subscribers (email, first_name, last_name, phone, source, active)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT DO NOTHING
        RETURNING id, mail_count, created_at
    `
	err := r.DB.QueryRowContext(ctx, query, s.Email, s.FirstName, s.LastName, s.Phone, string(s.Source), s.Active).
		Scan(&s.ID, &s.MailCount, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *SubscriberRepository) SetActive(ctx context.Context, id int, active bool) (*model.Subscriber, error) {
	row := r.DB.QueryRowContext(ctx,
		`UPDATE subscribers SET active=$1 WHERE id=$2 AND deleted_at IS NULL RETURNING `+subscriberColumns,
		active, id)
	s, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewSubscriberNotFound(id)
	}
	return s, err
}

func (r *SubscriberRepository) Delete(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE subscribers SET deleted_at=NOW(), active=FALSE WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewSubscriberNotFound(id)
	}
	return nil
}

func (r *SubscriberRepository) Stats(ctx context.Context) (*model.SubscriberStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT source, COUNT(*), COUNT(*) FILTER (WHERE active)
        FROM subscribers
        WHERE deleted_at IS NULL
        GROUP BY source
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.SubscriberStats{BySource: map[model.SubscriberSource]int{}}
	for rows.Next() {
		var source string
		var total, active int
		if err := rows.Scan(&source, &total, &active); err != nil {
			return nil, err
		}
		stats.BySource[model.SubscriberSource(source)] = total
		stats.Total += total
		stats.Active += active
	}
	return stats, rows.Err()
}

func (r *SubscriberRepository) GetActiveByIDs(ctx context.Context, ids []int) ([]model.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = ANY($1) AND active AND deleted_at IS NULL`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return collectSubscribers(rows)
}

func (r *SubscriberRepository) ListActive(ctx context.Context) ([]model.Subscriber, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE active AND deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return collectSubscribers(rows)
}

// IncrementMailCount bumps the counter in place so concurrent campaigns never lose updates.
func (r *SubscriberRepository) IncrementMailCount(ctx context.Context, id int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE subscribers SET mail_count = mail_count + 1 WHERE id=$1`, id)
	return err
}

func collectSubscribers(rows *sql.Rows) ([]model.Subscriber, error) {
	defer rows.Close()
	out := []model.Subscriber{}
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

var _ SubscriberRepositoryInterface = (*SubscriberRepository)(nil)
