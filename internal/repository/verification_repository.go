package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/rallymail-backend/internal/model"
)

// VerificationSource lists addresses that passed the registration
// verification-code step.
type VerificationSource interface {
	ListVerified(ctx context.Context) ([]model.VerifiedContact, error)
}

type VerificationRepository struct {
	DB *sql.DB
}

func (r *VerificationRepository) ListVerified(ctx context.Context) ([]model.VerifiedContact, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT DISTINCT ON (LOWER(email)) email, first_name, last_name, phone
        FROM email_verifications
        WHERE verified
        ORDER BY LOWER(email), created_at
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.VerifiedContact{}
	for rows.Next() {
		var c model.VerifiedContact
		if err := rows.Scan(&c.Email, &c.FirstName, &c.LastName, &c.Phone); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

var _ VerificationSource = (*VerificationRepository)(nil)
