// ABOUTME: Business persistence methods for SQLiteStore
// ABOUTME: Minimal create/get/list surface consumed by routing and the HTTP API

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateBusiness creates a new business record
func (s *SQLiteStore) CreateBusiness(ctx context.Context, business *Business) error {
	query := `
		INSERT INTO businesses (id, name, description, business_type, address, phone,
			email, website, system_prompt, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		business.ID,
		business.Name,
		business.Description,
		business.BusinessType,
		business.Address,
		business.Phone,
		business.Email,
		business.Website,
		business.SystemPrompt,
		business.Active,
		business.CreatedAt.UTC().Format(time.RFC3339),
		business.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting business: %w", err)
	}

	s.logger.Debug("created business", "id", business.ID, "name", business.Name)
	return nil
}

// GetBusiness retrieves a business by ID.
// Returns ErrNotFound if the business doesn't exist.
func (s *SQLiteStore) GetBusiness(ctx context.Context, id string) (*Business, error) {
	query := businessSelect + ` WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)
	business, err := scanBusiness(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying business: %w", err)
	}
	return business, nil
}

// ListBusinesses returns all businesses, optionally only active ones.
func (s *SQLiteStore) ListBusinesses(ctx context.Context, activeOnly bool) ([]*Business, error) {
	query := businessSelect
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying businesses: %w", err)
	}
	defer rows.Close()

	var businesses []*Business
	for rows.Next() {
		business, err := scanBusiness(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning business row: %w", err)
		}
		businesses = append(businesses, business)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating business rows: %w", err)
	}
	return businesses, nil
}

const businessSelect = `
	SELECT id, name, description, business_type, address, phone,
		email, website, system_prompt, active, created_at, updated_at
	FROM businesses`

// scanBusiness scans one business row via the given Scan function
func scanBusiness(scan func(dest ...any) error) (*Business, error) {
	var business Business
	var description, businessType, address, phone, email, website, systemPrompt sql.NullString
	var createdAtStr, updatedAtStr string

	err := scan(
		&business.ID,
		&business.Name,
		&description,
		&businessType,
		&address,
		&phone,
		&email,
		&website,
		&systemPrompt,
		&business.Active,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	business.Description = description.String
	business.BusinessType = businessType.String
	business.Address = address.String
	business.Phone = phone.String
	business.Email = email.String
	business.Website = website.String
	business.SystemPrompt = systemPrompt.String

	business.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	business.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &business, nil
}
