// Package userstore persists the user service's local view of accounts.
// The row is a projection of the identity provider's record, keyed by the
// Keycloak uuid; profile data stays in Keycloak.
package userstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// User is the local user row.
type User struct {
	KeycloakUUID string `gorm:"column:keycloak_uuid;primaryKey"`
}

func (User) TableName() string { return "users" }

var ErrNotFound = errors.New("userstore: user not found")

// Store wraps the users table.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres, migrates the schema, and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open user database: %w", err)
	}
	return NewStore(db)
}

// NewStore builds a Store over an existing gorm connection. Used by tests
// to run against sqlite.
func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("migrate users table: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateFromEvent inserts the user row for a user.created event. The insert
// is idempotent: a redelivered event for an already stored uuid is a no-op,
// so the table holds exactly one row per account.
func (s *Store) CreateFromEvent(ctx context.Context, keycloakUUID string) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&User{KeycloakUUID: keycloakUUID})
	if result.Error != nil {
		return fmt.Errorf("insert user %s: %w", keycloakUUID, result.Error)
	}
	return nil
}

// Get returns the user row for the uuid.
func (s *Store) Get(ctx context.Context, keycloakUUID string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).First(&user, "keycloak_uuid = ?", keycloakUUID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", keycloakUUID, err)
	}
	return &user, nil
}

// List returns all stored user uuids.
func (s *Store) List(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// Count returns the number of stored users.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
