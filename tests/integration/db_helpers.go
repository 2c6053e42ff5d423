package integration

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/curricula-app/curricula/internal/database"
	"github.com/curricula-app/curricula/internal/models"
	"github.com/curricula-app/curricula/internal/repositories"
	"github.com/curricula-app/curricula/pkg/auth"
)

// TestDB manages PostgreSQL testcontainer and database operations
type TestDB struct {
	Container  testcontainers.Container
	ConnString string
	Pool       *pgxpool.Pool
	DB         *database.DB
}

// SetupTestDatabase creates a PostgreSQL testcontainer, runs migrations, returns TestDB
func SetupTestDatabase(ctx context.Context) (*TestDB, error) {
	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("curricula"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &TestDB{
		Container:  container,
		ConnString: connStr,
		Pool:       pool,
		DB:         database.NewFromPool(pool, quiet),
	}, nil
}

// runMigrations executes all goose migrations
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := filepath.Abs("../../migrations")
	if err != nil {
		return fmt.Errorf("failed to get migrations path: %w", err)
	}

	// Suppress goose logs
	goose.SetLogger(log.New(io.Discard, "", 0))

	// Goose needs a stdlib connection; adapt it from the pgx pool config
	sqlDB := stdlib.OpenDB(*pool.Config().ConnConfig)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

// Teardown stops the container and closes the connection pool
func (db *TestDB) Teardown(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// CleanupTables truncates all tables for test isolation
func (db *TestDB) CleanupTables(ctx context.Context) error {
	tables := []string{
		"credential_tokens",
		"login_attempts",
		"attempt_records",
		"users",
	}

	for _, table := range tables {
		if _, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate table %s: %w", table, err)
		}
	}

	return nil
}

// InitializeRepositories creates all repository instances from database wrapper
func InitializeRepositories(db *database.DB) (
	*repositories.UserRepository,
	*repositories.AttemptLedgerRepository,
	*repositories.CredentialTokenRepository,
) {
	return repositories.NewUserRepository(db),
		repositories.NewAttemptLedgerRepository(db),
		repositories.NewCredentialTokenRepository(db)
}

// SeedUser inserts a test user with hashed password
func SeedUser(ctx context.Context, pool *pgxpool.Pool, email, password string, verified bool) (*models.User, error) {
	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query := `
		INSERT INTO users (email, name, password_hash, email_verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, email, name, password_hash, email_verified, is_active, role, created_at, updated_at
	`

	var user models.User
	err = pool.QueryRow(ctx, query, email, "Test User", hashedPassword, verified).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.EmailVerified,
		&user.IsActive,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	return &user, nil
}

// SeedCredentialToken inserts a code for (user, purpose) directly, bypassing
// delivery, so consume paths can be exercised without an email sender
func SeedCredentialToken(ctx context.Context, pool *pgxpool.Pool, userID, purpose, code string, expiresAt time.Time) error {
	query := `
		INSERT INTO credential_tokens (user_id, purpose, code, used, created_at, expires_at)
		VALUES ($1, $2, $3, false, NOW(), $4)
	`
	if _, err := pool.Exec(ctx, query, userID, purpose, code, expiresAt); err != nil {
		return fmt.Errorf("failed to insert credential token: %w", err)
	}
	return nil
}

// SeedFailedAttempts records n failures for (email, ip) through raw SQL so a
// test can start from a known ledger state
func SeedFailedAttempts(ctx context.Context, pool *pgxpool.Pool, email, ip string, n int) error {
	query := `
		INSERT INTO attempt_records (email, ip_address, failed_count, total_attempts, last_attempt_at)
		VALUES ($1, $2, $3, $3, NOW())
		ON CONFLICT (email, ip_address) DO UPDATE SET
			failed_count = attempt_records.failed_count + EXCLUDED.failed_count,
			total_attempts = attempt_records.total_attempts + EXCLUDED.total_attempts,
			last_attempt_at = NOW()
	`
	if _, err := pool.Exec(ctx, query, email, ip, n); err != nil {
		return fmt.Errorf("failed to seed attempt record: %w", err)
	}

	for i := 0; i < n; i++ {
		if _, err := pool.Exec(ctx,
			`INSERT INTO login_attempts (email, ip_address, user_agent, success, failure_reason, attempt_time)
			 VALUES ($1, $2, 'seed', false, 'invalid password', NOW())`,
			email, ip); err != nil {
			return fmt.Errorf("failed to seed login attempt: %w", err)
		}
	}
	return nil
}
