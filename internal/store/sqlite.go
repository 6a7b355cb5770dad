package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNoRows is returned by updates that matched no user.
var ErrNoRows = errors.New("no matching row")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        email TEXT UNIQUE NOT NULL,
        first_name TEXT NOT NULL DEFAULT '',
        last_name TEXT NOT NULL DEFAULT '',
        bio TEXT NOT NULL DEFAULT '',
        gender TEXT NOT NULL DEFAULT '',
        birthday DATETIME,
        profession TEXT NOT NULL DEFAULT '',
        community TEXT NOT NULL DEFAULT '',
        city TEXT NOT NULL DEFAULT '',
        province TEXT NOT NULL DEFAULT '',
        address TEXT NOT NULL DEFAULT '',
        prefer_upload BOOLEAN NOT NULL DEFAULT FALSE,
        payroll_file TEXT,
        labor_life_file TEXT,
        contract_file TEXT,
        thread_id TEXT,
        assistant_id TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS contracts (
        user_id INTEGER PRIMARY KEY,
        start_date TEXT NOT NULL DEFAULT '',
        end_date TEXT NOT NULL DEFAULT '',
        contract_type TEXT NOT NULL DEFAULT '',
        trial_period BOOLEAN NOT NULL DEFAULT FALSE,
        workday_type TEXT NOT NULL DEFAULT '',
        weekly_hours REAL NOT NULL DEFAULT 0,
        net_salary REAL NOT NULL DEFAULT 0,
        gross_salary REAL NOT NULL DEFAULT 0,
        extra_payments INTEGER NOT NULL DEFAULT 0,
        sector TEXT NOT NULL DEFAULT '',
        cotization_group TEXT NOT NULL DEFAULT '',
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

const userColumns = `id, email, first_name, last_name, bio, gender, birthday,
    profession, community, city, province, address, prefer_upload,
    payroll_file, labor_life_file, contract_file, thread_id, assistant_id, created_at`

// User methods
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var (
		user     User
		birthday sql.NullTime
		payroll  sql.NullString
		life     sql.NullString
		contract sql.NullString
		thread   sql.NullString
		asst     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id).Scan(
		&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Bio, &user.Gender, &birthday,
		&user.Profession, &user.Community, &user.City, &user.Province, &user.Address, &user.PreferUpload,
		&payroll, &life, &contract, &thread, &asst, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	if birthday.Valid {
		user.Birthday = &birthday.Time
	}
	user.PayrollFile = nullableString(payroll)
	user.LaborLifeFile = nullableString(life)
	user.ContractFile = nullableString(contract)
	user.ThreadID = nullableString(thread)
	user.AssistantID = nullableString(asst)
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, email, firstName, lastName string) (*User, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (email, first_name, last_name) VALUES (?, ?, ?)", email, firstName, lastName)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) UpdatePersonalDetails(ctx context.Context, userID int64, bio, gender string, birthday *time.Time) error {
	return s.execUserUpdate(ctx, "UPDATE users SET bio = ?, gender = ?, birthday = ? WHERE id = ?", bio, gender, birthday, userID)
}

func (s *SQLiteStore) UpdateLaborProfile(ctx context.Context, userID int64, p LaborProfile) error {
	return s.execUserUpdate(ctx, `UPDATE users SET profession = ?, community = ?, city = ?, province = ?, address = ?,
        prefer_upload = ?, payroll_file = ?, labor_life_file = ?, contract_file = ? WHERE id = ?`,
		p.Profession, p.Community, p.City, p.Province, p.Address,
		p.PreferUpload, p.PayrollFile, p.LaborLifeFile, p.ContractFile, userID)
}

// SetThreadID stores the external thread associated with the user. The last write wins.
func (s *SQLiteStore) SetThreadID(ctx context.Context, userID int64, threadID string) error {
	return s.execUserUpdate(ctx, "UPDATE users SET thread_id = ? WHERE id = ?", threadID, userID)
}

func (s *SQLiteStore) ClearThreadID(ctx context.Context, userID int64) error {
	return s.execUserUpdate(ctx, "UPDATE users SET thread_id = NULL WHERE id = ?", userID)
}

func (s *SQLiteStore) SetAssistantID(ctx context.Context, userID int64, assistantID string) error {
	return s.execUserUpdate(ctx, "UPDATE users SET assistant_id = ? WHERE id = ?", assistantID, userID)
}

func (s *SQLiteStore) execUserUpdate(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute user update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("user not updated: %w", ErrNoRows)
	}
	return nil
}

// Contract methods
func (s *SQLiteStore) UpsertContract(ctx context.Context, c *Contract) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO contracts (user_id, start_date, end_date, contract_type, trial_period, workday_type,
            weekly_hours, net_salary, gross_salary, extra_payments, sector, cotization_group)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(user_id) DO UPDATE SET
            start_date = excluded.start_date,
            end_date = excluded.end_date,
            contract_type = excluded.contract_type,
            trial_period = excluded.trial_period,
            workday_type = excluded.workday_type,
            weekly_hours = excluded.weekly_hours,
            net_salary = excluded.net_salary,
            gross_salary = excluded.gross_salary,
            extra_payments = excluded.extra_payments,
            sector = excluded.sector,
            cotization_group = excluded.cotization_group`,
		c.UserID, c.StartDate, c.EndDate, c.ContractType, c.TrialPeriod, c.WorkdayType,
		c.WeeklyHours, c.NetSalary, c.GrossSalary, c.ExtraPayments, c.Sector, c.CotizationGroup)
	if err != nil {
		return fmt.Errorf("failed to upsert contract: %w", err)
	}
	return nil
}

// GetContractByUserID returns nil when the user has not filled in contract details yet.
func (s *SQLiteStore) GetContractByUserID(ctx context.Context, userID int64) (*Contract, error) {
	var c Contract
	err := s.db.QueryRowContext(ctx, `SELECT user_id, start_date, end_date, contract_type, trial_period, workday_type,
        weekly_hours, net_salary, gross_salary, extra_payments, sector, cotization_group
        FROM contracts WHERE user_id = ?`, userID).Scan(
		&c.UserID, &c.StartDate, &c.EndDate, &c.ContractType, &c.TrialPeriod, &c.WorkdayType,
		&c.WeeklyHours, &c.NetSalary, &c.GrossSalary, &c.ExtraPayments, &c.Sector, &c.CotizationGroup,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}
	return &c, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
