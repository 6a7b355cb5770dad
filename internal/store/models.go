package store

import "time"

type User struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Bio       string     `json:"bio"`
	Gender    string     `json:"gender"`
	Birthday  *time.Time `json:"birthday"`

	// Labor profile
	Profession   string `json:"profession"`
	Community    string `json:"community"`
	City         string `json:"city"`
	Province     string `json:"province"`
	Address      string `json:"address"`
	PreferUpload bool   `json:"prefer_upload"`

	// Document handles returned by the file API.
	PayrollFile   *string `json:"payroll_file"`
	LaborLifeFile *string `json:"labor_life_file"`
	ContractFile  *string `json:"contract_file"`

	ThreadID    *string   `json:"-"`
	AssistantID *string   `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasAllDocuments reports whether the payroll, labor-history and contract handles are all stored.
func (u *User) HasAllDocuments() bool {
	return nonEmpty(u.PayrollFile) && nonEmpty(u.LaborLifeFile) && nonEmpty(u.ContractFile)
}

// LaborProfile is the form-backed subset of User written by the contract-data pages.
type LaborProfile struct {
	Profession    string
	Community     string
	City          string
	Province      string
	Address       string
	PreferUpload  bool
	PayrollFile   *string
	LaborLifeFile *string
	ContractFile  *string
}

type Contract struct {
	UserID          int64   `json:"user_id"`
	StartDate       string  `json:"start_date"`
	EndDate         string  `json:"end_date"`
	ContractType    string  `json:"contract_type"`
	TrialPeriod     bool    `json:"trial_period"`
	WorkdayType     string  `json:"workday_type"`
	WeeklyHours     float64 `json:"weekly_hours"`
	NetSalary       float64 `json:"net_salary"`
	GrossSalary     float64 `json:"gross_salary"`
	ExtraPayments   int     `json:"extra_payments"`
	Sector          string  `json:"sector"`
	CotizationGroup string  `json:"cotization_group"`
}

func nonEmpty(s *string) bool {
	return s != nil && *s != ""
}
