package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Profile is a seed document for one user: personal details, labor profile and,
// optionally, the contract.
type Profile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Bio       string `json:"bio"`
	Gender    string `json:"gender"`
	// Birthday is a YYYY-MM-DD date.
	Birthday string `json:"birthday"`

	Profession    string  `json:"profession"`
	Community     string  `json:"community"`
	City          string  `json:"city"`
	Province      string  `json:"province"`
	Address       string  `json:"address"`
	PreferUpload  bool    `json:"prefer_upload"`
	PayrollFile   *string `json:"payroll_file"`
	LaborLifeFile *string `json:"labor_life_file"`
	ContractFile  *string `json:"contract_file"`

	Contract *Contract `json:"contract"`
}

func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}
	return &p, nil
}

// ApplyProfile writes p onto an existing user. The contract is replaced only when p has one.
func (s *SQLiteStore) ApplyProfile(ctx context.Context, userID int64, p *Profile) error {
	var birthday *time.Time
	if p.Birthday != "" {
		t, err := time.Parse(time.DateOnly, p.Birthday)
		if err != nil {
			return fmt.Errorf("invalid birthday %q: %w", p.Birthday, err)
		}
		birthday = &t
	}

	if err := s.UpdatePersonalDetails(ctx, userID, p.Bio, p.Gender, birthday); err != nil {
		return err
	}
	if err := s.UpdateLaborProfile(ctx, userID, LaborProfile{
		Profession:    p.Profession,
		Community:     p.Community,
		City:          p.City,
		Province:      p.Province,
		Address:       p.Address,
		PreferUpload:  p.PreferUpload,
		PayrollFile:   p.PayrollFile,
		LaborLifeFile: p.LaborLifeFile,
		ContractFile:  p.ContractFile,
	}); err != nil {
		return err
	}
	if p.Contract == nil {
		return nil
	}
	c := *p.Contract
	c.UserID = userID
	return s.UpsertContract(ctx, &c)
}
