package users

import (
	"strings"
	"time"
)

// Address is the nested address record of a profile. After Normalize every
// field is present (empty string when unknown).
type Address struct {
	Street  string `json:"street"`
	Zip     string `json:"zip"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Profile represents the account owner as returned by the backend.
//
// The address lives in the nested Address record; the flat street/zip/city/
// country fields are a backward-compatibility mirror for older readers of
// the stored profile and must never be the only place a value lives.
type Profile struct {
	ID        string    `json:"id,omitempty"`
	Email     string    `json:"email,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Company   string    `json:"company,omitempty"`
	VATNumber string    `json:"vat_number,omitempty"`
	Address   Address   `json:"address"`
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Legacy flat address fields, mirrored from Address.
	Street  string `json:"street"`
	Zip     string `json:"zip"`
	City    string `json:"city"`
	Country string `json:"country"`
}

// Normalize reconciles the nested address with the legacy flat fields and
// returns the same profile. Nested values win; flat values fill gaps left
// by older payloads; afterwards both views agree.
func Normalize(p *Profile) *Profile {
	if p == nil {
		return nil
	}
	if p.Address.Street == "" {
		p.Address.Street = p.Street
	}
	if p.Address.Zip == "" {
		p.Address.Zip = p.Zip
	}
	if p.Address.City == "" {
		p.Address.City = p.City
	}
	if p.Address.Country == "" {
		p.Address.Country = p.Country
	}
	p.Street = p.Address.Street
	p.Zip = p.Address.Zip
	p.City = p.Address.City
	p.Country = p.Address.Country
	p.Email = NormalizeEmail(p.Email)
	return p
}

// NormalizeEmail lowercases and trims an email address. Rate limiting and
// lookups key on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (p *Profile) FullName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return p.Email
	}
	return name
}
