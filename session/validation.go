package session

import (
	"regexp"
	"strings"

	"github.com/simplifaq/session-agent/api"
	apperrors "github.com/simplifaq/session-agent/internal/errors"
	"github.com/simplifaq/session-agent/users"
)

const minPasswordLength = 8

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	// Swiss UID/VAT: CHE-123.456.789, optionally suffixed with the
	// language-specific VAT tag (TVA, MWST or IVA).
	swissVATPattern = regexp.MustCompile(`^CHE-\d{3}\.\d{3}\.\d{3}(\s?(TVA|MWST|IVA))?$`)

	// Generic EU-style VAT: country prefix plus 2-12 alphanumerics.
	genericVATPattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{2,12}$`)
)

// ValidateEmail checks basic email shape. The backend performs the
// authoritative check; this only keeps obviously malformed input off the
// network.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(users.NormalizeEmail(email)) {
		return apperrors.ErrInvalidEmail
	}
	return nil
}

// ValidatePassword enforces the minimum length.
func ValidatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.ErrPasswordTooShort
	}
	return nil
}

// ValidateVATNumber checks the VAT number format for the given country
// code. An empty VAT number is valid (the field is optional). Switzerland
// gets the strict UID format; other countries get a generic shape check.
func ValidateVATNumber(country, vatNumber string) error {
	vatNumber = strings.TrimSpace(vatNumber)
	if vatNumber == "" {
		return nil
	}

	switch strings.ToUpper(strings.TrimSpace(country)) {
	case "CH", "CHE", "SWITZERLAND", "":
		if !swissVATPattern.MatchString(vatNumber) {
			return apperrors.Wrapf(apperrors.ErrInvalidVATNumber, "expected CHE-000.000.000")
		}
	default:
		if !genericVATPattern.MatchString(strings.ReplaceAll(vatNumber, " ", "")) {
			return apperrors.ErrInvalidVATNumber
		}
	}
	return nil
}

// ValidateRegistration runs the full pre-network validation for a
// registration request.
func ValidateRegistration(req api.RegisterRequest) error {
	if err := ValidateEmail(req.Email); err != nil {
		return err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return err
	}
	if req.Password != req.PasswordConfirm {
		return apperrors.ErrPasswordMismatch
	}
	return ValidateVATNumber(req.Country, req.VATNumber)
}
