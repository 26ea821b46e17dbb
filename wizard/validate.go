package wizard

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"quickcover/auth"
	"quickcover/insurance"
	"quickcover/vehicle"
)

const (
	// MinimumDriverAge is the youngest age accepted on the driver step.
	MinimumDriverAge = 17
	// coverStartGrace tolerates clock skew between a browser and the server
	// when the cover is requested to start "now".
	coverStartGrace = 15 * time.Minute
)

var (
	postCodePattern = regexp.MustCompile(`(?i)^[A-Z]{1,2}\d[A-Z\d]? ?\d[A-Z]{2}$`)
	phonePattern    = regexp.MustCompile(`^(?:(?:\+44)|(?:0))(?:(?:(?:7(?:[1-4]\d\d|5[0-2]\d|5[4-9]\d\d|6\d{2}|[7-9]\d{2}))|(?:8(?:[0-2]\d{2}|[3-9]\d{2}))))\d{6}$`)
)

// ValidationError carries per-field messages for a rejected form. It is
// returned before any collaborator is called.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "wizard: invalid input: " + strings.Join(parts, "; ")
}

func fieldErrors(fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

// VehicleLookupInput is submitted on the vehicle screen.
type VehicleLookupInput struct {
	RegistrationNumber string    `json:"registrationNumber"`
	CoverStart         time.Time `json:"coverStart"`
	CoverEnd           time.Time `json:"coverEnd"`
}

// DriverDetailsInput is submitted on the driver screen.
type DriverDetailsInput struct {
	FullName    string            `json:"fullName"`
	DateOfBirth time.Time         `json:"dateOfBirth"`
	Address     insurance.Address `json:"address"`
	PhoneNumber string            `json:"phoneNumber"`
}

// AccountInput is submitted on the account screen.
type AccountInput struct {
	EmailAddress    string `json:"emailAddress"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// PaymentInput is submitted on the payment screen.
type PaymentInput struct {
	NameOnCard string `json:"nameOnCard"`
	CardNumber string `json:"cardNumber"`
	ExpiryDate string `json:"expiryDate"`
	CVV        string `json:"cvv"`
}

// ValidateVehicleLookup checks the vehicle form against now.
func ValidateVehicleLookup(in VehicleLookupInput, now time.Time) error {
	fields := map[string]string{}

	reg := vehicle.NormalizeRegistration(in.RegistrationNumber)
	switch {
	case reg == "":
		fields["registrationNumber"] = "Registration number is required"
	case !vehicle.ValidRegistration(reg):
		fields["registrationNumber"] = "Please enter a valid UK registration number"
	}

	switch {
	case in.CoverStart.IsZero():
		fields["coverStart"] = "Cover start is required"
	case in.CoverStart.Before(now.Add(-coverStartGrace)):
		fields["coverStart"] = "Cover cannot start in the past"
	}

	switch {
	case in.CoverEnd.IsZero():
		fields["coverEnd"] = "Cover end is required"
	case !in.CoverStart.IsZero() && !in.CoverEnd.After(in.CoverStart):
		fields["coverEnd"] = "Cover end must be after cover start"
	}

	return fieldErrors(fields)
}

// ValidateDriverDetails checks the driver form against now.
func ValidateDriverDetails(in DriverDetailsInput, now time.Time) error {
	fields := map[string]string{}

	if strings.TrimSpace(in.FullName) == "" {
		fields["fullName"] = "Full name is required"
	}

	switch {
	case in.DateOfBirth.IsZero():
		fields["dateOfBirth"] = "Date of birth is required"
	case in.DateOfBirth.After(now.AddDate(-MinimumDriverAge, 0, 0)):
		fields["dateOfBirth"] = "Driver must be at least 17 years old"
	}

	if strings.TrimSpace(in.Address.Line1) == "" {
		fields["address.line1"] = "Address line 1 is required"
	}
	if strings.TrimSpace(in.Address.Town) == "" {
		fields["address.town"] = "Town is required"
	}
	switch pc := strings.TrimSpace(in.Address.PostCode); {
	case pc == "":
		fields["address.postCode"] = "Post code is required"
	case !postCodePattern.MatchString(pc):
		fields["address.postCode"] = "Please enter a valid UK post code"
	}

	switch phone := compactPhone(in.PhoneNumber); {
	case phone == "":
		fields["phoneNumber"] = "Phone number is required"
	case !phonePattern.MatchString(phone):
		fields["phoneNumber"] = "Please enter a valid UK phone number"
	}

	return fieldErrors(fields)
}

// ValidateAccount checks the account form. Without a session every field is
// required; with one, only a supplied password pair is checked.
func ValidateAccount(in AccountInput, hasSession bool) error {
	fields := map[string]string{}

	email := strings.TrimSpace(in.EmailAddress)
	switch {
	case email == "" && !hasSession:
		fields["emailAddress"] = "Email address is required"
	case email != "" && !auth.ValidEmail(email):
		fields["emailAddress"] = "Please enter a valid email address"
	}

	if !hasSession || in.Password != "" || in.ConfirmPassword != "" {
		switch {
		case in.Password == "":
			fields["password"] = "Password is required"
		case auth.ValidatePassword(in.Password) != nil:
			fields["password"] = "Password must be at least 8 characters and contain at least one uppercase letter, one lowercase letter, and one number"
		}
		switch {
		case in.ConfirmPassword == "":
			fields["confirmPassword"] = "Please confirm your password"
		case in.ConfirmPassword != in.Password:
			fields["confirmPassword"] = "Passwords do not match"
		}
	}

	return fieldErrors(fields)
}

func compactPhone(phone string) string {
	return strings.Join(strings.Fields(phone), "")
}
