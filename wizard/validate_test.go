package wizard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateVehicleLookup(t *testing.T) {
	require.NoError(t, ValidateVehicleLookup(vehicleInput(), fixedNow))

	lowercase := vehicleInput()
	lowercase.RegistrationNumber = "ab12 cde"
	assert.NoError(t, ValidateVehicleLookup(lowercase, fixedNow))

	skewed := vehicleInput()
	skewed.CoverStart = fixedNow.Add(-5 * time.Minute)
	assert.NoError(t, ValidateVehicleLookup(skewed, fixedNow), "small clock skew is tolerated")

	tests := []struct {
		name  string
		edit  func(*VehicleLookupInput)
		field string
	}{
		{"missing registration", func(in *VehicleLookupInput) { in.RegistrationNumber = "  " }, "registrationNumber"},
		{"short registration", func(in *VehicleLookupInput) { in.RegistrationNumber = "AB1" }, "registrationNumber"},
		{"long registration", func(in *VehicleLookupInput) { in.RegistrationNumber = "AB12CDEFG" }, "registrationNumber"},
		{"missing start", func(in *VehicleLookupInput) { in.CoverStart = time.Time{} }, "coverStart"},
		{"start in past", func(in *VehicleLookupInput) { in.CoverStart = fixedNow.Add(-2 * time.Hour) }, "coverStart"},
		{"missing end", func(in *VehicleLookupInput) { in.CoverEnd = time.Time{} }, "coverEnd"},
		{"end before start", func(in *VehicleLookupInput) { in.CoverEnd = in.CoverStart.Add(-time.Minute) }, "coverEnd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := vehicleInput()
			tt.edit(&in)
			err := ValidateVehicleLookup(in, fixedNow)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestValidateDriverDetails(t *testing.T) {
	require.NoError(t, ValidateDriverDetails(driverInput(), fixedNow))

	seventeenToday := driverInput()
	seventeenToday.DateOfBirth = fixedNow.AddDate(-17, 0, 0)
	assert.NoError(t, ValidateDriverDetails(seventeenToday, fixedNow))

	for _, phone := range []string{"+447700900123", "07123456789", "08001234567"} {
		in := driverInput()
		in.PhoneNumber = phone
		assert.NoError(t, ValidateDriverDetails(in, fixedNow), phone)
	}
	for _, pc := range []string{"M1 1AE", "B338TH", "CR2 6XH", "DN55 1PT"} {
		in := driverInput()
		in.Address.PostCode = pc
		assert.NoError(t, ValidateDriverDetails(in, fixedNow), pc)
	}

	tests := []struct {
		name  string
		edit  func(*DriverDetailsInput)
		field string
	}{
		{"missing name", func(in *DriverDetailsInput) { in.FullName = "" }, "fullName"},
		{"missing birth date", func(in *DriverDetailsInput) { in.DateOfBirth = time.Time{} }, "dateOfBirth"},
		{"too young", func(in *DriverDetailsInput) { in.DateOfBirth = fixedNow.AddDate(-17, 0, 1) }, "dateOfBirth"},
		{"missing line1", func(in *DriverDetailsInput) { in.Address.Line1 = " " }, "address.line1"},
		{"missing town", func(in *DriverDetailsInput) { in.Address.Town = "" }, "address.town"},
		{"bad postcode", func(in *DriverDetailsInput) { in.Address.PostCode = "12345" }, "address.postCode"},
		{"missing phone", func(in *DriverDetailsInput) { in.PhoneNumber = "" }, "phoneNumber"},
		{"foreign phone", func(in *DriverDetailsInput) { in.PhoneNumber = "+15551234567" }, "phoneNumber"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := driverInput()
			tt.edit(&in)
			var verr *ValidationError
			require.ErrorAs(t, ValidateDriverDetails(in, fixedNow), &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}
}

func TestValidateAccount(t *testing.T) {
	good := AccountInput{EmailAddress: "jane@example.com", Password: "Password1", ConfirmPassword: "Password1"}
	require.NoError(t, ValidateAccount(good, false))

	tests := []struct {
		name       string
		in         AccountInput
		hasSession bool
		field      string
	}{
		{"missing email", AccountInput{Password: "Password1", ConfirmPassword: "Password1"}, false, "emailAddress"},
		{"bad email", AccountInput{EmailAddress: "jane@", Password: "Password1", ConfirmPassword: "Password1"}, false, "emailAddress"},
		{"missing password", AccountInput{EmailAddress: "jane@example.com"}, false, "password"},
		{"weak password", AccountInput{EmailAddress: "jane@example.com", Password: "password", ConfirmPassword: "password"}, false, "password"},
		{"mismatch", AccountInput{EmailAddress: "jane@example.com", Password: "Password1", ConfirmPassword: "Password2"}, false, "confirmPassword"},
		{"session mismatch", AccountInput{Password: "Password1", ConfirmPassword: "Password2"}, true, "confirmPassword"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var verr *ValidationError
			require.ErrorAs(t, ValidateAccount(tt.in, tt.hasSession), &verr)
			assert.Contains(t, verr.Fields, tt.field)
		})
	}

	assert.NoError(t, ValidateAccount(AccountInput{}, true))
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Fields: map[string]string{"b": "second", "a": "first"}}
	assert.Equal(t, "wizard: invalid input: a: first; b: second", err.Error())
}
