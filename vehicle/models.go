package vehicle

import "time"

// Details is the registry response for a single vehicle.
type Details struct {
	RegistrationNumber string
	Make               string
	Model              string
	Year               int
	EngineSize         float64
	FuelType           string
	Color              string
}

// QuoteRequest asks for vehicle details and a price for a cover window.
type QuoteRequest struct {
	RegistrationNumber string
	CoverStart         time.Time
	CoverEnd           time.Time
}

// QuoteResult bundles the looked-up vehicle with its computed price.
type QuoteResult struct {
	Vehicle Details
	Price   string
}
