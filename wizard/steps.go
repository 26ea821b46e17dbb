package wizard

// Step is one screen of the quote wizard.
type Step string

const (
	StepVehicleLookup Step = "vehicle-lookup"
	StepQuote         Step = "quote"
	StepDriverDetails Step = "driver-details"
	StepAccount       Step = "account"
	StepPayment       Step = "payment"
	StepConfirmation  Step = "confirmation"
)

// StepInfo pairs a step with the label shown in the progress indicator.
type StepInfo struct {
	ID    Step   `json:"id"`
	Label string `json:"label"`
}

var stepOrder = []StepInfo{
	{StepVehicleLookup, "Vehicle"},
	{StepQuote, "Quote"},
	{StepDriverDetails, "Details"},
	{StepAccount, "Account"},
	{StepPayment, "Payment"},
	{StepConfirmation, "Confirm"},
}

// Steps returns the wizard steps in order.
func Steps() []StepInfo {
	out := make([]StepInfo, len(stepOrder))
	copy(out, stepOrder)
	return out
}

// Index is the zero-based position of s, or -1 for an unknown step.
func (s Step) Index() int {
	for i, info := range stepOrder {
		if info.ID == s {
			return i
		}
	}
	return -1
}

// Terminal reports whether no transition leaves s.
func (s Step) Terminal() bool {
	return s == StepConfirmation
}
