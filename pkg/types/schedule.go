package types

// HourRecord is one hour of the daily schedule ledger. Records for completed
// hours are actuals derived from reconciled sensor flows and are never
// overwritten; records for future hours are the optimizer's latest plan and
// are replaced wholesale on every run.
type HourRecord struct {
	Hour  int        `json:"hour"`
	Price PricePoint `json:"price"`

	// SOEStartKWH is the state-of-energy at the start of the hour.
	SOEStartKWH float64 `json:"soeStartKWH"`
	SOEEndKWH   float64 `json:"soeEndKWH"`

	// ActionKWH is the net battery action: positive charges, negative
	// discharges.
	ActionKWH float64 `json:"actionKWH"`

	GridKWH     float64 `json:"gridKWH"`
	GridCost    float64 `json:"gridCost"`
	BatteryCost float64 `json:"batteryCost"`
	TotalCost   float64 `json:"totalCost"`
	// BaseCost is what the hour would have cost with no battery at all.
	BaseCost float64 `json:"baseCost"`
	Savings  float64 `json:"savings"`

	// CostBasisPerKWH is the weighted-average cost of stored energy after
	// this hour's action.
	CostBasisPerKWH float64 `json:"costBasisPerKWH"`

	Actual        bool `json:"actual"`
	LowConfidence bool `json:"lowConfidence,omitempty"`
}

// DaySummary aggregates a day's schedule.
type DaySummary struct {
	BaseCost      float64 `json:"baseCost"`
	OptimizedCost float64 `json:"optimizedCost"`
	GridCosts     float64 `json:"gridCosts"`
	BatteryCosts  float64 `json:"batteryCosts"`
	Savings       float64 `json:"savings"`
	// CycleCount is (total charged + total discharged) / (2 x capacity),
	// a utilization metric rather than an integer count.
	CycleCount float64 `json:"cycleCount"`
}

// DaySnapshot is a read-only export of one day's schedule for the API,
// storage, and dashboard layers.
type DaySnapshot struct {
	// Date is the calendar day formatted as 2006-01-02.
	Date        string       `json:"date"`
	CurrentHour int          `json:"currentHour"`
	Hours       []HourRecord `json:"hours"`
	Summary     DaySummary   `json:"summary"`

	SOEKWH          float64 `json:"soeKWH"`
	CostBasisPerKWH float64 `json:"costBasisPerKWH"`
}
