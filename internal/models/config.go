package models

// PriceKind selects which configured price a queued draw is charged at.
type PriceKind string

const (
	PriceTicket     PriceKind = "ticket"
	PriceBurnTicket PriceKind = "burn_ticket"
)

// GlobalConfig is the engine-wide configuration snapshot read by every operation.
type GlobalConfig struct {
	Killed           bool    `json:"killed"`
	FreeDrawTokenID  uint64  `json:"freeDrawTokenId"`
	TicketPrice      uint64  `json:"ticketPrice"`
	BurnTicketPrice  uint64  `json:"burnTicketPrice"`
	MaxOdds          uint64  `json:"maxOdds"` // power of two
	OracleRef        string  `json:"oracleRef"`
	RandomnessWindow uint64  `json:"randomnessWindow"`
	Admin            Address `json:"admin"`
	Treasury         Address `json:"treasury"`
	Engine           Address `json:"engine"`
}

// Price returns the configured price for kind.
func (c GlobalConfig) Price(kind PriceKind) uint64 {
	if kind == PriceBurnTicket {
		return c.BurnTicketPrice
	}
	return c.TicketPrice
}

// ConfigUpdate lists the fields an administrator may change. Nil fields are left untouched.
type ConfigUpdate struct {
	TicketPrice      *uint64 `json:"ticketPrice,omitempty"`
	BurnTicketPrice  *uint64 `json:"burnTicketPrice,omitempty"`
	FreeDrawTokenID  *uint64 `json:"freeDrawTokenId,omitempty"`
	MaxOdds          *uint64 `json:"maxOdds,omitempty"`
	OracleRef        *string `json:"oracleRef,omitempty"`
	RandomnessWindow *uint64 `json:"randomnessWindow,omitempty"`
}

// Apply returns a copy of c with the non-nil fields of u applied.
func (u ConfigUpdate) Apply(c GlobalConfig) GlobalConfig {
	if u.TicketPrice != nil {
		c.TicketPrice = *u.TicketPrice
	}
	if u.BurnTicketPrice != nil {
		c.BurnTicketPrice = *u.BurnTicketPrice
	}
	if u.FreeDrawTokenID != nil {
		c.FreeDrawTokenID = *u.FreeDrawTokenID
	}
	if u.MaxOdds != nil {
		c.MaxOdds = *u.MaxOdds
	}
	if u.OracleRef != nil {
		c.OracleRef = *u.OracleRef
	}
	if u.RandomnessWindow != nil {
		c.RandomnessWindow = *u.RandomnessWindow
	}
	return c
}
