package models

// Capability is a single permission a caller may hold.
type Capability string

const (
	CapPolicyWrite    Capability = "policy:write"
	CapPremiumCollect Capability = "treasury:premium"
	CapPayout         Capability = "treasury:payout"
	CapTreasuryAdmin  Capability = "treasury:admin"
	CapReportSubmit   Capability = "report:submit"
	CapReadAll        Capability = "read:all"
)

// Caller is the authorization context passed into every mutating operation.
type Caller struct {
	ID           string                  `json:"id"`
	Capabilities map[Capability]struct{} `json:"-"`
}

func NewCaller(id string, caps ...Capability) Caller {
	set := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return Caller{ID: id, Capabilities: set}
}

func (c Caller) Can(cap Capability) bool {
	if c.ID == "" {
		return false
	}
	_, ok := c.Capabilities[cap]
	return ok
}

func (c Caller) CapabilityList() []Capability {
	out := make([]Capability, 0, len(c.Capabilities))
	for cap := range c.Capabilities {
		out = append(out, cap)
	}
	return out
}
