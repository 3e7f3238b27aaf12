package domain

// AuthorizationStatus is the decision returned for an access token.
type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// AllowListResult is what the allow-list knows about a token.
type AllowListResult int

const (
	AllowListAbsent AllowListResult = iota
	AllowListAllowed
	AllowListDisallowed
)

func (r AllowListResult) String() string {
	switch r {
	case AllowListAllowed:
		return "allowed"
	case AllowListDisallowed:
		return "disallowed"
	default:
		return "absent"
	}
}

// AuthorizationEntry is a row of the external allow-list.
type AuthorizationEntry struct {
	IDTag   string `json:"id_tag"`
	Allowed bool   `json:"allowed"`
}
