package models

// Identity is the recipient/tenant pair a subscription is scoped to.
type Identity struct {
	RecipientID string `json:"recipient_id"`
	TenantID    string `json:"tenant_id"`
}

func (i Identity) String() string {
	return i.TenantID + "/" + i.RecipientID
}

// Empty reports whether neither half of the identity is set.
func (i Identity) Empty() bool {
	return i.RecipientID == "" && i.TenantID == ""
}
