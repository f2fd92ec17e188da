package domain

// Subscription 是“有空床时通知我”的常驻请求，主键 (HutID, Date, EmailAddress)。
type Subscription struct {
	HutID        int    `json:"hut_id"`
	Date         Date   `json:"date"`
	EmailAddress string `json:"email_address"`
	Notified     bool   `json:"notified"`
}

type SubscriptionKey struct {
	HutID        int
	Date         Date
	EmailAddress string
}

func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{HutID: s.HutID, Date: s.Date, EmailAddress: s.EmailAddress}
}
