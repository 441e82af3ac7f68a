package stripehook

import "time"

// Minimal representations of the Stripe objects the handler reads from
// event.data.object. Only the fields used for routing are decoded.

// CheckoutSession is a checkout.session object.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentStatus string            `json:"payment_status"`
	Customer      string            `json:"customer"`
	PaymentIntent string            `json:"payment_intent"`
	Subscription  string            `json:"subscription"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Period is a start/end pair in unix seconds.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Invoice is an invoice object.
type Invoice struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	AmountPaid   int64             `json:"amount_paid"`
	Currency     string            `json:"currency"`
	PeriodStart  int64             `json:"period_start"`
	PeriodEnd    int64             `json:"period_end"`
	Metadata     map[string]string `json:"metadata"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period   Period            `json:"period"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the subscription from the top level field or,
// on newer API versions, from parent.subscription_details.
func (inv Invoice) SubscriptionID() string {
	return first(inv.Subscription, inv.Parent.SubscriptionDetails.Subscription)
}

// Meta returns a metadata value from the invoice, its subscription
// details or its first line, in that order.
func (inv Invoice) Meta(key string) string {
	v := first(inv.Metadata[key], inv.Parent.SubscriptionDetails.Metadata[key])
	if v == "" && len(inv.Lines.Data) > 0 {
		v = inv.Lines.Data[0].Metadata[key]
	}
	return v
}

// ServicePeriod returns the period the invoice pays for. Subscription
// invoices carry it on their lines; period_start/period_end is the
// fallback.
func (inv Invoice) ServicePeriod() (time.Time, time.Time) {
	p := Period{Start: inv.PeriodStart, End: inv.PeriodEnd}
	if len(inv.Lines.Data) > 0 && inv.Lines.Data[0].Period.End > 0 {
		p = inv.Lines.Data[0].Period
	}
	return unix(p.Start), unix(p.End)
}

// Subscription is a subscription object.
type Subscription struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID        string            `json:"id"`
				Metadata  map[string]string `json:"metadata"`
				Recurring struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// Meta returns a metadata value from the subscription or its first price.
func (s Subscription) Meta(key string) string {
	v := s.Metadata[key]
	if v == "" && len(s.Items.Data) > 0 {
		v = s.Items.Data[0].Price.Metadata[key]
	}
	return v
}

// Interval returns the recurring interval of the first item.
func (s Subscription) Interval() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.Recurring.Interval
}

// Period returns the current period, read from the first item on API
// versions that moved it there.
func (s Subscription) Period() (time.Time, time.Time) {
	start, end := s.CurrentPeriodStart, s.CurrentPeriodEnd
	if end == 0 && len(s.Items.Data) > 0 {
		start, end = s.Items.Data[0].CurrentPeriodStart, s.Items.Data[0].CurrentPeriodEnd
	}
	return unix(start), unix(end)
}

// Charge is a charge object.
type Charge struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Refunded       bool              `json:"refunded"`
	Metadata       map[string]string `json:"metadata"`
}

// customerObject is decoded from every event to resolve the owner.
type customerObject struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
