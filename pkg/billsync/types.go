// Package billsync reconciles asynchronous billing lifecycle events from
// external payment gateways against internal subscriber state. Gateways
// deliver events at least once and out of order; billsync applies each
// event's financial effect at most once, keyed by (gateway, transaction id).
package billsync

import "time"

// Gateway identifies an external payment processor or notifier.
type Gateway string

const (
	// GatewayStripe is the primary card/ACH processor.
	GatewayStripe Gateway = "stripe"
	// GatewayWallet is the digital-wallet processor.
	GatewayWallet Gateway = "wallet"
	// GatewayAppStore is the mobile in-app-purchase notifier.
	GatewayAppStore Gateway = "app_store"
	// GatewayBankNet is the bank-transfer settlement network.
	GatewayBankNet Gateway = "bank_network"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TransactionCharge TransactionType = "charge"
	TransactionCredit TransactionType = "credit"
	TransactionRefund TransactionType = "refund"
)

// PaymentMethodType is the normalized payment instrument classification.
type PaymentMethodType string

const (
	PaymentMethodCard        PaymentMethodType = "card"
	PaymentMethodBankAccount PaymentMethodType = "bank_account"
	PaymentMethodACHCredit   PaymentMethodType = "ach_credit"
	PaymentMethodWallet      PaymentMethodType = "wallet"
	PaymentMethodAppStore    PaymentMethodType = "app_store"
	PaymentMethodUnknown     PaymentMethodType = ""
)

// SubscriberKind identifies which subscriber variant a reference points at.
type SubscriberKind string

const (
	SubscriberNone         SubscriberKind = ""
	SubscriberOrganization SubscriberKind = "organization"
	SubscriberUser         SubscriberKind = "user"
	SubscriberProvider     SubscriberKind = "provider"
)

// SubscriberRef points at exactly one subscriber, or none. The zero value
// means the event is not attributable to any subscriber, which is valid and
// must be treated as a no-op by callers.
type SubscriberRef struct {
	Kind SubscriberKind
	ID   string
}

// IsZero reports whether the reference points at no subscriber.
func (r SubscriberRef) IsZero() bool {
	return r.Kind == SubscriberNone || r.ID == ""
}

// Subscriber is one of Organization, User, or Provider.
type Subscriber interface {
	Ref() SubscriberRef
}

// Organization is a paying organization account.
type Organization struct {
	ID             string
	BillingEmail   string
	PlanType       string
	Enabled        bool
	ExpirationDate *time.Time
}

func (o *Organization) Ref() SubscriberRef {
	return SubscriberRef{Kind: SubscriberOrganization, ID: o.ID}
}

// User is an individual premium subscriber.
type User struct {
	ID                    string
	Email                 string
	Premium               bool
	PremiumExpirationDate *time.Time
}

func (u *User) Ref() SubscriberRef {
	return SubscriberRef{Kind: SubscriberUser, ID: u.ID}
}

// Provider is a reseller provider account.
type Provider struct {
	ID           string
	BillingEmail string
}

func (p *Provider) Ref() SubscriberRef {
	return SubscriberRef{Kind: SubscriberProvider, ID: p.ID}
}

// LedgerTransaction records one money-moving gateway event. The pair
// (Gateway, GatewayTransactionID) is the idempotency key: a transaction is
// created exactly once per key regardless of redelivery, and only
// RefundedAmount/Refunded are mutated after creation.
type LedgerTransaction struct {
	ID                   string
	Gateway              Gateway
	GatewayTransactionID string

	// Amount and RefundedAmount are in minor currency units (cents).
	// RefundedAmount grows monotonically toward Amount.
	Amount         int64
	RefundedAmount int64
	Refunded       bool

	Currency      string
	CreationDate  time.Time
	Subscriber    SubscriberRef
	Type          TransactionType
	PaymentMethod PaymentMethodType
	Details       string
}
