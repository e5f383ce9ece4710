package stripecard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// handleChargeSucceeded records one ledger transaction per first-seen
// charge. Redeliveries observe the existing record and change nothing.
func (p *Provider) handleChargeSucceeded(ctx context.Context, event *stripe.Event) error {
	ch, err := parseCharge(event.Data.Raw)
	if err != nil {
		return err
	}

	// Non-primary-currency charges are accepted but not ledgered.
	if ch.Currency != primaryCurrency {
		p.logger.Info("skipping non-primary-currency charge",
			billsync.Field{Key: "charge_id", Value: ch.ID},
			billsync.Field{Key: "currency", Value: string(ch.Currency)})
		return nil
	}

	if _, err := p.repo.GetByGatewayID(ctx, billsync.GatewayStripe, ch.ID); err == nil {
		p.logger.Debug("charge already processed",
			billsync.Field{Key: "charge_id", Value: ch.ID})
		return nil
	} else if !errors.Is(err, billsync.ErrTransactionNotFound) {
		return fmt.Errorf("ledger lookup for charge %s: %w", ch.ID, err)
	}

	ref, err := p.resolveChargeSubscriber(ctx, event.Data.Raw)
	if err != nil {
		return err
	}
	if ref.IsZero() {
		p.logger.Info("charge not attributable to a subscriber",
			billsync.Field{Key: "charge_id", Value: ch.ID})
		return nil
	}

	method, details, ok := classifyPaymentMethod(ch)
	if !ok {
		// Accepted but not ledgered: an unclassifiable method is not worth
		// failing delivery over.
		p.logger.Warn("charge payment method not classifiable",
			billsync.Field{Key: "charge_id", Value: ch.ID})
		return nil
	}

	tx := &billsync.LedgerTransaction{
		Gateway:              billsync.GatewayStripe,
		GatewayTransactionID: ch.ID,
		Amount:               ch.Amount,
		Currency:             string(ch.Currency),
		CreationDate:         time.Unix(ch.Created, 0).UTC(),
		Subscriber:           ref,
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        method,
		Details:              details,
	}
	if _, err := p.repo.Create(ctx, tx); err != nil {
		if errors.Is(err, billsync.ErrDuplicateTransaction) {
			// Lost the insert race to a concurrent delivery; same outcome.
			return nil
		}
		return fmt.Errorf("ledger charge %s: %w", ch.ID, err)
	}
	p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionCharge))
	return nil
}

// handleChargeRefunded creates one refund record per gateway refund
// sub-object not already ledgered, then sets the original transaction's
// refunded total from the payload's own totals, clamped to the original
// amount and never moving backward. Deriving the total from the payload
// rather than incrementing on first ledgering means a redelivery repairs a
// total lost to a write failure on an earlier delivery. A refund whose
// original charge is unknown is a data-consistency bug and is fatal to the
// event.
func (p *Provider) handleChargeRefunded(ctx context.Context, event *stripe.Event) error {
	ch, err := parseCharge(event.Data.Raw)
	if err != nil {
		return err
	}

	original, err := p.repo.GetByGatewayID(ctx, billsync.GatewayStripe, ch.ID)
	if err != nil {
		if errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("refund for unknown charge %s: %w", ch.ID, billsync.ErrTransactionNotFound)
		}
		return fmt.Errorf("ledger lookup for charge %s: %w", ch.ID, err)
	}

	var refunds []*stripe.Refund
	if ch.Refunds != nil {
		refunds = ch.Refunds.Data
	}

	// The gateway's amount_refunded is authoritative; the embedded refunds
	// list can be truncated, so take whichever is larger.
	total := ch.AmountRefunded
	var listed int64
	for _, refund := range refunds {
		if refund != nil {
			listed += refund.Amount
		}
	}
	if listed > total {
		total = listed
	}
	if total > original.Amount {
		total = original.Amount
	}

	for _, refund := range refunds {
		if refund == nil || refund.ID == "" {
			continue
		}
		if _, err := p.repo.GetByGatewayID(ctx, billsync.GatewayStripe, refund.ID); err == nil {
			continue // already ledgered
		} else if !errors.Is(err, billsync.ErrTransactionNotFound) {
			return fmt.Errorf("ledger lookup for refund %s: %w", refund.ID, err)
		}

		tx := &billsync.LedgerTransaction{
			Gateway:              billsync.GatewayStripe,
			GatewayTransactionID: refund.ID,
			Amount:               refund.Amount,
			Currency:             string(refund.Currency),
			CreationDate:         time.Unix(refund.Created, 0).UTC(),
			Subscriber:           original.Subscriber,
			Type:                 billsync.TransactionRefund,
			PaymentMethod:        original.PaymentMethod,
			Details:              original.Details,
		}
		if _, err := p.repo.Create(ctx, tx); err != nil {
			if errors.Is(err, billsync.ErrDuplicateTransaction) {
				continue
			}
			return fmt.Errorf("ledger refund %s: %w", refund.ID, err)
		}
		p.metrics.RecordLedgerTransaction(gatewayName, string(billsync.TransactionRefund))
	}

	changed := false
	if total > original.RefundedAmount {
		original.RefundedAmount = total
		changed = true
	}
	if fullyRefunded := original.RefundedAmount >= original.Amount; fullyRefunded != original.Refunded {
		original.Refunded = fullyRefunded
		changed = true
	}
	if changed {
		if err := p.repo.Replace(ctx, original); err != nil {
			return fmt.Errorf("update refunded charge %s: %w", ch.ID, err)
		}
	}
	return nil
}

// resolveChargeSubscriber walks charge → invoice → subscription metadata,
// falling back to scanning the customer's non-canceled subscriptions when
// the direct path yields nothing.
func (p *Provider) resolveChargeSubscriber(ctx context.Context, raw []byte) (billsync.SubscriberRef, error) {
	if invoiceID := rawIDField(raw, "invoice"); invoiceID != "" {
		env := &invoiceEnvelope{Invoice: &stripe.Invoice{ID: invoiceID}}
		fresh, err := p.freshInvoice(ctx, env)
		if err != nil {
			return billsync.SubscriberRef{}, err
		}
		if fresh.SubscriptionID != "" {
			sub, err := p.freshSubscription(ctx, fresh.SubscriptionID)
			if err != nil {
				return billsync.SubscriberRef{}, err
			}
			if ref := billsync.ResolveSubscriber(sub.Metadata); !ref.IsZero() {
				return ref, nil
			}
		}
	}

	customerID := rawIDField(raw, "customer")
	if customerID == "" {
		return billsync.SubscriberRef{}, nil
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(gatewayName, "/subscriptions/list", "error")
			return billsync.SubscriberRef{}, fmt.Errorf("%w: list subscriptions for %s: %v", billsync.ErrGatewayUnavailable, customerID, err)
		}
		if sub.Status == stripe.SubscriptionStatusCanceled {
			continue
		}
		if ref := billsync.ResolveSubscriber(sub.Metadata); !ref.IsZero() {
			return ref, nil
		}
	}
	return billsync.SubscriberRef{}, nil
}

// classifyPaymentMethod normalizes charge payment method details into a
// (type, details) pair from a fixed precedence list: card, bank-account ACH
// debit, ACH credit transfer.
func classifyPaymentMethod(ch *stripe.Charge) (billsync.PaymentMethodType, string, bool) {
	d := ch.PaymentMethodDetails
	if d == nil {
		return billsync.PaymentMethodUnknown, "", false
	}
	if d.Card != nil {
		return billsync.PaymentMethodCard,
			fmt.Sprintf("%s, *%s", d.Card.Brand, d.Card.Last4), true
	}
	if d.ACHDebit != nil {
		return billsync.PaymentMethodBankAccount,
			fmt.Sprintf("%s, *%s", d.ACHDebit.BankName, d.ACHDebit.Last4), true
	}
	if d.USBankAccount != nil {
		return billsync.PaymentMethodBankAccount,
			fmt.Sprintf("%s, *%s", d.USBankAccount.BankName, d.USBankAccount.Last4), true
	}
	if d.ACHCreditTransfer != nil {
		return billsync.PaymentMethodACHCredit,
			fmt.Sprintf("%s, *%s", d.ACHCreditTransfer.BankName, d.ACHCreditTransfer.AccountNumber), true
	}
	return billsync.PaymentMethodUnknown, "", false
}
