package stripecard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// attemptToPayInvoice tries alternate settlement paths for an unpaid
// invoice in fixed priority order, short-circuiting on the first
// applicable, successful attempt:
//
//  1. an in-app-purchase receipt named in customer metadata,
//  2. a linked wallet-processor customer,
//  3. a direct retry of the default instrument, when permitted.
//
// Gating checks that fail (expired receipt, wrong owner, recent duplicate
// charge) move on or stop without error; upstream call failures propagate
// so the gateway's redelivery can retry.
func (p *Provider) attemptToPayInvoice(ctx context.Context, env *invoiceEnvelope, allowDirectRetry bool) (bool, error) {
	if env.ID == "" || env.customerID() == "" {
		return false, nil
	}

	cust, err := p.freshCustomer(ctx, env.customerID())
	if err != nil {
		return false, err
	}

	ref, err := p.resolveInvoiceSubscriber(ctx, env)
	if err != nil {
		return false, err
	}

	if receiptKey := billsync.MetadataValue(cust.Metadata, metadataReceipt); receiptKey != "" && p.receipts != nil {
		paid, err := p.payWithReceipt(ctx, env, ref, receiptKey)
		if err != nil {
			p.metrics.RecordFallbackAttempt("receipt", "error")
			return false, err
		}
		if paid {
			p.metrics.RecordFallbackAttempt("receipt", "success")
			return true, nil
		}
		p.metrics.RecordFallbackAttempt("receipt", "skipped")
		// Receipt not applicable; the wallet path may still settle it.
	}

	if walletID := billsync.MetadataValue(cust.Metadata, metadataWalletCustomerID); walletID != "" && p.wallet != nil {
		return p.payWithWallet(ctx, env, ref, cust, walletID)
	}

	if allowDirectRetry {
		return p.payDirect(ctx, env)
	}
	return false, nil
}

// payWithReceipt redeems an in-app-purchase receipt against the invoice.
// All three gates must hold: the receipt outlives the invoice due date, its
// owning user is the subscription's resolved user, and its latest
// transaction has not been ledgered yet.
func (p *Provider) payWithReceipt(ctx context.Context, env *invoiceEnvelope, ref billsync.SubscriberRef, receiptKey string) (bool, error) {
	receipt, err := p.receipts.Validate(ctx, receiptKey)
	if err != nil {
		return false, fmt.Errorf("validate receipt: %w", err)
	}
	if receipt == nil {
		return false, nil
	}

	if !receipt.ExpiresAt.After(env.dueDate()) {
		p.logger.Debug("receipt expired relative to invoice due date",
			billsync.Field{Key: "invoice_id", Value: env.ID})
		return false, nil
	}
	if ref.Kind != billsync.SubscriberUser || ref.ID != receipt.UserID {
		p.logger.Warn("receipt owner does not match subscription user",
			billsync.Field{Key: "invoice_id", Value: env.ID},
			billsync.Field{Key: "receipt_user", Value: receipt.UserID})
		return false, nil
	}

	if _, err := p.repo.GetByGatewayID(ctx, billsync.GatewayAppStore, receipt.LatestTransactionID); err == nil {
		// Receipt already redeemed for another invoice.
		return false, nil
	} else if !errors.Is(err, billsync.ErrTransactionNotFound) {
		return false, fmt.Errorf("ledger lookup for receipt transaction %s: %w", receipt.LatestTransactionID, err)
	}

	tx := &billsync.LedgerTransaction{
		Gateway:              billsync.GatewayAppStore,
		GatewayTransactionID: receipt.LatestTransactionID,
		Amount:               env.AmountDue,
		Currency:             string(env.Currency),
		CreationDate:         time.Now().UTC(),
		Subscriber:           ref,
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        billsync.PaymentMethodAppStore,
		Details:              receipt.ProductID,
	}
	if _, err := p.repo.Create(ctx, tx); err != nil {
		if errors.Is(err, billsync.ErrDuplicateTransaction) {
			return false, nil
		}
		return false, fmt.Errorf("ledger receipt transaction %s: %w", receipt.LatestTransactionID, err)
	}
	p.metrics.RecordLedgerTransaction(string(billsync.GatewayAppStore), string(billsync.TransactionCharge))

	if _, err := p.markPaidOutOfBand(ctx, env); err != nil {
		return false, err
	}
	return true, nil
}

// payWithWallet submits a one-off sale through the wallet processor. A
// ledger transaction for the same subscriber within the last 24 hours means
// a charge may already be in flight, so the sale is suppressed.
func (p *Provider) payWithWallet(ctx context.Context, env *invoiceEnvelope, ref billsync.SubscriberRef, cust *stripe.Customer, walletID string) (bool, error) {
	if !ref.IsZero() {
		latest, err := p.repo.LatestBySubscriber(ctx, ref)
		if err != nil && !errors.Is(err, billsync.ErrTransactionNotFound) {
			p.metrics.RecordFallbackAttempt("wallet", "error")
			return false, fmt.Errorf("latest transaction for %s/%s: %w", ref.Kind, ref.ID, err)
		}
		if err == nil && time.Since(latest.CreationDate) < duplicateChargeWindow {
			p.logger.Info("suppressing wallet charge, recent transaction exists",
				billsync.Field{Key: "invoice_id", Value: env.ID},
				billsync.Field{Key: "last_transaction", Value: latest.GatewayTransactionID})
			p.metrics.RecordFallbackAttempt("wallet", "skipped")
			return false, nil
		}
	}

	region := billsync.MetadataValue(cust.Metadata, billsync.MetadataRegion)
	if region == "" {
		region = defaultRegion
	}

	txID, err := p.wallet.Charge(ctx, walletID, ref, env.AmountDue, string(env.Currency), region)
	if err != nil {
		p.metrics.RecordFallbackAttempt("wallet", "error")
		if env.AttemptCount < p.retryNoticeCeiling && cust.Email != "" {
			if mailErr := p.mailer.SendPaymentFailed(ctx, cust.Email, env.AmountDue, string(env.Currency)); mailErr != nil {
				p.logger.Warn("payment-failed notice not sent",
					billsync.Field{Key: "invoice_id", Value: env.ID},
					billsync.Field{Key: "error", Value: mailErr.Error()})
			}
		}
		return false, fmt.Errorf("wallet sale for invoice %s: %w", env.ID, err)
	}

	alreadyPaid, err := p.markPaidOutOfBand(ctx, env)
	if err != nil {
		return false, err
	}
	if !alreadyPaid {
		// Keep the wallet transaction id on the invoice for reconciliation.
		// When the invoice was paid by another path in the meantime, its
		// metadata stays as originally recorded.
		params := &stripe.InvoiceUpdateParams{}
		params.AddMetadata(metadataWalletTransactionID, txID)
		if _, err := p.client.V1Invoices.Update(ctx, env.ID, params); err != nil {
			p.metrics.RecordAPICall(gatewayName, "/invoices/update", "error")
			return false, fmt.Errorf("%w: record wallet transaction on invoice %s: %v", billsync.ErrGatewayUnavailable, env.ID, err)
		}
		p.metrics.RecordAPICall(gatewayName, "/invoices/update", "success")
	}
	p.metrics.RecordFallbackAttempt("wallet", "success")
	return true, nil
}

// payDirect asks the gateway to charge the invoice's default payment
// instrument.
func (p *Provider) payDirect(ctx context.Context, env *invoiceEnvelope) (bool, error) {
	if _, err := p.client.V1Invoices.Pay(ctx, env.ID, &stripe.InvoicePayParams{}); err != nil {
		if isAlreadyPaid(err) {
			p.metrics.RecordFallbackAttempt("direct", "success")
			return true, nil
		}
		p.metrics.RecordFallbackAttempt("direct", "error")
		return false, fmt.Errorf("%w: pay invoice %s: %v", billsync.ErrGatewayUnavailable, env.ID, err)
	}
	p.metrics.RecordFallbackAttempt("direct", "success")
	return true, nil
}

// markPaidOutOfBand marks the invoice settled without the gateway
// collecting funds. Returns alreadyPaid=true when another path won the race
// between decision and action; that is success, not failure.
func (p *Provider) markPaidOutOfBand(ctx context.Context, env *invoiceEnvelope) (alreadyPaid bool, err error) {
	if env.Status == stripe.InvoiceStatusDraft {
		params := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}
		if _, err := p.client.V1Invoices.FinalizeInvoice(ctx, env.ID, params); err != nil {
			if isAlreadyPaid(err) {
				return true, nil
			}
			p.metrics.RecordAPICall(gatewayName, "/invoices/finalize", "error")
			return false, fmt.Errorf("%w: finalize invoice %s: %v", billsync.ErrGatewayUnavailable, env.ID, err)
		}
		p.metrics.RecordAPICall(gatewayName, "/invoices/finalize", "success")
	}

	params := &stripe.InvoicePayParams{PaidOutOfBand: stripe.Bool(true)}
	if _, err := p.client.V1Invoices.Pay(ctx, env.ID, params); err != nil {
		if isAlreadyPaid(err) {
			return true, nil
		}
		p.metrics.RecordAPICall(gatewayName, "/invoices/pay", "error")
		return false, fmt.Errorf("%w: mark invoice %s paid out of band: %v", billsync.ErrGatewayUnavailable, env.ID, err)
	}
	p.metrics.RecordAPICall(gatewayName, "/invoices/pay", "success")
	return false, nil
}

// isAlreadyPaid reports whether a gateway error means the invoice was paid
// by another path between decision and action.
func isAlreadyPaid(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	if strings.Contains(string(stripeErr.Code), "already_paid") {
		return true
	}
	return strings.Contains(strings.ToLower(stripeErr.Msg), "already paid")
}
