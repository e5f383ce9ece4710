package tiered

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		repo, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, repo)
	})

	t.Run("nil hot", func(t *testing.T) {
		repo, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, repo)
	})

	t.Run("nil cold", func(t *testing.T) {
		repo, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, repo)
	})
}

func sampleTx(gwTxID string) *billsync.LedgerTransaction {
	return &billsync.LedgerTransaction{
		Gateway:              billsync.GatewayStripe,
		GatewayTransactionID: gwTxID,
		Amount:               2500,
		Currency:             "usd",
		CreationDate:         time.Now().UTC(),
		Subscriber:           billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"},
		Type:                 billsync.TransactionCharge,
		PaymentMethod:        billsync.PaymentMethodCard,
	}
}

func TestRepository_Create_WritesBothTiers(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := repo.Create(ctx, sampleTx("ch_1"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = cold.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	assert.NoError(t, err, "cold tier should hold the record")

	_, err = hot.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	assert.NoError(t, err, "hot tier should hold the record")
}

func TestRepository_Create_ColdDecidesDuplicate(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	// Pre-populate only the cold tier, simulating a hot eviction.
	_, err = cold.Create(ctx, sampleTx("ch_1"))
	require.NoError(t, err)

	_, err = repo.Create(ctx, sampleTx("ch_1"))
	assert.ErrorIs(t, err, billsync.ErrDuplicateTransaction)
}

func TestRepository_GetByGatewayID_ReadThroughBackfill(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cold.Create(ctx, sampleTx("ch_1"))
	require.NoError(t, err)

	got, err := repo.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), got.Amount)

	// The miss should have backfilled the hot tier.
	_, err = hot.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	assert.NoError(t, err, "hot tier should be backfilled after a cold hit")
}

func TestRepository_GetByGatewayID_NotFound(t *testing.T) {
	repo, err := New(Config{Hot: memory.New(), Cold: memory.New()})
	require.NoError(t, err)

	_, err = repo.GetByGatewayID(context.Background(), billsync.GatewayStripe, "ch_missing")
	assert.ErrorIs(t, err, billsync.ErrTransactionNotFound)
}

func TestRepository_Replace_BackfillsHotMiss(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	created, err := cold.Create(ctx, sampleTx("ch_1"))
	require.NoError(t, err)

	created.RefundedAmount = 2500
	created.Refunded = true
	require.NoError(t, repo.Replace(ctx, created))

	coldCopy, err := cold.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	require.NoError(t, err)
	assert.True(t, coldCopy.Refunded)

	hotCopy, err := hot.GetByGatewayID(ctx, billsync.GatewayStripe, "ch_1")
	require.NoError(t, err, "hot miss on Replace should create the record")
	assert.True(t, hotCopy.Refunded)
}

func TestRepository_LatestBySubscriber_ColdOnly(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	// A record present only in the hot tier must not satisfy the query:
	// the duplicate-charge guard needs the durable tier's complete view.
	_, err = hot.Create(ctx, sampleTx("ch_hot_only"))
	require.NoError(t, err)

	ref := billsync.SubscriberRef{Kind: billsync.SubscriberUser, ID: "user_1"}
	_, err = repo.LatestBySubscriber(ctx, ref)
	assert.ErrorIs(t, err, billsync.ErrTransactionNotFound)

	_, err = cold.Create(ctx, sampleTx("ch_cold"))
	require.NoError(t, err)

	latest, err := repo.LatestBySubscriber(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "ch_cold", latest.GatewayTransactionID)
}

func TestRepository_Subscribers_ReadThrough(t *testing.T) {
	hot := memory.New()
	cold := memory.New()
	repo, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	user := &billsync.User{ID: "user_1", Email: "user@example.com", Premium: true}
	require.NoError(t, repo.ReplaceSubscriber(ctx, user))

	ref := user.Ref()
	_, err = cold.GetSubscriber(ctx, ref)
	assert.NoError(t, err, "cold tier should hold the subscriber")
	_, err = hot.GetSubscriber(ctx, ref)
	assert.NoError(t, err, "hot tier should hold the subscriber")

	// Evict by rebuilding the hot tier; the next read should backfill.
	hot2 := memory.New()
	repo2, err := New(Config{Hot: hot2, Cold: cold})
	require.NoError(t, err)

	got, err := repo2.GetSubscriber(ctx, ref)
	require.NoError(t, err)
	assert.True(t, got.(*billsync.User).Premium)

	_, err = hot2.GetSubscriber(ctx, ref)
	assert.NoError(t, err, "hot tier should be backfilled after a cold hit")
}
