package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func order(id, status string, qty, filled int, price float64) domain.BrokerOrder {
	return domain.BrokerOrder{
		OrderID:  id,
		Symbol:   "MESU6",
		Side:     domain.SideBuy,
		Quantity: qty,
		FilledQty: filled,
		Price:    price,
		OrderType: domain.OrderTypeLimit,
		Status:   status,
	}
}

func TestDiffDetectsNewOrder(t *testing.T) {
	prev := map[string]domain.BrokerOrder{}
	curr := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 100)}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventNew, changes[0].typ)
	assert.Equal(t, "1", changes[0].order.OrderID)
}

func TestDiffNewOrderAlreadyFilledEmitsBoth(t *testing.T) {
	prev := map[string]domain.BrokerOrder{}
	curr := map[string]domain.BrokerOrder{"1": order("1", "Filled", 5, 5, 100)}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 2)
	assert.Equal(t, domain.EventNew, changes[0].typ)
	assert.Equal(t, domain.EventFilled, changes[1].typ)
}

func TestDiffPartialThenFullFill(t *testing.T) {
	prev := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 100)}
	curr := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 2, 100)}

	changes := diffOrders(prev, curr)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventPartiallyFilled, changes[0].typ)

	prev = curr
	curr = map[string]domain.BrokerOrder{"1": order("1", "Filled", 5, 5, 100)}

	changes = diffOrders(prev, curr)
	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventFilled, changes[0].typ)
}

func TestDiffCancellation(t *testing.T) {
	prev := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 100)}
	curr := map[string]domain.BrokerOrder{"1": order("1", "Canceled", 5, 0, 100)}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventCanceled, changes[0].typ)
}

func TestDiffVanishedWorkingOrderIsCanceled(t *testing.T) {
	prev := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 100)}
	curr := map[string]domain.BrokerOrder{}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventCanceled, changes[0].typ)
	assert.Equal(t, "Canceled", changes[0].order.Status)
}

func TestDiffVanishedTerminalOrderIgnored(t *testing.T) {
	prev := map[string]domain.BrokerOrder{"1": order("1", "Filled", 5, 5, 100)}
	curr := map[string]domain.BrokerOrder{}

	assert.Empty(t, diffOrders(prev, curr))
}

func TestDiffModification(t *testing.T) {
	prev := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 100)}
	curr := map[string]domain.BrokerOrder{"1": order("1", "Working", 5, 0, 101.25)}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 1)
	assert.Equal(t, domain.EventModified, changes[0].typ)
	assert.Equal(t, 101.25, changes[0].order.Price)
}

func TestDiffUnchangedSnapshotEmitsNothing(t *testing.T) {
	snap := map[string]domain.BrokerOrder{
		"1": order("1", "Working", 5, 0, 100),
		"2": order("2", "Working", 3, 1, 99),
	}
	assert.Empty(t, diffOrders(snap, snap))
}

func TestDiffOrderingAcrossOrders(t *testing.T) {
	prev := map[string]domain.BrokerOrder{
		"2": order("2", "Working", 5, 0, 100),
	}
	curr := map[string]domain.BrokerOrder{
		"1": order("1", "Working", 2, 0, 50),
		"2": order("2", "Canceled", 5, 0, 100),
	}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 2)
	assert.Equal(t, "1", changes[0].order.OrderID)
	assert.Equal(t, domain.EventNew, changes[0].typ)
	assert.Equal(t, "2", changes[1].order.OrderID)
	assert.Equal(t, domain.EventCanceled, changes[1].typ)
}

func TestDiffOrdersNumericallyByOrderID(t *testing.T) {
	prev := map[string]domain.BrokerOrder{}
	curr := map[string]domain.BrokerOrder{
		"10": order("10", "Working", 2, 0, 50),
		"9":  order("9", "Working", 5, 0, 100),
	}

	changes := diffOrders(prev, curr)

	require.Len(t, changes, 2)
	assert.Equal(t, "9", changes[0].order.OrderID)
	assert.Equal(t, "10", changes[1].order.OrderID)
}

func TestBackoffCapped(t *testing.T) {
	base, max := 2, 60
	b := func(n int) int {
		return int(backoff(secs(base), secs(max), n) / secs(1))
	}
	assert.Equal(t, 2, b(1))
	assert.Equal(t, 4, b(2))
	assert.Equal(t, 8, b(3))
	assert.Equal(t, 32, b(5))
	assert.Equal(t, 60, b(6))
	assert.Equal(t, 60, b(20))
}
