package poller

import (
	"sort"
	"strconv"
	"strings"

	"github.com/alanyoungcy/mirrorbot/internal/domain"
)

// terminalStatuses are broker order statuses after which no further change
// is expected.
var terminalStatuses = map[string]bool{
	"Filled":    true,
	"Canceled":  true,
	"Rejected":  true,
	"Expired":   true,
}

// change is one detected difference between two order snapshots, before a
// sequence number is assigned.
type change struct {
	order domain.BrokerOrder
	typ   domain.EventType
}

// diffOrders compares the previous and current order snapshots and returns
// every detected change. Changes within one poll cycle are ordered by
// broker-assigned order id, then by event type priority
// (new < partially_filled < filled < canceled < modified), matching the
// sequence in which the broker itself would have applied them.
func diffOrders(prev, curr map[string]domain.BrokerOrder) []change {
	var changes []change

	for id, now := range curr {
		before, seen := prev[id]
		if !seen {
			changes = append(changes, change{order: now, typ: domain.EventNew})
			// An order first observed with fills already happened gets the
			// fill change in the same cycle; priority ordering keeps the
			// "new" first.
			switch {
			case isFilled(now):
				changes = append(changes, change{order: now, typ: domain.EventFilled})
			case now.FilledQty > 0:
				changes = append(changes, change{order: now, typ: domain.EventPartiallyFilled})
			case isCanceled(now):
				changes = append(changes, change{order: now, typ: domain.EventCanceled})
			}
			continue
		}

		if now.FilledQty > before.FilledQty {
			if isFilled(now) {
				changes = append(changes, change{order: now, typ: domain.EventFilled})
			} else {
				changes = append(changes, change{order: now, typ: domain.EventPartiallyFilled})
			}
		}
		if isCanceled(now) && !isCanceled(before) {
			changes = append(changes, change{order: now, typ: domain.EventCanceled})
		}
		if !isCanceled(now) && !isFilled(now) &&
			(now.Quantity != before.Quantity || now.Price != before.Price) {
			changes = append(changes, change{order: now, typ: domain.EventModified})
		}
	}

	// An order that vanished from the snapshot without reaching a terminal
	// status was cancelled between polls.
	for id, before := range prev {
		if _, still := curr[id]; !still && !terminalStatuses[before.Status] {
			gone := before
			gone.Status = "Canceled"
			changes = append(changes, change{order: gone, typ: domain.EventCanceled})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].order.OrderID != changes[j].order.OrderID {
			return orderIDLess(changes[i].order.OrderID, changes[j].order.OrderID)
		}
		return changes[i].typ.Priority() < changes[j].typ.Priority()
	})

	return changes
}

// orderIDLess compares broker order ids numerically; the broker assigns them
// as increasing integers, so lexicographic order would put "10" before "9".
func orderIDLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

func isFilled(o domain.BrokerOrder) bool {
	return strings.EqualFold(o.Status, "Filled") || (o.Quantity > 0 && o.FilledQty >= o.Quantity)
}

func isCanceled(o domain.BrokerOrder) bool {
	return strings.EqualFold(o.Status, "Canceled") || strings.EqualFold(o.Status, "Expired")
}

// snapshotByID indexes a broker order snapshot by order id.
func snapshotByID(orders []domain.BrokerOrder) map[string]domain.BrokerOrder {
	out := make(map[string]domain.BrokerOrder, len(orders))
	for _, o := range orders {
		out[o.OrderID] = o
	}
	return out
}
