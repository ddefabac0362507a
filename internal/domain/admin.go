package domain

// ConsumerGroupInfo describes a consumer group of the event stream. Lag is the
// number of entries not yet delivered to the group.
type ConsumerGroupInfo struct {
	Name            string `json:"name"`
	Consumers       int64  `json:"consumers"`
	Pending         int64  `json:"pending"`
	Lag             int64  `json:"lag"`
	LastDeliveredID string `json:"last_delivered_id"`
}

type ConsumerInfo struct {
	Name       string `json:"name"`
	Pending    int64  `json:"pending"`
	IdleMillis int64  `json:"idle_ms"`
}

// PendingMessageSummary summarizes the messages delivered to a group but not
// yet acknowledged. Oldest is nil when nothing is pending.
type PendingMessageSummary struct {
	Total          int64            `json:"total"`
	ConsumerTotals map[string]int64 `json:"consumer_totals,omitempty"`
	Oldest         *PendingMessage  `json:"oldest,omitempty"`
}

// PendingMessage is a single unacknowledged delivery.
type PendingMessage struct {
	ID         string `json:"id"`
	Consumer   string `json:"consumer"`
	IdleMillis int64  `json:"idle_ms"`
	Deliveries int64  `json:"deliveries"`
}
