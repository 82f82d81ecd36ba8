package models

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// COINBASE //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseSubscribe is the level2_batch subscription request.
type CoinbaseSubscribe struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

// CoinbaseFrame covers the frames of the level2 channel. Snapshot frames carry
// bids/asks, l2update frames carry changes as [side, price, size].
type CoinbaseFrame struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Changes   [][3]string `json:"changes"`
	Message   string      `json:"message"`
	Reason    string      `json:"reason"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// KRAKEN ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// KrakenSubscribe is the book subscription request.
type KrakenSubscribe struct {
	Event        string             `json:"event"`
	Pair         []string           `json:"pair"`
	Subscription KrakenSubscription `json:"subscription"`
}

// KrakenSubscription selects the channel and its depth.
type KrakenSubscription struct {
	Name  string `json:"name"`
	Depth int    `json:"depth,omitempty"`
}

// KrakenEvent is any object frame (heartbeat, systemStatus, subscriptionStatus).
type KrakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

// KrakenBook is one object element of a book array frame. Snapshots use as/bs,
// updates use a/b. Each entry is [price, volume, timestamp(, "r")].
type KrakenBook struct {
	AsksSnapshot [][]string `json:"as"`
	BidsSnapshot [][]string `json:"bs"`
	Asks         [][]string `json:"a"`
	Bids         [][]string `json:"b"`
	Checksum     string     `json:"c"`
}
