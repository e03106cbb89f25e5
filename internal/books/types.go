package books

// Customer is a remote customer record. ID is the stable external
// identifier used for idempotent upserts.
type Customer struct {
	ID      string `json:"customer_id"`
	Name    string `json:"customer_name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Status  string `json:"status"`
	Balance string `json:"outstanding_balance"`
}

// Invoice is a remote invoice header.
type Invoice struct {
	ID         string  `json:"invoice_id"`
	Number     string  `json:"invoice_number"`
	CustomerID string  `json:"customer_id"`
	Status     string  `json:"status"`
	Date       string  `json:"date"`
	DueDate    string  `json:"due_date"`
	Total      float64 `json:"total"`
	Balance    float64 `json:"balance"`
}

// Payment is a remote customer payment.
type Payment struct {
	ID         string  `json:"payment_id"`
	CustomerID string  `json:"customer_id"`
	InvoiceID  string  `json:"invoice_id"`
	Mode       string  `json:"payment_mode"`
	Date       string  `json:"date"`
	Amount     float64 `json:"amount"`
}

// Item is a remote catalog item.
type Item struct {
	ID     string  `json:"item_id"`
	Name   string  `json:"name"`
	SKU    string  `json:"sku"`
	Unit   string  `json:"unit"`
	Status string  `json:"status"`
	Rate   float64 `json:"rate"`
}

// Location is a remote business location.
type Location struct {
	ID      string `json:"location_id"`
	Name    string `json:"location_name"`
	Address string `json:"address"`
	Status  string `json:"status"`
}

// StockLevel is a per-item, per-location stock snapshot.
type StockLevel struct {
	ItemID     string  `json:"item_id"`
	LocationID string  `json:"location_id"`
	OnHand     float64 `json:"stock_on_hand"`
	Available  float64 `json:"available_stock"`
}
