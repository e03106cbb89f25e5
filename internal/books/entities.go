package books

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/perivale/ledgersync/internal/gate"
)

// Page wraps one page of listed records with the server's more-pages signal.
type Page[T any] struct {
	Records []T
	HasMore bool
}

// hasMore reads the pagination signal, tolerating responses without a
// page_context block (final pages on some endpoints omit it).
func hasMore(env *Envelope) bool {
	return env.PageContext != nil && env.PageContext.HasMorePage
}

type customersResponse struct {
	Envelope
	Customers []Customer `json:"customers"`
}

// ListCustomers fetches one page of customers.
func (c *Client) ListCustomers(ctx context.Context, page, perPage int) (*Page[Customer], error) {
	var resp customersResponse
	if err := c.call(ctx, http.MethodGet, "/customers", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[Customer]{Records: resp.Customers, HasMore: hasMore(&resp.Envelope)}, nil
}

type invoicesResponse struct {
	Envelope
	Invoices []Invoice `json:"invoices"`
}

// ListInvoices fetches one page of invoices.
func (c *Client) ListInvoices(ctx context.Context, page, perPage int) (*Page[Invoice], error) {
	var resp invoicesResponse
	if err := c.call(ctx, http.MethodGet, "/invoices", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[Invoice]{Records: resp.Invoices, HasMore: hasMore(&resp.Envelope)}, nil
}

type paymentsResponse struct {
	Envelope
	Payments []Payment `json:"payments"`
}

// ListPayments fetches one page of customer payments.
func (c *Client) ListPayments(ctx context.Context, page, perPage int) (*Page[Payment], error) {
	var resp paymentsResponse
	if err := c.call(ctx, http.MethodGet, "/payments", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[Payment]{Records: resp.Payments, HasMore: hasMore(&resp.Envelope)}, nil
}

type itemsResponse struct {
	Envelope
	Items []Item `json:"items"`
}

// ListItems fetches one page of catalog items.
func (c *Client) ListItems(ctx context.Context, page, perPage int) (*Page[Item], error) {
	var resp itemsResponse
	if err := c.call(ctx, http.MethodGet, "/items", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[Item]{Records: resp.Items, HasMore: hasMore(&resp.Envelope)}, nil
}

type locationsResponse struct {
	Envelope
	Locations []Location `json:"locations"`
}

// ListLocations fetches one page of business locations.
func (c *Client) ListLocations(ctx context.Context, page, perPage int) (*Page[Location], error) {
	var resp locationsResponse
	if err := c.call(ctx, http.MethodGet, "/locations", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[Location]{Records: resp.Locations, HasMore: hasMore(&resp.Envelope)}, nil
}

type stockResponse struct {
	Envelope
	StockLevels []StockLevel `json:"stock_levels"`
}

// ListStock fetches one page of stock levels.
func (c *Client) ListStock(ctx context.Context, page, perPage int) (*Page[StockLevel], error) {
	var resp stockResponse
	if err := c.call(ctx, http.MethodGet, "/stocklevels", pageQuery(page, perPage), nil, &resp, callOptions{}); err != nil {
		return nil, err
	}

	return &Page[StockLevel]{Records: resp.StockLevels, HasMore: hasMore(&resp.Envelope)}, nil
}

type mutationResponse struct {
	Envelope
	// Raw keeps the response body as returned, for bulk job audit trails.
	Raw json.RawMessage `json:"-"`
}

// captureRaw stores a copy of the successful response body.
func (r *mutationResponse) captureRaw(data []byte) {
	r.Raw = append(json.RawMessage(nil), data...)
}

// UpdateItem applies a partial update to one item and returns the raw
// response body for audit capture.
func (c *Client) UpdateItem(ctx context.Context, itemID string, fields map[string]any, priority gate.Priority) (json.RawMessage, error) {
	return c.update(ctx, "/items/"+itemID, "PUT /items/:id", fields, priority)
}

// UpdateCustomer applies a partial update to one customer.
func (c *Client) UpdateCustomer(ctx context.Context, customerID string, fields map[string]any, priority gate.Priority) (json.RawMessage, error) {
	return c.update(ctx, "/customers/"+customerID, "PUT /customers/:id", fields, priority)
}

// update is the shared mutation path. The label is passed explicitly since
// external IDs are not always numeric and must still aggregate per endpoint.
func (c *Client) update(ctx context.Context, path, label string, fields map[string]any, priority gate.Priority) (json.RawMessage, error) {
	var resp mutationResponse

	err := c.call(ctx, http.MethodPut, path, nil, fields, &resp, callOptions{label: label, priority: priority})
	if err != nil {
		return nil, err
	}

	return resp.Raw, nil
}
