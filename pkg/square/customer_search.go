package square

import (
	"context"
	"strings"

	sq "github.com/square/square-go-sdk"
)

// FindCustomerByReference returns the customer whose reference id matches, or
// nil when none exists.
func (c *Client) FindCustomerByReference(ctx context.Context, referenceID string) (*sq.Customer, error) {
	if c == nil {
		return nil, errAccessTokenRequired
	}
	trimmed := strings.TrimSpace(referenceID)
	if trimmed == "" {
		return nil, nil
	}

	req := customerSearchRequest(trimmed)
	c.log(ctx, "request", "search_customer", map[string]any{"reference_id": trimmed})

	resp, err := c.sdk.Customers.Search(ctx, req)
	if err != nil {
		c.log(ctx, "error", "search_customer", map[string]any{"error": err.Error()})
		return nil, c.mapSquareError(err, "search customer")
	}

	customers := resp.GetCustomers()
	if len(customers) == 0 {
		c.log(ctx, "response", "search_customer", map[string]any{"found": false})
		return nil, nil
	}
	customer := customers[0]
	c.log(ctx, "response", "search_customer", map[string]any{
		"customer_id": stringValue(customer.GetID()),
	})
	return customer, nil
}

// EnsureCustomer returns the customer for the reference id, creating it when
// missing.
func (c *Client) EnsureCustomer(ctx context.Context, params CustomerCreateParams) (*sq.Customer, error) {
	if c == nil {
		return nil, errAccessTokenRequired
	}
	if customer, err := c.FindCustomerByReference(ctx, params.ReferenceID); err != nil {
		return nil, err
	} else if customer != nil {
		return customer, nil
	}
	return c.CreateCustomer(ctx, params)
}

// customerSearchRequest matches one customer by exact reference id.
func customerSearchRequest(referenceID string) *sq.SearchCustomersRequest {
	return &sq.SearchCustomersRequest{
		Query: &sq.CustomerQuery{
			Filter: &sq.CustomerFilter{
				ReferenceID: &sq.CustomerTextFilter{Exact: ptrString(referenceID)},
			},
		},
		Limit: int64Ptr(1),
	}
}
