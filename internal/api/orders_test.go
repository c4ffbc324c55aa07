package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
	"linkora-backend/internal/repository"
)

type fakeOrderStore struct {
	mu sync.Mutex

	pingErr   error
	orders    []models.Order
	total     int64
	ordersErr error
	byID      map[uint64]*models.Order
	events    map[uint64][]models.OrderEvent
	stats     map[string]models.StatusCount
	statsErr  error

	filters []repository.OrderFilter
}

func (f *fakeOrderStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeOrderStore) Orders(ctx context.Context, filter repository.OrderFilter) ([]models.Order, int64, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	f.mu.Unlock()
	if f.ordersErr != nil {
		return nil, 0, f.ordersErr
	}
	return f.orders, f.total, nil
}

func (f *fakeOrderStore) OrderByID(ctx context.Context, orderID uint64) (*models.Order, error) {
	return f.byID[orderID], nil
}

func (f *fakeOrderStore) OrderExists(ctx context.Context, orderID uint64) (bool, error) {
	_, ok := f.byID[orderID]
	return ok, nil
}

func (f *fakeOrderStore) OrderEvents(ctx context.Context, orderID uint64) ([]models.OrderEvent, error) {
	return f.events[orderID], nil
}

func (f *fakeOrderStore) OrderStatistics(ctx context.Context) (map[string]models.StatusCount, error) {
	return f.stats, f.statsErr
}

func (f *fakeOrderStore) lastFilter(t *testing.T) repository.OrderFilter {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.filters) == 0 {
		t.Fatal("no order filter recorded")
	}
	return f.filters[len(f.filters)-1]
}

type fakeHealthReporter struct {
	report map[string]string
}

func (f *fakeHealthReporter) HealthReport(ctx context.Context) map[string]string {
	return f.report
}

func newOrderTestServer(t *testing.T, store OrderStore, health HealthReporter) *httptest.Server {
	t.Helper()
	s := NewOrderServer(store, health, "127.0.0.1:0")
	srv := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func testOrder(id uint64, status string) models.Order {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Order{
		ID:           id,
		UserAddress:  "0x1111111111111111111111111111111111111111",
		TokenIn:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		TokenOut:     "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		AmountIn:     decimal.RequireFromString("5.000000000000000000"),
		TargetPrice:  decimal.RequireFromString("2000.5"),
		MinAmountOut: decimal.RequireFromString("0.0025"),
		OrderType:    models.OrderTypeLimit,
		IsLong:       true,
		Status:       status,
		CreatedAt:    created,
		UpdatedAt:    created,
		TxHash:       "0xcccc",
		BlockNumber:  77,
	}
}

type listResponse struct {
	Orders  []map[string]any `json:"orders"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
	HasMore bool             `json:"has_more"`
	Status  string           `json:"status"`
}

func decodeList(t *testing.T, body []byte) listResponse {
	t.Helper()
	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal list %s: %v", body, err)
	}
	return out
}

func TestOrderListEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path   string
		status string
	}{
		{path: "/orders/pending", status: models.OrderStatusPending},
		{path: "/orders/executed", status: models.OrderStatusExecuted},
		{path: "/orders/cancelled", status: models.OrderStatusCancelled},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.status, func(t *testing.T) {
			t.Parallel()
			store := &fakeOrderStore{orders: []models.Order{testOrder(1, tc.status)}, total: 1}
			srv := newOrderTestServer(t, store, nil)

			code, body := getJSON(t, srv, tc.path, t.Name())
			if code != http.StatusOK {
				t.Fatalf("status = %d, want 200", code)
			}
			out := decodeList(t, body)
			if len(out.Orders) != 1 || out.Total != 1 || out.Status != "success" {
				t.Fatalf("list = %+v", out)
			}
			if out.Limit != 100 || out.Offset != 0 || out.HasMore {
				t.Fatalf("paging = %d/%d/%v", out.Limit, out.Offset, out.HasMore)
			}
			if f := store.lastFilter(t); f.Status != tc.status {
				t.Fatalf("filter status = %q, want %q", f.Status, tc.status)
			}
		})
	}
}

func TestOrderListHasMore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		query string
		total int64
		want  bool
	}{
		{name: "more pages", query: "?limit=2", total: 5, want: true},
		{name: "last page", query: "?limit=2&offset=3", total: 5, want: false},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &fakeOrderStore{
				orders: []models.Order{testOrder(1, models.OrderStatusPending), testOrder(2, models.OrderStatusPending)},
				total:  tc.total,
			}
			srv := newOrderTestServer(t, store, nil)

			_, body := getJSON(t, srv, "/orders/pending"+tc.query, t.Name())
			if out := decodeList(t, body); out.HasMore != tc.want {
				t.Fatalf("has_more = %v, want %v", out.HasMore, tc.want)
			}
		})
	}
}

func TestOrderListPaginationClamp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		query  string
		limit  int
		offset int
	}{
		{name: "defaults", query: "", limit: 100, offset: 0},
		{name: "limit capped", query: "?limit=5000", limit: 1000, offset: 0},
		{name: "limit floored", query: "?limit=-5", limit: 1, offset: 0},
		{name: "limit not a number", query: "?limit=abc", limit: 100, offset: 0},
		{name: "offset floored", query: "?offset=-1", limit: 100, offset: 0},
		{name: "passthrough", query: "?limit=250&offset=40", limit: 250, offset: 40},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &fakeOrderStore{}
			srv := newOrderTestServer(t, store, nil)

			getJSON(t, srv, "/orders/pending"+tc.query, t.Name())
			if f := store.lastFilter(t); f.Limit != tc.limit || f.Offset != tc.offset {
				t.Fatalf("filter = %d/%d, want %d/%d", f.Limit, f.Offset, tc.limit, tc.offset)
			}
		})
	}
}

func TestAllOrdersStatusFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		query  string
		status string
	}{
		{name: "unfiltered", query: "", status: ""},
		{name: "lowercase", query: "?status=executed", status: models.OrderStatusExecuted},
		{name: "uppercase", query: "?status=PENDING", status: models.OrderStatusPending},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &fakeOrderStore{}
			srv := newOrderTestServer(t, store, nil)

			code, _ := getJSON(t, srv, "/orders/all"+tc.query, t.Name())
			if code != http.StatusOK {
				t.Fatalf("status = %d, want 200", code)
			}
			if f := store.lastFilter(t); f.Status != tc.status {
				t.Fatalf("filter status = %q, want %q", f.Status, tc.status)
			}
		})
	}
}

func TestAllOrdersRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	srv := newOrderTestServer(t, &fakeOrderStore{}, nil)
	code, body := getJSON(t, srv, "/orders/all?status=expired", t.Name())
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if msg := decodeErrorBody(t, body); msg != "Invalid status. Use: pending, executed, cancelled" {
		t.Fatalf("error = %q", msg)
	}
}

func TestUserOrders(t *testing.T) {
	t.Parallel()

	store := &fakeOrderStore{}
	srv := newOrderTestServer(t, store, nil)

	code, _ := getJSON(t, srv, "/users/0xAbC123/orders?status=pending", t.Name())
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	f := store.lastFilter(t)
	if f.UserAddress != "0xAbC123" || f.Status != models.OrderStatusPending {
		t.Fatalf("filter = %+v", f)
	}
}

func TestOrderSummaryShape(t *testing.T) {
	t.Parallel()

	executedAt := time.Date(2024, 3, 2, 9, 30, 0, 0, time.UTC)
	stop := testOrder(3, models.OrderStatusExecuted)
	stop.OrderType = models.OrderTypeStopLoss
	stop.ExecutedAt = &executedAt

	store := &fakeOrderStore{orders: []models.Order{stop, testOrder(4, models.OrderStatusPending)}, total: 2}
	srv := newOrderTestServer(t, store, nil)

	_, body := getJSON(t, srv, "/orders/all", t.Name())
	out := decodeList(t, body)
	if len(out.Orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(out.Orders))
	}

	first := out.Orders[0]
	if first["order_type"] != "STOP" {
		t.Fatalf("order_type = %v, want STOP", first["order_type"])
	}
	if first["amount_in"] != "5" {
		t.Fatalf("amount_in = %v, want normalized 5", first["amount_in"])
	}
	if first["target_price"] != "2000.5" || first["min_amount_out"] != "0.0025" {
		t.Fatalf("prices = %v/%v", first["target_price"], first["min_amount_out"])
	}
	if first["executed_at"] != "2024-03-02T09:30:00Z" {
		t.Fatalf("executed_at = %v", first["executed_at"])
	}
	if first["created_at"] != "2024-03-01T12:00:00Z" {
		t.Fatalf("created_at = %v", first["created_at"])
	}

	second := out.Orders[1]
	if second["order_type"] != "LIMIT" {
		t.Fatalf("order_type = %v, want LIMIT", second["order_type"])
	}
	if second["executed_at"] != nil {
		t.Fatalf("executed_at = %v, want null", second["executed_at"])
	}
	if _, ok := second["tx_hash"]; ok {
		t.Fatal("summary leaked a detail-only field")
	}
}

func TestOrderDetails(t *testing.T) {
	t.Parallel()

	order := testOrder(7, models.OrderStatusExecuted)
	order.SelfExecutable = true
	order.ExecutorAddress = "0xeeee"
	order.ExecutionTxHash = "0xffff"
	order.AmountOut = decimal.NewNullDecimal(decimal.RequireFromString("123.456000"))

	store := &fakeOrderStore{byID: map[uint64]*models.Order{7: &order}}
	srv := newOrderTestServer(t, store, nil)

	code, body := getJSON(t, srv, "/orders/7", t.Name())
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var out struct {
		Order  map[string]any `json:"order"`
		Status string         `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("status = %q", out.Status)
	}

	d := out.Order
	if d["self_executable"] != true || d["tx_hash"] != "0xcccc" || d["block_number"] != float64(77) {
		t.Fatalf("detail = %+v", d)
	}
	if d["executor_address"] != "0xeeee" || d["execution_tx_hash"] != "0xffff" {
		t.Fatalf("execution fields = %v/%v", d["executor_address"], d["execution_tx_hash"])
	}
	if d["amount_out"] != "123.456" {
		t.Fatalf("amount_out = %v, want normalized 123.456", d["amount_out"])
	}
	if d["updated_at"] != "2024-03-01T12:00:00Z" {
		t.Fatalf("updated_at = %v", d["updated_at"])
	}
}

func TestOrderDetailsNullFields(t *testing.T) {
	t.Parallel()

	order := testOrder(8, models.OrderStatusPending)
	order.TxHash = ""
	store := &fakeOrderStore{byID: map[uint64]*models.Order{8: &order}}
	srv := newOrderTestServer(t, store, nil)

	_, body := getJSON(t, srv, "/orders/8", t.Name())
	var out struct {
		Order map[string]any `json:"order"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"amount_out", "executed_at", "executor_address", "execution_tx_hash", "tx_hash"} {
		if out.Order[field] != nil {
			t.Fatalf("%s = %v, want null", field, out.Order[field])
		}
	}
}

func TestOrderDetailsNotFound(t *testing.T) {
	t.Parallel()

	srv := newOrderTestServer(t, &fakeOrderStore{}, nil)
	code, body := getJSON(t, srv, "/orders/42", t.Name())
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if msg := decodeErrorBody(t, body); msg != "Order 42 not found" {
		t.Fatalf("error = %q", msg)
	}
}

func TestOrderDetailsRejectsNonNumericID(t *testing.T) {
	t.Parallel()

	srv := newOrderTestServer(t, &fakeOrderStore{}, nil)
	code, body := getJSON(t, srv, "/orders/abc", t.Name())
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if msg := decodeErrorBody(t, body); msg != "Invalid order_id format. Must be a number." {
		t.Fatalf("error = %q", msg)
	}
}

func TestOrderEventsEndpoint(t *testing.T) {
	t.Parallel()

	order := testOrder(7, models.OrderStatusExecuted)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeOrderStore{
		byID: map[uint64]*models.Order{7: &order},
		events: map[uint64][]models.OrderEvent{7: {
			{
				OrderID:   7,
				EventType: models.EventTypeCreated,
				NewStatus: models.OrderStatusPending,
				TxHash:    "0xcccc",
				Timestamp: created,
			},
			{
				OrderID:   7,
				EventType: models.EventTypeExecuted,
				OldStatus: models.OrderStatusPending,
				NewStatus: models.OrderStatusExecuted,
				TxHash:    "0xffff",
				Timestamp: created.Add(time.Hour),
				EventData: []byte(`{"executor":"0xeeee"}`),
			},
		}},
	}
	srv := newOrderTestServer(t, store, nil)

	code, body := getJSON(t, srv, "/orders/7/events", t.Name())
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var out struct {
		OrderID uint64           `json:"order_id"`
		Events  []map[string]any `json:"events"`
		Total   int              `json:"total"`
		Status  string           `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.OrderID != 7 || out.Total != 2 || out.Status != "success" || len(out.Events) != 2 {
		t.Fatalf("envelope = %+v", out)
	}

	first := out.Events[0]
	if first["event_type"] != models.EventTypeCreated || first["old_status"] != nil {
		t.Fatalf("created event = %+v", first)
	}
	if data, ok := first["event_data"].(map[string]any); !ok || len(data) != 0 {
		t.Fatalf("event_data = %v, want empty object", first["event_data"])
	}

	second := out.Events[1]
	if second["old_status"] != models.OrderStatusPending || second["new_status"] != models.OrderStatusExecuted {
		t.Fatalf("executed event = %+v", second)
	}
	data, ok := second["event_data"].(map[string]any)
	if !ok || data["executor"] != "0xeeee" {
		t.Fatalf("event_data = %v", second["event_data"])
	}
}

func TestOrderEventsNotFound(t *testing.T) {
	t.Parallel()

	srv := newOrderTestServer(t, &fakeOrderStore{}, nil)
	code, body := getJSON(t, srv, "/orders/9/events", t.Name())
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
	if msg := decodeErrorBody(t, body); msg != "Order 9 not found" {
		t.Fatalf("error = %q", msg)
	}
}

func TestOrderStatisticsSeedsCoreStatuses(t *testing.T) {
	t.Parallel()

	store := &fakeOrderStore{stats: map[string]models.StatusCount{
		models.OrderStatusExecuted: {Total: 5, Last24: 2},
		models.OrderStatusExpired:  {Total: 1},
	}}
	srv := newOrderTestServer(t, store, nil)

	code, body := getJSON(t, srv, "/statistics", t.Name())
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	var out struct {
		Statistics map[string]models.StatusCount `json:"statistics"`
		Status     string                        `json:"status"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("status = %q", out.Status)
	}
	if len(out.Statistics) != 4 {
		t.Fatalf("statistics = %+v, want 4 statuses", out.Statistics)
	}
	if got := out.Statistics[models.OrderStatusPending]; got.Total != 0 || got.Last24 != 0 {
		t.Fatalf("pending = %+v, want zeros", got)
	}
	if got := out.Statistics[models.OrderStatusExecuted]; got.Total != 5 || got.Last24 != 2 {
		t.Fatalf("executed = %+v", got)
	}
	if got := out.Statistics[models.OrderStatusExpired]; got.Total != 1 {
		t.Fatalf("expired = %+v", got)
	}
}

func TestOrderHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pingErr error
		report  map[string]string
		overall string
	}{
		{
			name:    "all healthy",
			report:  map[string]string{"order_listener": "HEALTHY", "status_monitor": "HEALTHY"},
			overall: "healthy",
		},
		{
			name:    "lagging cursor tolerated",
			report:  map[string]string{"order_listener": "LAGGING_150_BLOCKS"},
			overall: "healthy",
		},
		{
			name:    "stale cursor tolerated",
			report:  map[string]string{"order_listener": "STALE"},
			overall: "healthy",
		},
		{
			name:    "component error",
			report:  map[string]string{"order_listener": "ERROR"},
			overall: "unhealthy",
		},
		{
			name:    "component not initialized",
			report:  map[string]string{"status_monitor": "NOT_INITIALIZED"},
			overall: "unhealthy",
		},
		{
			name:    "database down",
			pingErr: errors.New("pool down"),
			overall: "unhealthy",
		},
		{
			name:    "no background reporter",
			overall: "healthy",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var health HealthReporter
			if tc.report != nil {
				health = &fakeHealthReporter{report: tc.report}
			}
			srv := newOrderTestServer(t, &fakeOrderStore{pingErr: tc.pingErr}, health)

			code, body := getJSON(t, srv, "/health", t.Name())
			if code != http.StatusOK {
				t.Fatalf("status = %d, want 200", code)
			}
			var out struct {
				OverallStatus string            `json:"overall_status"`
				Components    map[string]string `json:"components"`
				Status        string            `json:"status"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out.OverallStatus != tc.overall {
				t.Fatalf("overall = %q, want %q (components %v)", out.OverallStatus, tc.overall, out.Components)
			}
			if out.Status != "success" || out.Components["order_api"] != "HEALTHY" {
				t.Fatalf("envelope = %+v", out)
			}
			wantDB := "HEALTHY"
			if tc.pingErr != nil {
				wantDB = "ERROR"
			}
			if out.Components["database"] != wantDB {
				t.Fatalf("database = %q, want %q", out.Components["database"], wantDB)
			}
			for name, status := range tc.report {
				if out.Components[name] != status {
					t.Fatalf("component %s = %q, want %q", name, out.Components[name], status)
				}
			}
		})
	}
}
