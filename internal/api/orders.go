package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"linkora-backend/internal/models"
	"linkora-backend/internal/repository"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// OrderStore is the slice of the repository the order API reads.
type OrderStore interface {
	Ping(ctx context.Context) error
	Orders(ctx context.Context, f repository.OrderFilter) ([]models.Order, int64, error)
	OrderByID(ctx context.Context, orderID uint64) (*models.Order, error)
	OrderExists(ctx context.Context, orderID uint64) (bool, error)
	OrderEvents(ctx context.Context, orderID uint64) ([]models.OrderEvent, error)
	OrderStatistics(ctx context.Context) (map[string]models.StatusCount, error)
}

// HealthReporter classifies the background components for /health. The
// sweeper implements it; a nil reporter leaves only the API's own checks.
type HealthReporter interface {
	HealthReport(ctx context.Context) map[string]string
}

// OrderServer serves the on-chain order projection.
type OrderServer struct {
	store      OrderStore
	health     HealthReporter
	httpServer *http.Server
}

func NewOrderServer(store OrderStore, health HealthReporter, addr string) *OrderServer {
	s := &OrderServer{store: store, health: health}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/statistics", s.handleStatistics).Methods("GET")
	r.HandleFunc("/orders/pending", s.handlePendingOrders).Methods("GET")
	r.HandleFunc("/orders/executed", s.handleExecutedOrders).Methods("GET")
	r.HandleFunc("/orders/cancelled", s.handleCancelledOrders).Methods("GET")
	r.HandleFunc("/orders/all", s.handleAllOrders).Methods("GET")
	r.HandleFunc("/users/{user_address}/orders", s.handleUserOrders).Methods("GET")
	r.HandleFunc("/orders/{order_id}/events", s.handleOrderEvents).Methods("GET")
	r.HandleFunc("/orders/{order_id}", s.handleOrderDetails).Methods("GET")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *OrderServer) Start() error {
	log.Printf("[api] order API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *OrderServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *OrderServer) handlePendingOrders(w http.ResponseWriter, r *http.Request) {
	s.listOrders(w, r, models.OrderStatusPending, "")
}

func (s *OrderServer) handleExecutedOrders(w http.ResponseWriter, r *http.Request) {
	s.listOrders(w, r, models.OrderStatusExecuted, "")
}

func (s *OrderServer) handleCancelledOrders(w http.ResponseWriter, r *http.Request) {
	s.listOrders(w, r, models.OrderStatusCancelled, "")
}

func (s *OrderServer) handleAllOrders(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatusFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid status. Use: pending, executed, cancelled")
		return
	}
	s.listOrders(w, r, status, "")
}

func (s *OrderServer) handleUserOrders(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatusFilter(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid status. Use: pending, executed, cancelled")
		return
	}
	s.listOrders(w, r, status, mux.Vars(r)["user_address"])
}

func (s *OrderServer) listOrders(w http.ResponseWriter, r *http.Request, status, userAddress string) {
	limit, offset := parsePagination(r)

	orders, total, err := s.store.Orders(r.Context(), repository.OrderFilter{
		Status:      status,
		UserAddress: userAddress,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeInternalError(w, fmt.Errorf("query orders: %w", err))
		return
	}

	out := make([]map[string]any, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderSummary(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":   out,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": int64(offset+len(orders)) < total,
		"status":   "success",
	})
}

func (s *OrderServer) handleOrderDetails(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := s.store.OrderByID(r.Context(), orderID)
	if err != nil {
		writeInternalError(w, fmt.Errorf("query order %d: %w", orderID, err))
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Order %d not found", orderID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":  orderDetails(*order),
		"status": "success",
	})
}

func (s *OrderServer) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	exists, err := s.store.OrderExists(r.Context(), orderID)
	if err != nil {
		writeInternalError(w, fmt.Errorf("check order %d: %w", orderID, err))
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Order %d not found", orderID))
		return
	}

	events, err := s.store.OrderEvents(r.Context(), orderID)
	if err != nil {
		writeInternalError(w, fmt.Errorf("query order %d events: %w", orderID, err))
		return
	}

	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"event_type":   ev.EventType,
			"old_status":   nullableString(ev.OldStatus),
			"new_status":   ev.NewStatus,
			"tx_hash":      nullableString(ev.TxHash),
			"block_number": ev.BlockNumber,
			"timestamp":    formatTime(ev.Timestamp),
			"event_data":   eventData(ev.EventData),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": orderID,
		"events":   out,
		"total":    len(out),
		"status":   "success",
	})
}

func (s *OrderServer) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.OrderStatistics(r.Context())
	if err != nil {
		writeInternalError(w, fmt.Errorf("query statistics: %w", err))
		return
	}

	// Always report the three core statuses, even when empty.
	out := map[string]models.StatusCount{
		models.OrderStatusPending:   {},
		models.OrderStatusExecuted:  {},
		models.OrderStatusCancelled: {},
	}
	for status, counts := range stats {
		out[status] = counts
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statistics": out,
		"status":     "success",
	})
}

// handleHealth merges the API's own database check with the background
// component report. A lagging or stale cursor degrades the component but
// not the overall verdict; hard failures do.
func (s *OrderServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"order_api": "HEALTHY",
	}
	if err := s.store.Ping(r.Context()); err != nil {
		components["database"] = "ERROR"
		log.Printf("[api] order health db ping failed: %v", err)
	} else {
		components["database"] = "HEALTHY"
	}

	if s.health != nil {
		for name, status := range s.health.HealthReport(r.Context()) {
			components[name] = status
		}
	}

	overall := "healthy"
	for _, status := range components {
		if status == "ERROR" || status == "NOT_INITIALIZED" {
			overall = "unhealthy"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"overall_status": overall,
		"components":     components,
		"status":         "success",
	})
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit, offset = defaultPageLimit, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseStatusFilter reads the optional ?status= query. The empty string
// means no filter; false means the value named an unknown status.
func parseStatusFilter(r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return "", true
	}
	status := strings.ToUpper(raw)
	switch status {
	case models.OrderStatusPending, models.OrderStatusExecuted, models.OrderStatusCancelled:
		return status, true
	}
	return "", false
}

func parseOrderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	orderID, err := strconv.ParseUint(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order_id format. Must be a number.")
		return 0, false
	}
	return orderID, true
}

// orderSummary is the list-endpoint shape. STOP_LOSS reads as STOP on the
// wire; clients predate the longer name.
func orderSummary(o models.Order) map[string]any {
	return map[string]any{
		"id":             o.ID,
		"user_address":   o.UserAddress,
		"token_in":       o.TokenIn,
		"token_out":      o.TokenOut,
		"amount_in":      o.AmountIn.String(),
		"target_price":   o.TargetPrice.String(),
		"min_amount_out": o.MinAmountOut.String(),
		"order_type":     displayOrderType(o.OrderType),
		"is_long":        o.IsLong,
		"status":         o.Status,
		"created_at":     nullableTime(o.CreatedAt),
		"executed_at":    nullableTimePtr(o.ExecutedAt),
	}
}

func orderDetails(o models.Order) map[string]any {
	out := orderSummary(o)
	out["self_executable"] = o.SelfExecutable
	out["updated_at"] = nullableTime(o.UpdatedAt)
	out["tx_hash"] = nullableString(o.TxHash)
	out["block_number"] = o.BlockNumber
	out["executor_address"] = nullableString(o.ExecutorAddress)
	out["amount_out"] = nullableDecimal(o.AmountOut)
	out["execution_tx_hash"] = nullableString(o.ExecutionTxHash)
	return out
}

func displayOrderType(orderType string) string {
	if orderType == models.OrderTypeStopLoss {
		return "STOP"
	}
	return orderType
}

func nullableDecimal(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func eventData(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	return json.RawMessage(raw)
}
