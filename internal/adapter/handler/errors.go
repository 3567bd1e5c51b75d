package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/rl1809/ministore/internal/auth"
	"github.com/rl1809/ministore/internal/core/domain"
)

// apiError is the JSON error envelope every endpoint returns.
type apiError struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func newAPIError(code, message string, status int) apiError {
	return apiError{Code: code, Message: message, Status: status}
}

func (e apiError) withDetail(key string, value any) apiError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	e.Details = details
	return e
}

// classifyError maps service errors onto the envelope. Typed errors are checked
// before the sentinels they wrap.
func classifyError(err error) apiError {
	var stockErr *domain.StockChangedError
	if errors.As(err, &stockErr) {
		return newAPIError("stock_changed", "Một số sản phẩm trong giỏ hàng không còn đủ hàng", http.StatusConflict).
			withDetail("products", stockErr.Shortages)
	}
	var discountErr *domain.DiscountError
	if errors.As(err, &discountErr) {
		return newAPIError("discount_invalid", discountErr.Message(), http.StatusUnprocessableEntity).
			withDetail("reason", discountErr.Reason)
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError("not_found", "Không tìm thấy dữ liệu yêu cầu", http.StatusNotFound)
	case errors.Is(err, domain.ErrOutOfStock):
		return newAPIError("out_of_stock", "Sản phẩm không đủ số lượng trong kho", http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidQuantity):
		return newAPIError("invalid_quantity", "Số lượng phải lớn hơn 0", http.StatusBadRequest)
	case errors.Is(err, domain.ErrEmptyCart):
		return newAPIError("empty_cart", "Giỏ hàng trống", http.StatusBadRequest)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError("invalid_transition", "Không thể chuyển đơn hàng sang trạng thái này", http.StatusConflict)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError("conflict", "Hệ thống đang bận, vui lòng thử lại", http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError("invalid_input", "Dữ liệu không hợp lệ", http.StatusBadRequest).
			withDetail("detail", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError("forbidden", "Bạn không có quyền thực hiện thao tác này", http.StatusForbidden)
	case errors.Is(err, auth.ErrUnauthenticated):
		return newAPIError("unauthorized", "Vui lòng đăng nhập để tiếp tục", http.StatusUnauthorized)
	default:
		return newAPIError("internal", "Đã xảy ra lỗi, vui lòng thử lại sau", http.StatusInternalServerError)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, e apiError) {
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{
		"error":   e.Code,
		"message": e.Message,
		"status":  status,
	}
	if requestID := strings.TrimSpace(middleware.GetReqID(ctx)); requestID != "" {
		payload["request_id"] = requestID
	}
	for k, v := range e.Details {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
