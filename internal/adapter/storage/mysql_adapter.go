package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/port"
)

var ErrOptimisticLock = fmt.Errorf("%w: optimistic lock conflict", domain.ErrConflict)

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

//go:embed schema.sql
var schemaSQL string

const productColumns = `id, name, price, stock_quantity, category_id, version, created_at, updated_at`

const discountColumns = `id, code, discount_type, discount_value, min_order_amount, max_discount_amount,
	start_date, end_date, usage_limit, used_count, is_active, created_at, updated_at`

const orderColumns = `id, order_number, user_id, status, ship_full_name, ship_phone, ship_address, ship_city,
	ship_district, ship_ward, ship_postal_code, payment_method, note, discount_code,
	original_amount, discount_amount, total_amount, created_at, updated_at`

type MySQLAdapter struct {
	db    *sql.DB
	clock func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, clock: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables the adapter needs when they do not exist yet.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Price, &p.StockQuantity, &p.CategoryID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (m *MySQLAdapter) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := scanProduct(m.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("%w: product %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("query product: %w", err)
	}
	return p, nil
}

func (m *MySQLAdapter) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return queryProducts(ctx, m.db, ids, false)
}

// queryProducts reads ids in sorted order; with lock set the rows are locked
// FOR UPDATE, and the stable order keeps concurrent checkouts from deadlocking.
func queryProducts(ctx context.Context, q queryer, ids []string, lock bool) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	query := `SELECT ` + productColumns + ` FROM products WHERE id IN (` + placeholders(len(sorted)) + `) ORDER BY id`
	if lock {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, stringArgs(sorted)...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) UpsertProduct(ctx context.Context, p domain.Product) error {
	now := m.clock()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, stock_quantity, category_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), price = VALUES(price), stock_quantity = VALUES(stock_quantity),
			category_id = VALUES(category_id), version = version + 1, updated_at = VALUES(updated_at)`,
		p.ID, p.Name, p.Price, p.StockQuantity, p.CategoryID, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func scanDiscount(row rowScanner) (domain.DiscountCode, error) {
	var d domain.DiscountCode
	var start, end sql.NullTime
	err := row.Scan(&d.ID, &d.Code, &d.Type, &d.Value, &d.MinOrderAmount, &d.MaxDiscountAmount,
		&start, &end, &d.UsageLimit, &d.UsedCount, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	d.StartDate = start.Time
	d.EndDate = end.Time
	return d, err
}

func (m *MySQLAdapter) FindByCode(ctx context.Context, code string) (domain.DiscountCode, error) {
	return findDiscount(ctx, m.db, code, false)
}

func findDiscount(ctx context.Context, q queryer, code string, lock bool) (domain.DiscountCode, error) {
	query := `SELECT ` + discountColumns + ` FROM discount_codes WHERE code = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	d, err := scanDiscount(q.QueryRowContext(ctx, query, domain.NormalizeDiscountCode(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DiscountCode{}, fmt.Errorf("%w: discount code %s", domain.ErrNotFound, code)
	}
	if err != nil {
		return domain.DiscountCode{}, fmt.Errorf("query discount code: %w", err)
	}
	return d, nil
}

func (m *MySQLAdapter) ListDiscountCodes(ctx context.Context) ([]domain.DiscountCode, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+discountColumns+` FROM discount_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("query discount codes: %w", err)
	}
	defer rows.Close()

	var out []domain.DiscountCode
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan discount code: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) UpsertDiscountCode(ctx context.Context, d domain.DiscountCode) error {
	d.Code = domain.NormalizeDiscountCode(d.Code)
	if d.ID == "" {
		d.ID = d.Code
	}
	now := m.clock()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO discount_codes (`+discountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE discount_type = VALUES(discount_type), discount_value = VALUES(discount_value),
			min_order_amount = VALUES(min_order_amount), max_discount_amount = VALUES(max_discount_amount),
			start_date = VALUES(start_date), end_date = VALUES(end_date), usage_limit = VALUES(usage_limit),
			used_count = VALUES(used_count), is_active = VALUES(is_active), updated_at = VALUES(updated_at)`,
		d.ID, d.Code, d.Type, d.Value, d.MinOrderAmount, d.MaxDiscountAmount,
		nullTime(d.StartDate), nullTime(d.EndDate), d.UsageLimit, d.UsedCount, d.IsActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert discount code: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) PlaceOrder(ctx context.Context, req port.PlaceOrderRequest, assemble port.AssembleFunc) (domain.Order, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	products, err := queryProducts(ctx, tx, req.ProductIDs, true)
	if err != nil {
		return domain.Order{}, classify(err)
	}
	snapshot := port.CheckoutSnapshot{Products: products}
	if req.DiscountCode != "" {
		d, err := findDiscount(ctx, tx, req.DiscountCode, true)
		switch {
		case err == nil:
			snapshot.Discount = &d
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Order{}, classify(err)
		}
	}

	order, err := assemble(snapshot)
	if err != nil {
		return domain.Order{}, err
	}
	now := order.CreatedAt

	for id, qty := range order.Quantities() {
		result, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock_quantity = stock_quantity - ?, version = version + 1, updated_at = ?
			WHERE id = ? AND stock_quantity >= ?`,
			qty, now, id, qty,
		)
		if err != nil {
			return domain.Order{}, classify(fmt.Errorf("update stock: %w", err))
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.Order{}, ErrOptimisticLock
		}
	}

	if order.DiscountCode != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE discount_codes
			SET used_count = used_count + 1, updated_at = ?
			WHERE code = ? AND (usage_limit = 0 OR used_count < usage_limit)`,
			now, order.DiscountCode,
		)
		if err != nil {
			return domain.Order{}, classify(fmt.Errorf("update discount usage: %w", err))
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.Order{}, &domain.DiscountError{Code: order.DiscountCode, Reason: domain.DiscountUsageExhausted}
		}
	}

	if err := insertOrder(ctx, tx, order); err != nil {
		return domain.Order{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, classify(fmt.Errorf("commit: %w", err))
	}
	return order, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	a := o.ShippingAddress
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrderNumber, o.UserID, o.Status, a.FullName, a.Phone, a.Address, a.City,
		a.District, a.Ward, a.PostalCode, o.PaymentMethod, nullString(o.Note), o.DiscountCode,
		o.OriginalAmount, o.DiscountAmount, o.TotalAmount, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for i, item := range o.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, product_name, unit_price, quantity, subtotal)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, o.ID, i, item.ProductID, item.ProductName, item.UnitPrice, item.Quantity, item.Subtotal,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	var note sql.NullString
	a := &o.ShippingAddress
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &a.FullName, &a.Phone, &a.Address, &a.City,
		&a.District, &a.Ward, &a.PostalCode, &o.PaymentMethod, &note, &o.DiscountCode,
		&o.OriginalAmount, &o.DiscountAmount, &o.TotalAmount, &o.CreatedAt, &o.UpdatedAt)
	o.Note = note.String
	return o, err
}

func getOrder(ctx context.Context, q queryer, id string, lock bool) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", err)
	}
	orders := []domain.Order{o}
	if err := loadItems(ctx, q, orders); err != nil {
		return domain.Order{}, err
	}
	return orders[0], nil
}

func loadItems(ctx context.Context, q queryer, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	index := make(map[string]int, len(orders))
	ids := make([]string, len(orders))
	for i, o := range orders {
		index[o.ID] = i
		ids[i] = o.ID
		orders[i].Items = []domain.OrderItem{}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT order_id, id, product_id, product_name, unit_price, quantity, subtotal
		FROM order_items WHERE order_id IN (`+placeholders(len(ids))+`)
		ORDER BY order_id, position`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := rows.Scan(&orderID, &item.ID, &item.ProductID, &item.ProductName, &item.UnitPrice, &item.Quantity, &item.Subtotal); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return rows.Err()
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return getOrder(ctx, m.db, id, false)
}

func (m *MySQLAdapter) ListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, order_number DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, max(filter.Offset, 0))
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadItems(ctx, m.db, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (m *MySQLAdapter) UpdateOrderStatus(ctx context.Context, id string, decide port.DecideFunc) (domain.Order, domain.OrderStatus, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err := getOrder(ctx, tx, id, true)
	if err != nil {
		return domain.Order{}, "", classify(err)
	}
	next, err := decide(order)
	if err != nil {
		return domain.Order{}, "", err
	}

	prev := order.Status
	now := m.clock()
	if prev.RestocksOnTransition(next) {
		for pid, qty := range order.Quantities() {
			_, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock_quantity = stock_quantity + ?, version = version + 1, updated_at = ?
				WHERE id = ?`,
				qty, now, pid,
			)
			if err != nil {
				return domain.Order{}, "", classify(fmt.Errorf("restock: %w", err))
			}
		}
	}

	result, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`, next, now, id, prev)
	if err != nil {
		return domain.Order{}, "", classify(fmt.Errorf("update order status: %w", err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.Order{}, "", ErrOptimisticLock
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, "", classify(fmt.Errorf("commit: %w", err))
	}

	order.Status = next
	order.UpdatedAt = now
	return order, prev, nil
}

func (m *MySQLAdapter) CountOrdersByStatus(ctx context.Context) (map[domain.OrderStatus]int, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.OrderStatus]int, len(domain.OrderStatuses))
	for rows.Next() {
		var status domain.OrderStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan order count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// classify maps lock contention and unique-key collisions to domain.ErrConflict
// so the service can retry the whole unit.
func classify(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrDeadlock, mysqlErrLockWaitTimeout, mysqlErrDuplicateEntry:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
