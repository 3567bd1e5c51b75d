package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rl1809/ministore/internal/adapter/storage"
	"github.com/rl1809/ministore/internal/core/domain"
	"github.com/rl1809/ministore/internal/core/service"
	"github.com/rl1809/ministore/internal/port"
)

const (
	mysqlDSN      = "root:root@tcp(localhost:3306)/ministore?parseTime=true"
	redisAddr     = "localhost:6379"
	initialStock  = 20
	totalBuyers   = 50
	promoLimit    = 5
	queueSize     = 1000
	productPrice  = 250_000
	promoCodeName = "STRESS5"
)

type repos interface {
	port.CatalogRepository
	port.DiscountRepository
	port.OrderRepository
}

type carts interface {
	port.CartRepository
	port.IdempotencyRepository
}

// Runs totalBuyers concurrent checkouts of one product with initialStock units
// and a promo code limited to promoLimit redemptions. Set STRESS_DRIVER=mysql
// to run against MySQL and Redis instead of the in-memory store.
func main() {
	ctx := context.Background()
	db, cache, cleanup := openStores(ctx)
	defer cleanup()

	productID := "stress-" + uuid.NewString()[:8]
	if err := db.UpsertProduct(ctx, domain.Product{ID: productID, Name: "Stress item", Price: productPrice, StockQuantity: initialStock}); err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}
	if err := db.UpsertDiscountCode(ctx, domain.DiscountCode{
		Code: promoCodeName, Type: domain.DiscountFixedAmount, Value: decimal.NewFromInt(10_000),
		UsageLimit: promoLimit, IsActive: true,
	}); err != nil {
		log.Fatalf("failed to seed discount code: %v", err)
	}

	cartService := service.NewCartService(db, cache, nil)
	orderService := service.NewOrderService(service.OrderServiceDeps{
		Orders: db, Carts: cache, Idempotency: cache, EventQueueSize: queueSize,
	})
	defer orderService.Close()

	go func() {
		for range orderService.Events() {
		}
	}()

	runID := uuid.NewString()[:8]
	for i := 0; i < totalBuyers; i++ {
		userID := fmt.Sprintf("stress-%s-%d", runID, i)
		if _, err := cartService.AddItem(ctx, userID, productID, 1); err != nil {
			log.Fatalf("failed to fill cart for %s: %v", userID, err)
		}
	}

	var placed, soldOut, promoRejected, conflicts, other atomic.Int32
	var discounted atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalBuyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := service.CreateOrderCommand{
				UserID: fmt.Sprintf("stress-%s-%d", runID, i),
				ShippingAddress: domain.ShippingAddress{
					FullName: "Stress Buyer", Phone: "0900000000", Address: "1 Test St", City: "Hà Nội",
				},
				PaymentMethod: "cod",
			}
			if i%2 == 0 {
				cmd.DiscountCode = promoCodeName
			}
			order, err := orderService.CreateOrder(ctx, cmd)
			switch {
			case err == nil:
				placed.Add(1)
				if order.DiscountAmount > 0 {
					discounted.Add(1)
				}
			case errors.Is(err, domain.ErrStockChanged):
				soldOut.Add(1)
			case errors.Is(err, domain.ErrDiscountInvalid):
				promoRejected.Add(1)
			case errors.Is(err, domain.ErrConflict):
				conflicts.Add(1)
			default:
				other.Add(1)
				log.Printf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Buyers:     %d\n", totalBuyers)
	fmt.Printf("Placed:           %d (%d with %s)\n", placed.Load(), discounted.Load(), promoCodeName)
	fmt.Printf("Sold out:         %d\n", soldOut.Load())
	fmt.Printf("Promo rejected:   %d\n", promoRejected.Load())
	fmt.Printf("Conflicts:        %d\n", conflicts.Load())
	fmt.Printf("Other errors:     %d\n", other.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	product, err := db.GetProduct(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read product: %v", err)
	}
	if int(placed.Load())+product.StockQuantity == initialStock {
		fmt.Printf("PASS: placed orders plus remaining stock (%d) equal initial stock\n", product.StockQuantity)
	} else {
		fmt.Printf("FAIL: placed %d, remaining %d, initial %d\n", placed.Load(), product.StockQuantity, initialStock)
	}

	code, err := db.FindByCode(ctx, promoCodeName)
	if err != nil {
		log.Fatalf("failed to read discount code: %v", err)
	}
	if code.UsedCount <= promoLimit && code.UsedCount == int(discounted.Load()) {
		fmt.Printf("PASS: %s redeemed %d times (limit %d)\n", promoCodeName, code.UsedCount, promoLimit)
	} else {
		fmt.Printf("FAIL: %s used %d times, %d discounted orders, limit %d\n", promoCodeName, code.UsedCount, discounted.Load(), promoLimit)
	}
}

func openStores(ctx context.Context) (repos, carts, func()) {
	if os.Getenv("STRESS_DRIVER") != "mysql" {
		mem := storage.NewMemoryAdapter()
		return mem, mem, func() {}
	}

	sqlDB, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	mysqlAdapter := storage.NewMySQLAdapter(sqlDB)
	if err := mysqlAdapter.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, PoolSize: 100})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	return mysqlAdapter, storage.NewRedisAdapter(rdb, time.Hour), func() {
		rdb.Close()
		sqlDB.Close()
	}
}
