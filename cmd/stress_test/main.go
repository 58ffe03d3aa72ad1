package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/card-cart/internal/adapter/storage"
	"github.com/rl1809/card-cart/internal/config"
	"github.com/rl1809/card-cart/internal/core/service"
)

const (
	defaultDSN    = "root:root@tcp(localhost:3306)/cart"
	productID     = int64(900001)
	initialStock  = 20
	totalRequests = 50
)

func main() {
	ctx := context.Background()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = defaultDSN
	}
	dsn, err := config.NormalizeDSN(dsn, 5*time.Second)
	if err != nil {
		log.Fatalf("invalid dsn: %v", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if _, err := db.ExecContext(ctx, `DELETE FROM cart_lines WHERE product_id = ?`, productID); err != nil {
		log.Fatalf("failed to clear previous run: %v", err)
	}
	if err := mysqlAdapter.SeedProduct(ctx, productID, decimal.RequireFromString("9.99"), initialStock); err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	cartService := service.NewCartService(mysqlAdapter, zap.NewNop())

	var successCount, soldOutCount atomic.Int32
	users := make([]string, totalRequests)
	var g errgroup.Group
	start := time.Now()

	for i := range users {
		users[i] = uuid.NewString()
		userID := users[i]
		g.Go(func() error {
			_, err := cartService.AddItem(ctx, userID, productID, 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				return fmt.Errorf("user %s: %w", userID, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("unexpected failure: %v", err)
	}
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == int32(initialStock) && soldOut == int32(totalRequests-initialStock) {
		fmt.Printf("PASS: Exactly %d adds succeeded, %d sold out\n", initialStock, totalRequests-initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOut)
	}

	finalStock, err := mysqlAdapter.Available(ctx, productID)
	if err != nil {
		log.Fatalf("failed to read stock: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", finalStock)
	if finalStock == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", finalStock)
	}

	reserved := 0
	for _, userID := range users {
		lines, err := cartService.ListItems(ctx, userID)
		if err != nil {
			log.Fatalf("failed to list cart of %s: %v", userID, err)
		}
		for _, l := range lines {
			reserved += l.Quantity
		}
	}
	if finalStock+reserved == initialStock {
		fmt.Printf("PASS: available + reserved = %d\n", initialStock)
	} else {
		fmt.Printf("FAIL: available %d + reserved %d != %d\n", finalStock, reserved, initialStock)
	}
}
