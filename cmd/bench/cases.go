// README: Bench cases covering environment, zone fees, the first-accept race and fee throughput.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dispatch/internal/config"
	"dispatch/internal/modules/directory"
	"dispatch/internal/modules/dispatch"
	"dispatch/internal/modules/zone"
	"dispatch/internal/types"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: statusFail, Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: statusSkip, Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
				}
				return Result{Status: statusPass}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: statusFail, Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: statusFail, Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: statusFail, Note: err.Error()}
					}
					if !exists {
						return Result{Status: statusFail, Note: "missing table: " + t}
					}
				}
				return Result{Status: statusPass, Note: fmt.Sprintf("tables=%d", len(tables))}
			},
		},

		httpCaseMethod("API: health", http.MethodGet, base+"/health", nil, []int{200}),
		httpCaseMethod("Zones: list active", http.MethodGet, base+"/api/delivery-zones", nil, []int{200}),

		feeCase("Fee: 5.0 km is Inner City", base, 5.0, "Inner City"),
		feeCase("Fee: 5.01 km is Suburban", base, 5.01, "Suburban"),
		httpCase("Fee: negative distance -> 400", base+"/api/calculate-delivery-fee", map[string]any{"distance": -1}, []int{400}),
		httpCase("Fee: missing distance -> 400", base+"/api/calculate-delivery-fee", map[string]any{}, []int{400}),
		httpCaseMethod("Auth: offers without token -> 401", http.MethodGet, base+"/api/delivery-notifications", nil, []int{401}),

		{
			Name: "Concurrency: first accept wins",
			Run:  acceptRace,
		},
		{
			Name: "Perf: fee calculation throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				return perfLoad(ctx, r, base+"/api/calculate-delivery-fee", map[string]any{"distance": 12.5})
			},
		},
	}
}

func httpCase(name, url string, body any, okStatuses []int) TestCase {
	return httpCaseMethod(name, http.MethodPost, url, body, okStatuses)
}

func httpCaseMethod(name, method, url string, body any, okStatuses []int) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			status, _, latency, err := r.do(ctx, method, url, body)
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			note := fmt.Sprintf("status=%d", status)
			if contains(okStatuses, status) {
				return Result{Status: statusPass, Latency: latency, Note: note}
			}
			return Result{Status: statusFail, Latency: latency, Note: note}
		},
	}
}

func feeCase(name, base string, distance float64, wantZone string) TestCase {
	return TestCase{
		Name: name,
		Run: func(ctx context.Context, r *Runner) Result {
			status, raw, latency, err := r.do(ctx, http.MethodPost, base+"/api/calculate-delivery-fee", map[string]any{"distance": distance})
			if err != nil {
				return Result{Status: statusFail, Note: err.Error()}
			}
			if status != http.StatusOK {
				return Result{Status: statusFail, Latency: latency, Note: fmt.Sprintf("status=%d", status)}
			}
			var body struct {
				Fee  float64 `json:"fee"`
				Zone struct {
					Name string `json:"name"`
				} `json:"zone"`
			}
			if err := json.Unmarshal(raw, &body); err != nil {
				return Result{Status: statusFail, Latency: latency, Note: err.Error()}
			}
			if body.Zone.Name != wantZone {
				return Result{Status: statusFail, Latency: latency, Note: "zone=" + body.Zone.Name}
			}
			return Result{Status: statusPass, Latency: latency, Note: fmt.Sprintf("fee=%.2f", body.Fee)}
		},
	}
}

func (r *Runner) do(ctx context.Context, method, url string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, time.Since(start), err
}

// acceptRace seeds a fresh order with cfg.Concurrency approved partners,
// broadcasts it and lets every partner accept at once. Exactly one may win.
func acceptRace(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "db not configured"}
	}
	run := fmt.Sprintf("bench-%d", time.Now().UnixNano())
	orderID := types.ID(run)
	partners := make([]types.ID, r.cfg.Concurrency)
	for i := range partners {
		partners[i] = types.ID(fmt.Sprintf("%s-p%d", run, i))
	}
	if err := seedRace(ctx, r.db, run, partners); err != nil {
		return Result{Status: statusFail, Note: "seed: " + err.Error()}
	}
	defer retirePartners(context.Background(), r.db, partners)

	cfg := config.DispatchConfig{OfferTTL: 90 * time.Second, SweepInterval: time.Minute}
	svc := dispatch.NewService(dispatch.NewStore(r.db), directory.NewStore(r.db),
		zone.NewService(zone.NewStore(r.db)), nil, nil, zap.NewNop(), nil, cfg)

	if _, err := svc.Broadcast(ctx, orderID); err != nil {
		return Result{Status: statusFail, Note: "broadcast: " + err.Error()}
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		lost   int
		failed []string
	)
	start := time.Now()
	for _, pid := range partners {
		wg.Add(1)
		go func(pid types.ID) {
			defer wg.Done()
			_, err := svc.Accept(ctx, orderID, pid)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, dispatch.ErrAlreadyClaimed):
				lost++
			default:
				failed = append(failed, err.Error())
			}
		}(pid)
	}
	wg.Wait()
	latency := time.Since(start)

	note := fmt.Sprintf("won=%d already_claimed=%d errors=%d", won, lost, len(failed))
	if won != 1 || len(failed) > 0 {
		if len(failed) > 0 {
			note += " first=" + failed[0]
		}
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}

func seedRace(ctx context.Context, db *pgxpool.Pool, run string, partners []types.ID) error {
	if _, err := db.Exec(ctx, `
		INSERT INTO stores (id, owner_id, name, address, latitude, longitude)
		VALUES ($1, 'bench-shop', 'Bench Store', '1 Market St', 25.0330, 121.5654)`, run); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, `
		INSERT INTO orders (id, customer_id, customer_name, shipping_address, store_id, delivery_lat, delivery_lng)
		VALUES ($1, 'bench-customer', 'Bench', '12 Harbor Rd', $1, 25.0478, 121.5170)`, run); err != nil {
		return err
	}
	for _, p := range partners {
		if _, err := db.Exec(ctx, `
			INSERT INTO delivery_partners (user_id, status, is_available)
			VALUES ($1, 'approved', TRUE)`, string(p)); err != nil {
			return err
		}
	}
	return nil
}

// retirePartners takes bench partners out of the pool so later broadcasts
// against the same database do not offer them real orders.
func retirePartners(ctx context.Context, db *pgxpool.Pool, partners []types.ID) {
	ids := make([]string, len(partners))
	for i, p := range partners {
		ids[i] = string(p)
	}
	_, _ = db.Exec(ctx, `UPDATE delivery_partners SET is_available = FALSE WHERE user_id = ANY($1)`, ids)
}

func perfLoad(ctx context.Context, r *Runner, url string, payload any) Result {
	b, _ := json.Marshal(payload)
	end := time.Now().Add(r.cfg.Duration)
	var count int64
	var errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(b)))
				req.Header.Set("Content-Type", "application/json")
				resp, err := r.httpc.Do(req)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					continue
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				mu.Lock()
				if resp.StatusCode == http.StatusOK {
					count++
				} else {
					errCount++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func contains(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
