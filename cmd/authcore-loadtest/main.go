// Command authcore-loadtest measures access verification and refresh
// rotation throughput of an Engine against Redis or an embedded miniredis.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/identity"
	"github.com/mtracking/authcore/internal/secretbox"
	"github.com/mtracking/authcore/password"
	"github.com/mtracking/authcore/token"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const loadPassword = "load test passphrase"

// sessionState is one logged-in device. The mutex serializes rotations so
// every refresh presents the latest token.
type sessionState struct {
	mu      sync.Mutex
	access  string
	refresh string
}

func main() {
	var (
		identities  = flag.Int("identities", 200, "number of identities to seed, one session each")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (verify + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "as", "redis key prefix")
	)
	flag.Parse()

	if *identities <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "identities, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	ctx := context.Background()

	client, cleanup, err := connect(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	repo := identity.NewMemoryRepository()
	engine, err := buildEngine(client, repo, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("seeding %d sessions...\n", *identities)
	startSeed := time.Now()
	states, err := seed(ctx, engine, repo, *identities, *concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	verifyStats := runPhase(states, *ops, *concurrency, func(s *sessionState) error {
		s.mu.Lock()
		access := s.access
		s.mu.Unlock()
		_, err := engine.VerifyAccess(ctx, access)
		return err
	})
	refreshStats := runPhase(states, *ops, *concurrency, func(s *sessionState) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		tokens, err := engine.Refresh(ctx, s.refresh)
		if err != nil {
			return err
		}
		s.access, s.refresh = tokens.AccessToken, tokens.RefreshToken
		return nil
	})

	fmt.Println("---- results ----")
	printStats("verify", verifyStats)
	printStats("refresh", refreshStats)
}

func connect(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() {
		_ = client.Close()
		mr.Close()
	}, nil
}

func buildEngine(client redis.UniversalClient, repo identity.Repository, prefix string) (*authcore.Engine, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	box, err := secretbox.New(secret)
	if err != nil {
		return nil, err
	}

	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningMethod = token.MethodEdDSA
	cfg.JWT.PrivateKey = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	cfg.JWT.RefreshSecret = secret
	cfg.Session.RedisPrefix = prefix
	// Seeding cost is hashing, which is not what this tool measures.
	cfg.Password = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32, MinLength: 12}

	return authcore.New().
		WithConfig(cfg).
		WithRedis(client).
		WithRepository(repo).
		WithSealer(box).
		WithMailer(discard{}).
		Build()
}

// discard drops every email; seeded identities are verified through the
// repository directly.
type discard struct{}

func (discard) SendVerification(context.Context, string, string, string)  {}
func (discard) SendPasswordReset(context.Context, string, string, string) {}

func seed(ctx context.Context, engine *authcore.Engine, repo identity.Repository, n, concurrency int) ([]*sessionState, error) {
	states := make([]*sessionState, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			email := fmt.Sprintf("load-%d@example.com", i)
			pub, err := engine.Register(gctx, authcore.RegisterRequest{Email: email, Password: loadPassword})
			if err != nil {
				return err
			}
			if err := repo.MarkEmailVerified(gctx, pub.ID); err != nil {
				return err
			}
			res, err := engine.Login(gctx, authcore.LoginRequest{Email: email, Password: loadPassword})
			if err != nil {
				return err
			}
			states[i] = &sessionState{access: res.AccessToken, refresh: res.RefreshToken}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

func runPhase(states []*sessionState, ops, concurrency int, op func(*sessionState) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := states[r.Intn(len(states))]
				t0 := time.Now()
				err := op(state)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	switch {
	case len(samples) == 0:
		return 0
	case p <= 0:
		return samples[0]
	case p >= 100:
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
