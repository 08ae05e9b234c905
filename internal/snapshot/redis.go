// Package snapshot optionally mirrors each dialect's current job into
// Redis so an external reader can see what the proxy is working on without
// speaking the stratum protocol itself. It is a live overwrite-per-dialect
// key, never a history: there is deliberately no list/stream append here,
// unlike pool/cache/redis.go's session and block-template history methods.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opensyria/veilstratum/internal/stratum"
)

// Config mirrors pool/cache/redis.go's Config shape.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", TTL: 2 * time.Minute}
}

// Mirror implements stratum.SnapshotSink.
type Mirror struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis and pings it once, grounded on
// pool/cache/redis.go's New.
func New(cfg Config) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	return &Mirror{client: client, ttl: ttl}, nil
}

type snapshotDoc struct {
	JobID      string `json:"job_id"`
	Height     int64  `json:"height"`
	Target     string `json:"target"`
	LongPollID string `json:"longpoll_id"`
	UpdatedAt  int64  `json:"updated_at"`
}

// SetCurrentJob overwrites the per-dialect key with job's current state.
// Errors are swallowed, not returned, since a snapshot write failure must
// never affect the stratum-facing fan-out it rides on.
func (m *Mirror) SetCurrentJob(ctx context.Context, dialect string, job *stratum.Job) {
	if job == nil {
		return
	}
	doc := snapshotDoc{
		JobID:      job.JobID,
		Height:     job.Height,
		Target:     job.Target,
		LongPollID: job.LongPollID,
		UpdatedAt:  time.Now().Unix(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	m.client.Set(ctx, "veilstratum:job:"+dialect, data, m.ttl)
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
