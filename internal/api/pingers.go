package api

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// SQLPinger adapts *sql.DB to Pinger.
type SQLPinger struct{ DB *sql.DB }

func (p SQLPinger) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

// RedisPinger adapts *redis.Client to Pinger.
type RedisPinger struct{ Client *redis.Client }

func (p RedisPinger) Ping(ctx context.Context) error { return p.Client.Ping(ctx).Err() }
