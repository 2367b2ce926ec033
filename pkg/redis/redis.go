package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var NilError = goredis.Nil

type Options = goredis.UniversalOptions
type Script = goredis.Script
type Pipeliner = goredis.Pipeliner
type Z = goredis.Z

func NewScript(src string) *Script {
	return goredis.NewScript(src)
}

// StreamMessage is one entry read back from a stream.
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

type RedisAdapter interface {
	// Key returns the fully prefixed key, for use inside pipelines and scripts.
	Key(key string) string

	// Basic operations
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	Exist(ctx context.Context, key string) (int64, error)
	HGet(ctx context.Context, key string, field string) ([]byte, error)
	HSet(ctx context.Context, key string, field string, value interface{}) error
	HDel(ctx context.Context, key string, fields ...string) error

	// Sorted set operations
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZCount(ctx context.Context, key string, min, max string) (int64, error)

	// Stream operations
	XLen(ctx context.Context, key string) (int64, error)
	XRevRange(ctx context.Context, key string, count int64) ([]StreamMessage, error)

	Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error)
	TxPipelined(ctx context.Context, fn func(Pipeliner) error) ([]goredis.Cmder, error)
	Ping(ctx context.Context) error
	Close() error
	Client() goredis.UniversalClient
}

type redisAdapter struct {
	prefix   string
	Conn     goredis.UniversalClient
	ConnName string
}

var redisLock = &sync.RWMutex{}
var redisInstance map[string]RedisAdapter

// ParseURL turns a redis:// or rediss:// URL into universal options.
func ParseURL(url string) (*Options, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Options{
		Addrs:     []string{o.Addr},
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}, nil
}

func NewRedisAdapter(connName string, keysPrefix string, opts *Options) (RedisAdapter, error) {
	redisLock.RLock()
	if redisInstance != nil {
		if adapter, ok := redisInstance[connName]; ok {
			redisLock.RUnlock()
			return adapter, nil
		}
	}
	redisLock.RUnlock()

	c := goredis.NewUniversalClient(opts)
	if err := c.Ping(context.Background()).Err(); err != nil {
		_ = c.Close()
		return nil, err
	}

	adapter := &redisAdapter{
		Conn:     c,
		prefix:   keysPrefix,
		ConnName: connName,
	}

	redisLock.Lock()
	defer redisLock.Unlock()
	if redisInstance == nil {
		redisInstance = make(map[string]RedisAdapter)
	}
	if existing, ok := redisInstance[connName]; ok {
		_ = c.Close()
		return existing, nil
	}
	redisInstance[connName] = adapter

	return adapter, nil
}

func (r *redisAdapter) Key(key string) string {
	return r.prefix + key
}

func (r *redisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.Conn.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *redisAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	cmd := r.Conn.SetNX(ctx, r.prefix+key, value, ttl)
	if err := cmd.Err(); err != nil {
		return false, err
	}
	return cmd.Val(), nil
}

func (r *redisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	st := r.Conn.Get(ctx, r.prefix+key)
	if err := st.Err(); err != nil {
		return nil, err
	}
	return st.Bytes()
}

func (r *redisAdapter) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	return r.Conn.Del(ctx, prefixed...).Err()
}

func (r *redisAdapter) Exist(ctx context.Context, key string) (int64, error) {
	return r.Conn.Exists(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	return r.Conn.HGet(ctx, r.prefix+key, field).Bytes()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, field string, value interface{}) error {
	return r.Conn.HSet(ctx, r.prefix+key, field, value).Err()
}

func (r *redisAdapter) HDel(ctx context.Context, key string, fields ...string) error {
	return r.Conn.HDel(ctx, r.prefix+key, fields...).Err()
}

func (r *redisAdapter) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.Conn.ZAdd(ctx, r.prefix+key, goredis.Z{Score: score, Member: member}).Err()
}

func (r *redisAdapter) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.Conn.ZRem(ctx, r.prefix+key, args...).Err()
}

func (r *redisAdapter) ZCard(ctx context.Context, key string) (int64, error) {
	return r.Conn.ZCard(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) ZCount(ctx context.Context, key string, min, max string) (int64, error) {
	return r.Conn.ZCount(ctx, r.prefix+key, min, max).Result()
}

func (r *redisAdapter) XLen(ctx context.Context, key string) (int64, error) {
	return r.Conn.XLen(ctx, r.prefix+key).Result()
}

func (r *redisAdapter) XRevRange(ctx context.Context, key string, count int64) ([]StreamMessage, error) {
	res, err := r.Conn.XRevRangeN(ctx, r.prefix+key, "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]StreamMessage, 0, len(res))
	for _, msg := range res {
		messages = append(messages, StreamMessage{ID: msg.ID, Values: msg.Values})
	}
	return messages, nil
}

// Eval runs a script; keys are prefixed before the call.
func (r *redisAdapter) Eval(ctx context.Context, script *Script, keys []string, args ...interface{}) (interface{}, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.prefix + k
	}
	return script.Run(ctx, r.Conn, prefixed, args...).Result()
}

func (r *redisAdapter) TxPipelined(ctx context.Context, fn func(Pipeliner) error) ([]goredis.Cmder, error) {
	cmds, err := r.Conn.TxPipelined(ctx, fn)
	if err != nil {
		return nil, fmt.Errorf("tx pipeline: %w", err)
	}
	return cmds, nil
}

func (r *redisAdapter) Ping(ctx context.Context) error {
	return r.Conn.Ping(ctx).Err()
}

// Close closes the connection and drops it from the registry.
func (r *redisAdapter) Close() error {
	redisLock.Lock()
	if redisInstance != nil && redisInstance[r.ConnName] == r {
		delete(redisInstance, r.ConnName)
	}
	redisLock.Unlock()
	return r.Conn.Close()
}

func (r *redisAdapter) Client() goredis.UniversalClient {
	return r.Conn
}
