// Package store keeps per-device presence in Redis: when each IMEI last
// delivered a frame, from where, and its last reported position.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"avl-relay/internal/codec"
)

const keyPrefix = "avl:device:"

func DeviceKey(imei string) string { return keyPrefix + imei }

// Device is the presence hash of one IMEI.
type Device struct {
	IMEI       string
	Remote     string
	LastSeen   time.Time
	RecordTime time.Time
	Latitude   float64
	Longitude  float64
	Speed      int
	Satellites int
	Priority   int
}

type DeviceStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewDeviceStore connects and pings addr. Entries expire ttl after the last
// frame; zero keeps them forever.
func NewDeviceStore(ctx context.Context, addr string, db int, ttl time.Duration, logger *slog.Logger) (*DeviceStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger = logger.With("component", "store")
	logger.Info("redis connected", "addr", addr, "db", db)
	return newDeviceStore(rdb, ttl, logger), nil
}

func newDeviceStore(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *DeviceStore {
	return &DeviceStore{rdb: rdb, ttl: ttl, logger: logger, now: time.Now}
}

func deviceFields(remote string, last codec.Record, seen time.Time) map[string]any {
	return map[string]any{
		"last_seen":  seen.UnixMilli(),
		"remote":     remote,
		"record_ts":  last.Timestamp,
		"lat":        strconv.FormatFloat(last.GPS.Latitude, 'f', 7, 64),
		"lon":        strconv.FormatFloat(last.GPS.Longitude, 'f', 7, 64),
		"speed":      last.GPS.Speed,
		"satellites": last.GPS.Satellites,
		"priority":   uint8(last.Priority),
	}
}

// Touch writes the presence hash for imei and refreshes its TTL.
func (s *DeviceStore) Touch(ctx context.Context, imei, remote string, last codec.Record) error {
	key := DeviceKey(imei)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, deviceFields(remote, last, s.now()))
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis touch %s: %w", key, err)
	}
	s.logger.Debug("presence updated", "imei", imei, "remote", remote)
	return nil
}

// Lookup reads the presence hash of imei. ok is false when the device has
// not been seen within the TTL.
func (s *DeviceStore) Lookup(ctx context.Context, imei string) (dev Device, ok bool, err error) {
	vals, err := s.rdb.HGetAll(ctx, DeviceKey(imei)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Device{}, false, nil
		}
		return Device{}, false, err
	}
	if len(vals) == 0 {
		return Device{}, false, nil
	}
	return parseDevice(imei, vals), true, nil
}

func parseDevice(imei string, vals map[string]string) Device {
	ms := func(k string) time.Time {
		n, _ := strconv.ParseInt(vals[k], 10, 64)
		if n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n)
	}
	num := func(k string) int {
		n, _ := strconv.Atoi(vals[k])
		return n
	}
	f := func(k string) float64 {
		v, _ := strconv.ParseFloat(vals[k], 64)
		return v
	}
	return Device{
		IMEI:       imei,
		Remote:     vals["remote"],
		LastSeen:   ms("last_seen"),
		RecordTime: ms("record_ts"),
		Latitude:   f("lat"),
		Longitude:  f("lon"),
		Speed:      num("speed"),
		Satellites: num("satellites"),
		Priority:   num("priority"),
	}
}

func (s *DeviceStore) Close() error {
	return s.rdb.Close()
}
