package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/courier-matching/internal/models"
)

// RedisIndex keeps carrier positions in a Redis GEO set with a metadata hash
// per carrier, so multiple processes (API, consumer, escalation worker) share
// one presence view.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key}
}

func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, c models.CarrierPresence) {
	if c.LastActive.IsZero() {
		c.LastActive = time.Now()
	}
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: c.Loc.Lon, Latitude: c.Loc.Lat, Name: c.UserID,
	}).Result()
	_ = r.client.HSet(ctx, metaKey(c.UserID), map[string]interface{}{
		"online":       strconv.FormatBool(c.Online),
		"last_active":  c.LastActive.Format(time.RFC3339),
		"radius_cap":   strconv.FormatFloat(c.Prefs.RadiusCapKm, 'f', -1, 64),
		"min_price":    strconv.FormatFloat(c.Prefs.MinPrice, 'f', -1, 64),
		"urgent_only":  strconv.FormatBool(c.Prefs.UrgentOnly),
		"max_per_hour": strconv.Itoa(c.Prefs.MaxPushesPerHour),
	}).Err()
}

func (r *RedisIndex) Get(ctx context.Context, userID string) (models.CarrierPresence, bool) {
	pos, err := r.client.GeoPos(ctx, r.key, userID).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.CarrierPresence{}, false
	}
	c := models.CarrierPresence{UserID: userID}
	c.Loc.Lat = pos[0].Latitude
	c.Loc.Lon = pos[0].Longitude
	r.fillMeta(ctx, &c)
	return c, true
}

func (r *RedisIndex) Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) []models.CarrierPresence {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lon, at.Lat, q).Result()
	if err != nil {
		return nil
	}
	out := make([]models.CarrierPresence, 0, len(res))
	for _, g := range res {
		c := models.CarrierPresence{UserID: g.Name}
		c.Loc.Lat = g.Latitude
		c.Loc.Lon = g.Longitude
		r.fillMeta(ctx, &c)
		if !c.Online {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *RedisIndex) fillMeta(ctx context.Context, c *models.CarrierPresence) {
	m, err := r.client.HGetAll(ctx, metaKey(c.UserID)).Result()
	if err != nil {
		return
	}
	if v, ok := m["online"]; ok {
		c.Online = v == "true"
	}
	if v, ok := m["last_active"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			c.LastActive = t
		}
	}
	if v, ok := m["radius_cap"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Prefs.RadiusCapKm = f
		}
	}
	if v, ok := m["min_price"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Prefs.MinPrice = f
		}
	}
	if v, ok := m["urgent_only"]; ok {
		c.Prefs.UrgentOnly = v == "true"
	}
	if v, ok := m["max_per_hour"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Prefs.MaxPushesPerHour = n
		}
	}
}

func metaKey(id string) string { return "carrier:meta:" + id }
