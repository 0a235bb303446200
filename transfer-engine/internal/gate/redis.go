package gate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

const DefaultRedisKey = "transfer:kill_switch"

// RedisKillSwitch stores the flag as a hash so every instance pointed at the
// same Redis shares it.
type RedisKillSwitch struct {
	client *redis.Client
	key    string
}

func NewRedisKillSwitch(client *redis.Client, key string) *RedisKillSwitch {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisKillSwitch{client: client, key: key}
}

func (r *RedisKillSwitch) IsActive(ctx context.Context) (bool, error) {
	st, err := r.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (r *RedisKillSwitch) State(ctx context.Context) (models.KillSwitchState, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return models.KillSwitchState{}, fmt.Errorf("redis kill switch: %w", err)
	}
	st := models.KillSwitchState{
		Reason:    fields["reason"],
		UpdatedBy: fields["updated_by"],
	}
	if v, ok := fields["active"]; ok {
		st.Active, err = strconv.ParseBool(v)
		if err != nil {
			return models.KillSwitchState{}, fmt.Errorf("redis kill switch: bad active value %q", v)
		}
	}
	if v := fields["updated_at"]; v != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.UpdatedAt = ts
		}
	}
	return st, nil
}

func (r *RedisKillSwitch) Activate(ctx context.Context, by, reason string) error {
	return r.set(ctx, true, by, reason)
}

func (r *RedisKillSwitch) Deactivate(ctx context.Context, by string) error {
	return r.set(ctx, false, by, "")
}

func (r *RedisKillSwitch) set(ctx context.Context, active bool, by, reason string) error {
	err := r.client.HSet(ctx, r.key, map[string]interface{}{
		"active":     strconv.FormatBool(active),
		"reason":     reason,
		"updated_by": by,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis kill switch: %w", err)
	}
	return nil
}
