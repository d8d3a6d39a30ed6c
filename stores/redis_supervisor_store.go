package stores

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisSupervisorStore stores supervisor -> subordinates in Redis sets
// (key: {prefix}{supervisorID}, default prefix "supervisa:")
type RedisSupervisorStore struct {
	client *redis.Client
	prefix string
}

func NewRedisSupervisorStore(client *redis.Client, prefix string) *RedisSupervisorStore {
	if prefix == "" {
		prefix = "supervisa:"
	}
	return &RedisSupervisorStore{client: client, prefix: prefix}
}

func (r *RedisSupervisorStore) key(supervisorID string) string {
	return r.prefix + supervisorID
}

func (r *RedisSupervisorStore) AddSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	return r.client.SAdd(ctx, r.key(supervisorID), subordinateID).Err()
}

func (r *RedisSupervisorStore) RemoveSupervision(ctx context.Context, supervisorID, subordinateID string) error {
	return r.client.SRem(ctx, r.key(supervisorID), subordinateID).Err()
}

func (r *RedisSupervisorStore) IsSupervisor(ctx context.Context, supervisorID, subordinateID string) (bool, error) {
	return r.client.SIsMember(ctx, r.key(supervisorID), subordinateID).Result()
}

func (r *RedisSupervisorStore) ListSubordinates(ctx context.Context, supervisorID string) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.key(supervisorID)).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}
