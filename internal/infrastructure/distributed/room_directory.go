package distributed

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"confsfu/internal/core/domain"
)

// ErrRoomClaimed is returned when another instance already hosts the room.
var ErrRoomClaimed = errors.New("room hosted by another instance")

// releaseScript deletes the entry only while this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call("HDEL", KEYS[1], ARGV[1])
end
return 0
`)

// RoomDirectory records which instance hosts each room in a Redis hash.
type RoomDirectory struct {
	client     redis.UniversalClient
	key        string
	instanceID string
}

func NewRoomDirectory(client redis.UniversalClient, prefix, instanceID string) *RoomDirectory {
	return &RoomDirectory{
		client:     client,
		key:        prefix + ":rooms",
		instanceID: instanceID,
	}
}

// Claim records this instance as the host of roomID.
func (d *RoomDirectory) Claim(ctx context.Context, roomID domain.RoomID) error {
	ok, err := d.client.HSetNX(ctx, d.key, string(roomID), d.instanceID).Result()
	if err != nil {
		return fmt.Errorf("claim room %s: %w", roomID, err)
	}
	if ok {
		return nil
	}
	owner, err := d.Owner(ctx, roomID)
	if err != nil {
		return err
	}
	if owner != d.instanceID {
		return fmt.Errorf("%w: %s on %s", ErrRoomClaimed, roomID, owner)
	}
	return nil
}

// Release removes roomID from the directory if this instance owns it.
func (d *RoomDirectory) Release(ctx context.Context, roomID domain.RoomID) error {
	if err := releaseScript.Run(ctx, d.client, []string{d.key}, string(roomID), d.instanceID).Err(); err != nil {
		return fmt.Errorf("release room %s: %w", roomID, err)
	}
	return nil
}

// Owner returns the instance hosting roomID, or "" when no instance does.
func (d *RoomDirectory) Owner(ctx context.Context, roomID domain.RoomID) (string, error) {
	owner, err := d.client.HGet(ctx, d.key, string(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup room %s: %w", roomID, err)
	}
	return owner, nil
}

// ReleaseAll drops every room this instance owns, for shutdown.
func (d *RoomDirectory) ReleaseAll(ctx context.Context) error {
	all, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	var mine []string
	for room, owner := range all {
		if owner == d.instanceID {
			mine = append(mine, room)
		}
	}
	if len(mine) == 0 {
		return nil
	}
	return d.client.HDel(ctx, d.key, mine...).Err()
}
