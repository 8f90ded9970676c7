package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = keyPrefix + "schema:version"
	currentSchemaVersion = 2
)

// Migration is one step of the key schema.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs the migrations newer than the stored schema version, recording
// progress after each so a failed run resumes where it stopped.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("redis schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running redis migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1 stored presence as plain strings; hashes replace them.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				return deleteByPattern(ctx, client, keyPrefix+"status:*")
			},
		},
		{
			Version: 2,
			Up:      PruneOnlineSet,
		},
	}
}

// PruneOnlineSet drops online-set members whose presence hash expired, which
// happens when an instance dies without marking its users offline.
func PruneOnlineSet(ctx context.Context, client *redis.Client) error {
	members, err := client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return err
	}
	for _, userID := range members {
		exists, err := client.Exists(ctx, presenceKey(userID)).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			if err := client.SRem(ctx, onlineSetKey, userID).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteByPattern(ctx context.Context, client *redis.Client, pattern string) error {
	iter := client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
