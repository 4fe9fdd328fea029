package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// PublishJSONToStream 以 {data, timestamp} 形式追加一条 JSON 记录
// maxLen > 0 时按近似长度裁剪（MAXLEN ~）
func PublishJSONToStream(ctx context.Context, client redis.Cmdable, stream string, maxLen int64, data interface{}) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode stream record: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(payload),
			"timestamp": time.Now().UnixMilli(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return client.XAdd(ctx, args).Result()
}
