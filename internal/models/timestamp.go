package models

import "time"

// TimestampLayout 下发事件与 ack 的时间戳格式（UTC，毫秒精度）
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp 格式化事件时间戳
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
