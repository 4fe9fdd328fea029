package models

// CommandType 设备命令类型
type CommandType string

const (
	CommandReload         CommandType = "reload"
	CommandRestart        CommandType = "restart"
	CommandClearCache     CommandType = "clear_cache"
	CommandUpdatePlaylist CommandType = "update_playlist"
	CommandScreenshot     CommandType = "screenshot"
	CommandSetVolume      CommandType = "set_volume"
	CommandUpdateConfig   CommandType = "update_config"
)

// Valid 是否为已知命令类型
func (t CommandType) Valid() bool {
	switch t {
	case CommandReload, CommandRestart, CommandClearCache, CommandUpdatePlaylist,
		CommandScreenshot, CommandSetVolume, CommandUpdateConfig:
		return true
	}
	return false
}

// DeviceCommand 下发给设备的命令（队列 device:commands:<id>，读取即清空）
type DeviceCommand struct {
	Type      CommandType            `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
	Timestamp int64                  `json:"timestamp,omitempty"`
}
