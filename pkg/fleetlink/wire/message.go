// Package wire encodes outbound commands and decodes inbound event frames
// for the dashboard's JSON-over-WebSocket protocol.
//
// Every frame, in either direction, is a single text message:
//
//	{"event": "task_update", "data": {"taskId": "t1", "progress": 40}, "timestamp": "2024-05-01T10:00:00Z"}
//
// The timestamp is optional and may also be a number of milliseconds since
// the Unix epoch.
package wire

// Outbound command names.
const (
	CommandSubscribeDevice      = "subscribe_device"
	CommandUnsubscribeDevice    = "unsubscribe_device"
	CommandSubscribeTask        = "subscribe_task"
	CommandUnsubscribeTask      = "unsubscribe_task"
	CommandSubscribeAnalytics   = "subscribe_analytics"
	CommandUnsubscribeAnalytics = "unsubscribe_analytics"
	CommandSendMessage          = "send_message"
	CommandBroadcastMessage     = "broadcast_message"
	CommandPingDevice           = "ping_device"
	CommandRestartDevice        = "restart_device"
	CommandStopDevice           = "stop_device"
	CommandStartDevice          = "start_device"
	CommandCancelTask           = "cancel_task"
	CommandRetryTask            = "retry_task"
	CommandPauseTask            = "pause_task"
	CommandResumeTask           = "resume_task"
	CommandAdminConnected       = "admin_connected"
)

// Commands lists every outbound command name.
var Commands = []string{
	CommandSubscribeDevice,
	CommandUnsubscribeDevice,
	CommandSubscribeTask,
	CommandUnsubscribeTask,
	CommandSubscribeAnalytics,
	CommandUnsubscribeAnalytics,
	CommandSendMessage,
	CommandBroadcastMessage,
	CommandPingDevice,
	CommandRestartDevice,
	CommandStopDevice,
	CommandStartDevice,
	CommandCancelTask,
	CommandRetryTask,
	CommandPauseTask,
	CommandResumeTask,
	CommandAdminConnected,
}

// IsCommand reports whether name is a known outbound command.
func IsCommand(name string) bool {
	for _, c := range Commands {
		if c == name {
			return true
		}
	}
	return false
}
