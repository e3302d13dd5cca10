// Package bus connects the fan bridge to an MQTT broker.
//
// Topics, all under one configurable base (default "haiku_fan"):
//
//	<base>/<field>            retained raw value (ON/OFF or integer)
//	<base>/<field>_percent    retained percentage for speed and light_level
//	<base>/state              retained JSON snapshot
//	<base>/<field>/set        command; raw or percent by the dual-mode rule
//	<base>/<field>_percent/set command; payload always a percentage
//	<base>/ack                per-command acknowledgement
//	<base>/health             retained periodic health report
//	<base>/status             retained online/offline with LWT
//
// Publisher is a senseme.NotificationSink. Listener feeds received
// commands through a bounded queue to a single receive loop.
package bus
