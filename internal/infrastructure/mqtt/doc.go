// Package mqtt provides MQTT client connectivity for the bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) on <base>/status
//
// # Topic tree
//
// Everything lives under one configurable base topic (default haiku_fan):
//
//	haiku_fan/<field>            retained raw value (ON, OFF, 0-7, 0-16)
//	haiku_fan/<field>_percent    retained percentage mirror for speed and light_level
//	haiku_fan/state              retained JSON snapshot
//	haiku_fan/<field>/set        inbound commands
//	haiku_fan/status             online/offline (LWT)
//	haiku_fan/health             periodic health report
//	haiku_fan/ack                command acknowledgements
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllSets(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("command: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.PublishRetained(topics.Field("speed"), []byte("4"))
package mqtt
