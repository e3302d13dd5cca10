// Package senseme bridges a Big Ass Fans Haiku fan speaking the SenseMe
// text protocol over UDP.
//
// The package is layered bottom-up:
//   - codec.go encodes <Name;FIELD;VERB[;VALUE]> frames and decodes
//     (Name;FIELD;VALUE) replies
//   - translate.go maps raw and percentage inputs onto native ranges
//   - link.go runs one command at a time with retries and reconnects
//   - state.go caches confirmed values and enforces the light coupling
//   - bridge.go and poller.go write to the cache through a shared Fan
//
// Every value in the cache came from the device. Requested values are
// never cached; the device's echo is.
//
// Usage:
//
//	link, _ := senseme.NewLink(senseme.LinkConfig{Address: "192.168.1.100"})
//	cache := senseme.NewStateCache(senseme.DefaultLightOnLevel, true)
//	fan, _ := senseme.NewFan(senseme.FanOptions{Link: link, Cache: cache, Sink: publisher})
//	bridge, _ := senseme.NewBridge(fan)
//	state, err := bridge.SetField(ctx, senseme.FieldSpeed, 50, senseme.OriginREST)
package senseme
