package activity

import "chatautomation/pkg/feature"

func init() {
	feature.Register(feature.Info{
		Name:        "activity",
		Description: "Tracks per-conversation message counts",
		Version:     "1.0.0",
		Events:      []string{feature.EventMessageReceived},
		Priority:    feature.PriorityDefault,
		Factory:     func() feature.Feature { return NewManager() },
	})
}
