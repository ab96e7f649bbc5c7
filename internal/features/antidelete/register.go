package antidelete

import "chatautomation/pkg/feature"

func init() {
	feature.Register(feature.Info{
		Name:        "antidelete",
		Description: "Recovers deleted messages from the retention cache",
		Version:     "1.0.0",
		Events:      []string{feature.EventMessageReceived, feature.EventMessageDeleted},
		Priority:    feature.PriorityDefault,
		Factory:     func() feature.Feature { return NewManager() },
	})
}
