package digest

import "chatautomation/pkg/feature"

func init() {
	feature.Register(feature.Info{
		Name:         "digest",
		Description:  "Posts a periodic summary of conversation activity",
		Version:      "1.0.0",
		Dependencies: []string{"activity"},
		Priority:     feature.PriorityDefault,
		Factory:      func() feature.Feature { return NewManager() },
	})
}
