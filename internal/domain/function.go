package domain

// FunctionConfig is the stored configuration of a published function.
type FunctionConfig struct {
	ID                string `json:"id"`
	PublishedCodeHash string `json:"codeHash"`
	PublishedVersion  int64  `json:"version"`

	QueueOverride   *int `json:"queue,omitempty"`
	TimeoutOverride *int `json:"timeout,omitempty"`
	ExpiresOverride *int `json:"expires,omitempty"`

	// CacheResultTTL is the result cache lifetime in seconds; 0 disables caching.
	CacheResultTTL int `json:"cacheResult,omitempty"`

	FixedArgs map[string]ArgSpec `json:"fixedArgs,omitempty"`
}

func (f *FunctionConfig) CachingEnabled() bool { return f.CacheResultTTL > 0 }

// ConnectorSubscription is one (connector, topic, handler) binding.
type ConnectorSubscription struct {
	ConnectorID         string
	ConnectorType       string
	Topic               string
	HandlerFuncID       string
	Config              []byte
	Filter              string
	ConfigFingerprint   string
	MultiSubscriberSafe bool
}

type SubscriptionKey struct {
	ConnectorID   string
	Topic         string
	HandlerFuncID string
}

func (s ConnectorSubscription) Key() SubscriptionKey {
	return SubscriptionKey{ConnectorID: s.ConnectorID, Topic: s.Topic, HandlerFuncID: s.HandlerFuncID}
}
