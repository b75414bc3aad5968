package synckit

// Observer receives controller notifications. Callbacks run synchronously on
// the goroutine that caused the change, which for stream events is the
// session worker; they must not block for long and must not call Stop or
// Pause, which wait for that worker to exit.
type Observer interface {
	OnStatusChange(status Status)
	OnRecordUpdated(key string, rec CachedRecord)
	OnRecordDeleted(key string)
	OnError(err error)
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are
// skipped.
type ObserverFuncs struct {
	StatusChange  func(Status)
	RecordUpdated func(key string, rec CachedRecord)
	RecordDeleted func(key string)
	Error         func(error)
}

func (o ObserverFuncs) OnStatusChange(status Status) {
	if o.StatusChange != nil {
		o.StatusChange(status)
	}
}

func (o ObserverFuncs) OnRecordUpdated(key string, rec CachedRecord) {
	if o.RecordUpdated != nil {
		o.RecordUpdated(key, rec)
	}
}

func (o ObserverFuncs) OnRecordDeleted(key string) {
	if o.RecordDeleted != nil {
		o.RecordDeleted(key)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// MultiObserver fans notifications out in order.
type MultiObserver []Observer

func (m MultiObserver) OnStatusChange(status Status) {
	for _, o := range m {
		o.OnStatusChange(status)
	}
}

func (m MultiObserver) OnRecordUpdated(key string, rec CachedRecord) {
	for _, o := range m {
		o.OnRecordUpdated(key, rec)
	}
}

func (m MultiObserver) OnRecordDeleted(key string) {
	for _, o := range m {
		o.OnRecordDeleted(key)
	}
}

func (m MultiObserver) OnError(err error) {
	for _, o := range m {
		o.OnError(err)
	}
}

// RecordHandler holds the per-record-type callbacks run after the cache has
// been written. Either field may be nil.
type RecordHandler struct {
	OnUpdate func(rec CachedRecord)
	OnDelete func(key string)
}
