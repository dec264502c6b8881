package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultPoolRefreshInterval   = 5 * time.Minute
	defaultPoolSweepInterval     = 30 * time.Minute
	defaultMaintenanceInterval   = 15 * time.Minute
	defaultGeoLiteUpdateInterval = 24 * time.Hour
)

// intervalSetting holds a duration derived from the configuration and the
// channels that want to hear about changes to it.
type intervalSetting struct {
	value     atomic.Value
	fallback  time.Duration
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	s := &intervalSetting{fallback: fallback}
	s.value.Store(fallback)
	return s
}

func (s *intervalSetting) get() time.Duration {
	return s.value.Load().(time.Duration)
}

func (s *intervalSetting) subscribe() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.get()
	return ch
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}
	if s.get() == interval {
		return
	}
	s.value.Store(interval)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

var (
	poolRefreshInterval   = newIntervalSetting(defaultPoolRefreshInterval)
	poolSweepInterval     = newIntervalSetting(defaultPoolSweepInterval)
	maintenanceInterval   = newIntervalSetting(defaultMaintenanceInterval)
	geoLiteUpdateInterval = newIntervalSetting(defaultGeoLiteUpdateInterval)
)

func SetBetweenTime() {
	cfg := GetConfig()
	poolRefreshInterval.set(timerOrDefault(cfg.ProxyPool.RefreshTimer, defaultPoolRefreshInterval))
	poolSweepInterval.set(timerOrDefault(cfg.ProxyPool.SweepTimer, defaultPoolSweepInterval))
	maintenanceInterval.set(timerOrDefault(cfg.Lifecycle.MaintenanceTimer, defaultMaintenanceInterval))
	geoLiteUpdateInterval.set(timerOrDefault(cfg.GeoLite.UpdateTimer, defaultGeoLiteUpdateInterval))
}

// CalculateBetweenTime converts a timer to a duration of at least one second.
func CalculateBetweenTime(timer Timer) time.Duration {
	intervalMs := CalculateMillisecondsOfCheckingPeriod(timer)

	minInterval := uint64(1000)
	if intervalMs < minInterval {
		intervalMs = minInterval
	}

	return time.Duration(intervalMs) * time.Millisecond
}

func CalculateMillisecondsOfCheckingPeriod(timer Timer) uint64 {
	return uint64(timer.Days)*24*60*60*1000 +
		uint64(timer.Hours)*60*60*1000 +
		uint64(timer.Minutes)*60*1000 +
		uint64(timer.Seconds)*1000
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.Days == 0 && timer.Hours == 0 && timer.Minutes == 0 && timer.Seconds == 0 {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

func GetPoolRefreshInterval() time.Duration {
	return poolRefreshInterval.get()
}

func GetPoolSweepInterval() time.Duration {
	return poolSweepInterval.get()
}

func PoolSweepIntervalUpdates() <-chan time.Duration {
	return poolSweepInterval.subscribe()
}

func GetMaintenanceInterval() time.Duration {
	return maintenanceInterval.get()
}

func MaintenanceIntervalUpdates() <-chan time.Duration {
	return maintenanceInterval.subscribe()
}

func GetGeoLiteUpdateInterval() time.Duration {
	return geoLiteUpdateInterval.get()
}

func GeoLiteUpdateIntervalUpdates() <-chan time.Duration {
	return geoLiteUpdateInterval.subscribe()
}
