package compositor

import "time"

// FrameScheduler paces the frame loop. The loop waits on C before each
// frame, so a slow frame delays the next one instead of piling up.
type FrameScheduler interface {
	C() <-chan time.Time
	Stop()
}

type tickerScheduler struct {
	t *time.Ticker
}

// NewTickerScheduler paces frames at fps.
func NewTickerScheduler(fps int) FrameScheduler {
	if fps <= 0 {
		fps = 30
	}
	return &tickerScheduler{t: time.NewTicker(time.Second / time.Duration(fps))}
}

func (s *tickerScheduler) C() <-chan time.Time { return s.t.C }
func (s *tickerScheduler) Stop()               { s.t.Stop() }
