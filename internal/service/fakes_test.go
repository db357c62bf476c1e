package service

import (
	"context"
	"sync"
	"time"

	"pothole-service/internal/model"
)

type fakeLocations struct {
	points []model.GeoPoint
}

func (f *fakeLocations) MapPoints(context.Context, bool) []model.GeoPoint {
	return f.points
}

type recordingRepairNotifier struct {
	mu       sync.Mutex
	requests []model.RepairRequest
}

func (n *recordingRepairNotifier) RepairSubmitted(_ context.Context, req model.RepairRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
}

type sentSMS struct {
	phone   string
	message string
}

type recordingSMS struct {
	mu   sync.Mutex
	sent []sentSMS
	err  error
}

func (n *recordingSMS) SendAlert(_ context.Context, phone, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, sentSMS{phone: phone, message: message})
	return nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock {
	return &clock{t: t}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
