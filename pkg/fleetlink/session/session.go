// Package session ties a client to the subscriptions an application wants
// to hold. The server forgets subscriptions when a connection drops, so the
// session re-declares them every time a connection opens.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/tsarna/fleetlink/pkg/fleetlink"
	"github.com/tsarna/fleetlink/pkg/fleetlink/client"
	"github.com/tsarna/fleetlink/pkg/fleetlink/dispatch"
	"github.com/tsarna/fleetlink/pkg/fleetlink/subscriptions"
	"go.uber.org/zap"
)

// Interests are the resources a session keeps subscribed.
type Interests struct {
	Devices   []string
	Tasks     []string
	Analytics bool
}

// Session owns one client and the interests restored on each connection.
// Construct it once and pass it to whatever needs the connection.
type Session struct {
	client *client.Client
	subs   *subscriptions.Manager
	logger *zap.Logger

	mu        sync.Mutex
	interests Interests
	restore   dispatch.Registration
}

func New(c *client.Client, interests Interests, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Session{
		client: c,
		subs:   subscriptions.NewManager(c),
		logger: logger,
		interests: Interests{
			Devices:   slices.Clone(interests.Devices),
			Tasks:     slices.Clone(interests.Tasks),
			Analytics: interests.Analytics,
		},
	}
}

func (s *Session) Client() *client.Client { return s.client }

func (s *Session) Subscriptions() *subscriptions.Manager { return s.subs }

// Interests returns a copy of the current interests.
func (s *Session) Interests() Interests {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Interests{
		Devices:   slices.Clone(s.interests.Devices),
		Tasks:     slices.Clone(s.interests.Tasks),
		Analytics: s.interests.Analytics,
	}
}

// Start connects with token and arranges for the interests to be declared
// after every successful open, reconnects included.
func (s *Session) Start(ctx context.Context, token string) error {
	s.mu.Lock()
	s.client.Remove(s.restore)
	s.restore = s.client.On(fleetlink.EventAdminConnected, fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		return s.Restore(ctx)
	}))
	s.mu.Unlock()

	return s.client.Connect(ctx, token)
}

// Stop disconnects. Interests are kept for a later Start.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.restore = dispatch.Registration{}
	s.mu.Unlock()

	return s.client.Disconnect()
}

// Restore emits a subscribe command for every interest. All commands are
// attempted; the failures are joined.
func (s *Session) Restore(ctx context.Context) error {
	interests := s.Interests()

	var errs []error
	for _, id := range interests.Devices {
		errs = append(errs, s.subs.SubscribeDevice(ctx, id))
	}
	for _, id := range interests.Tasks {
		errs = append(errs, s.subs.SubscribeTask(ctx, id))
	}
	if interests.Analytics {
		errs = append(errs, s.subs.SubscribeAnalytics(ctx))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("Failed to restore some subscriptions", zap.Error(err))
	} else {
		s.logger.Debug("Subscriptions restored",
			zap.Int("devices", len(interests.Devices)),
			zap.Int("tasks", len(interests.Tasks)),
			zap.Bool("analytics", interests.Analytics))
	}
	return err
}

// WatchDevice adds a device interest and subscribes to it now if connected.
func (s *Session) WatchDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return s.subs.SubscribeDevice(ctx, deviceID)
	}
	if !s.update(func(i *Interests) bool { return addID(&i.Devices, deviceID) }) {
		return nil
	}
	return s.emitIfConnected(ctx, func() error { return s.subs.SubscribeDevice(ctx, deviceID) })
}

func (s *Session) UnwatchDevice(ctx context.Context, deviceID string) error {
	if !s.update(func(i *Interests) bool { return removeID(&i.Devices, deviceID) }) {
		return nil
	}
	return s.emitIfConnected(ctx, func() error { return s.subs.UnsubscribeDevice(ctx, deviceID) })
}

func (s *Session) WatchTask(ctx context.Context, taskID string) error {
	if taskID == "" {
		return s.subs.SubscribeTask(ctx, taskID)
	}
	if !s.update(func(i *Interests) bool { return addID(&i.Tasks, taskID) }) {
		return nil
	}
	return s.emitIfConnected(ctx, func() error { return s.subs.SubscribeTask(ctx, taskID) })
}

func (s *Session) UnwatchTask(ctx context.Context, taskID string) error {
	if !s.update(func(i *Interests) bool { return removeID(&i.Tasks, taskID) }) {
		return nil
	}
	return s.emitIfConnected(ctx, func() error { return s.subs.UnsubscribeTask(ctx, taskID) })
}

// WatchAnalytics turns the analytics interest on or off.
func (s *Session) WatchAnalytics(ctx context.Context, on bool) error {
	if !s.update(func(i *Interests) bool {
		changed := i.Analytics != on
		i.Analytics = on
		return changed
	}) {
		return nil
	}

	if on {
		return s.emitIfConnected(ctx, func() error { return s.subs.SubscribeAnalytics(ctx) })
	}
	return s.emitIfConnected(ctx, func() error { return s.subs.UnsubscribeAnalytics(ctx) })
}

func (s *Session) update(fn func(*Interests) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.interests)
}

// emitIfConnected sends now when a connection is open; otherwise the
// interest is declared by the next Restore.
func (s *Session) emitIfConnected(ctx context.Context, emit func() error) error {
	if !s.client.IsConnected() {
		return nil
	}
	return emit()
}

func addID(ids *[]string, id string) bool {
	if slices.Contains(*ids, id) {
		return false
	}
	*ids = append(*ids, id)
	return true
}

func removeID(ids *[]string, id string) bool {
	i := slices.Index(*ids, id)
	if i < 0 {
		return false
	}
	*ids = slices.Delete(*ids, i, i+1)
	return true
}
