package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jamesainslie/replica/pkg/replica/audit"
)

// Apply updates the history from a lifecycle event. Only completion and
// failure events change the store; a failure never replaces a successful
// replication of the same path.
func (s *Store) Apply(e audit.Event) error {
	switch e.Type {
	case audit.EventProcessingCompleted:
		modTime, _ := time.Parse(time.RFC3339Nano, e.Properties["mod_time"])
		var dests []string
		if v := e.Properties["destinations"]; v != "" {
			dests = strings.Split(v, "\n")
		}
		return s.Put(&Record{
			Path:         e.Path,
			Size:         e.Size,
			ModTime:      modTime,
			Digest:       e.Properties["digest"],
			Destinations: dests,
			State:        StateReplicated,
			Attempts:     e.Attempt,
			OperationID:  e.OperationID,
			CompletedAt:  e.Time,
		})

	case audit.EventProcessingFailed:
		old, err := s.Get(e.Path)
		switch {
		case err == nil && old.State == StateReplicated:
			return nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		return s.Put(&Record{
			Path:        e.Path,
			Size:        e.Size,
			State:       StateFailed,
			Attempts:    e.Attempt,
			OperationID: e.OperationID,
			LastError:   e.Message,
			CompletedAt: e.Time,
		})
	}
	return nil
}

// Consume applies events until the channel is closed or ctx is done.
func (s *Store) Consume(ctx context.Context, events <-chan audit.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.Apply(e); err != nil {
				s.log.Error("recording history failed", "path", e.Path, "event", string(e.Type), "error", err)
			}
		}
	}
}
