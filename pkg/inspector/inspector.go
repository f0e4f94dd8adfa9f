package inspector

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cuemby/fieldsync/pkg/autosave"
	"github.com/cuemby/fieldsync/pkg/background"
	"github.com/cuemby/fieldsync/pkg/config"
	"github.com/cuemby/fieldsync/pkg/events"
	"github.com/cuemby/fieldsync/pkg/log"
	"github.com/cuemby/fieldsync/pkg/queue"
	"github.com/cuemby/fieldsync/pkg/session"
	"github.com/rs/zerolog"
)

// Host is the worker side a Surface writes through. *worker.Worker
// satisfies it.
type Host interface {
	Queue() *queue.Queue
	Bus() *events.Bus
	Trigger() background.Trigger
}

// Surface is the page side of one browser context: the lifecycle manager
// of the inspection being edited and its autosave controller
type Surface struct {
	sessions *session.Manager
	saver    *autosave.Controller
	logger   zerolog.Logger
}

// New wires a session manager and an autosave controller to host. Every
// transition is checkpointed into host's queue and announced on its bus.
func New(host Host, cfg *config.Config) *Surface {
	sessions := session.NewManager(host.Bus())

	opts := []autosave.Option{
		autosave.WithTrigger(host.Trigger()),
		autosave.WithInterval(cfg.Autosave.Interval),
	}
	if cfg.Backend.APIKey != "" {
		opts = append(opts, autosave.WithHeaders(http.Header{
			"Apikey":        []string{cfg.Backend.APIKey},
			"Authorization": []string{"Bearer " + cfg.Backend.APIKey},
		}))
	}
	saver := autosave.New(host.Queue(), sessions, cfg.Backend.URL, opts...)
	sessions.SetCheckpointer(saver)

	return &Surface{
		sessions: sessions,
		saver:    saver,
		logger:   log.WithComponent("inspector"),
	}
}

// Start restores an interrupted session from its newest checkpoint and
// starts the autosave timer
func (s *Surface) Start(ctx context.Context) error {
	restored, err := s.sessions.Restore(ctx, s.saver)
	if err != nil {
		return fmt.Errorf("failed to restore inspection session: %w", err)
	}
	if restored != nil {
		s.logger.Info().
			Str("inspection_id", restored.InspectionID).
			Str("status", string(restored.Status)).
			Msg("Resuming interrupted inspection")
	}
	s.saver.Run(ctx)
	return nil
}

// Close stops the timer and saves the active session one last time
func (s *Surface) Close(ctx context.Context) error {
	return s.saver.Close(ctx)
}

// Sessions returns the lifecycle manager
func (s *Surface) Sessions() *session.Manager { return s.sessions }

// Autosave returns the autosave controller
func (s *Surface) Autosave() *autosave.Controller { return s.saver }
