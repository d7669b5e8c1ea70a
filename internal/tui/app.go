package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/vitaminmoo/improv-tool/internal/ble"
	"github.com/vitaminmoo/improv-tool/internal/config"
	"github.com/vitaminmoo/improv-tool/internal/improv"
	"github.com/vitaminmoo/improv-tool/internal/store"
)

// Run starts the TUI application on the host Bluetooth adapter.
func Run(settings config.Settings) error {
	log := config.Logger()
	adapter := ble.NewAdapter(log.Named("adapter"))
	if err := adapter.Enable(); err != nil {
		return err
	}

	session := improv.NewSession(adapter,
		improv.WithLogger(log.Named("session")),
		improv.WithMTU(settings.MTU),
		improv.WithOperationTimeout(settings.OperationTimeout))

	history, err := store.OpenDefault()
	if err != nil {
		log.Warn("history unavailable", zap.Error(err))
		history = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("session stopped", zap.Error(err))
		}
	}()

	m := NewModel(session, history)
	p := tea.NewProgram(m, tea.WithAltScreen())
	unsub := session.Subscribe(NewBridge(p.Send))

	_, err = p.Run()
	unsub()
	shutdown(session, disconnectTimeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}
	return nil
}

const disconnectTimeout = 5 * time.Second

// shutdown stops any scan and drops the link, waiting up to timeout for the
// session to report it gone. The session must still be running.
func shutdown(s *improv.Session, timeout time.Duration, log *zap.Logger) {
	_ = s.StopScan()

	gone := make(chan struct{}, 1)
	unsub := s.Subscribe(improv.ObserverFuncs{
		ConnectionChanged: func(p *improv.PeerDevice) {
			if p == nil {
				select {
				case gone <- struct{}{}:
				default:
				}
			}
		},
	})
	defer unsub()

	if err := s.Disconnect(); err != nil {
		return
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for s.State() != improv.Disconnected {
		select {
		case <-gone:
		case <-tick.C:
		case <-deadline.C:
			log.Warn("disconnect did not complete", zap.Duration("timeout", timeout))
			return
		}
	}
}
