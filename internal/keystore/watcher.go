package keystore

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// resyncDelay coalesces a burst of file events into one reload.
const resyncDelay = 200 * time.Millisecond

// startWatcher begins observing keys/ for records added or removed by
// other processes sharing the store directory.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.keysDir()); err != nil {
		w.Close()
		return err
	}
	s.fsw = w

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Store) stopWatcher() {
	if s.fsw == nil {
		return
	}
	close(s.done)
	s.fsw.Close()
	s.wg.Wait()
	s.fsw = nil
}

func (s *Store) watchLoop() {
	defer s.wg.Done()

	var resync <-chan time.Time
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, keyFileExt) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			resync = time.After(resyncDelay)
		case err, ok := <-s.fsw.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Warn("Key store watcher error")
		case <-resync:
			resync = nil
			s.resync()
		}
	}
}

// resync reloads the store from disk. Triggered by our own writes it is a
// no-op; triggered by another process it absorbs whatever changed.
func (s *Store) resync() {
	if err := s.lock.LockContext(context.Background()); err != nil {
		s.logger.WithError(err).Warn("Failed to lock key store for resync")
		return
	}
	defer s.lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	beforeCount := len(s.records)
	beforeActive := s.activeID
	if err := s.reload(); err != nil {
		s.logger.WithError(err).Warn("Failed to resync key store")
		return
	}
	if len(s.records) != beforeCount || s.activeID != beforeActive {
		s.logger.WithFields(logrus.Fields{
			"keys":   len(s.records),
			"active": s.activeID,
		}).Info("Key store changed on disk; resynced")
	}
}
