package config

import (
	"context"
	"os"
	"time"
)

// WatchRoster reloads roster.yaml on change and calls onUpdate with the latest roster.
// It performs an initial load before entering the watch loop. Reload failures are
// reported to onError and the previous roster stays in effect.
func WatchRoster(ctx context.Context, path string, interval time.Duration, onUpdate func(*Roster), onError func(error)) error {
	if path == "" {
		path = "configs/roster.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r, err := LoadRoster(path)
	if err != nil {
		return err
	}
	if onUpdate != nil {
		onUpdate(r)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue // transient errors
				}
				if !info.ModTime().After(lastMod) {
					continue
				}
				lastMod = info.ModTime()
				r, err := LoadRoster(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				if onUpdate != nil {
					onUpdate(r)
				}
			}
		}
	}()

	return nil
}
