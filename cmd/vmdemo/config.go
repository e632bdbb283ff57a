// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// config describes the simulated machine.
type config struct {
	// Frames is the amount of physical memory, in pages.
	Frames int `json:"frames"`
	// ReservedFrames are withheld from the allocator at the bottom of
	// memory.
	ReservedFrames int `json:"reserved_frames"`
	// MaxObjects bounds the number of live memory objects. Zero is
	// unbounded.
	MaxObjects int    `json:"max_objects"`
	LogLevel   string `json:"log_level"`
	// File is a host file to map. Empty uses an in-memory file.
	File string `json:"file"`
	// StoreDir is a pebble database to keep the mapped file in, used
	// when File is empty.
	StoreDir string `json:"store_dir"`
}

func defaultConfig() config {
	return config{
		Frames:   256,
		LogLevel: "INFO",
	}
}

// loadConfig reads the JSON config at path over the defaults. An
// empty path returns the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "vmdemo: opening config")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "vmdemo: decoding %s", path)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Frames <= 0 {
		return errors.Newf("vmdemo: frames must be positive, got %d", c.Frames)
	}
	if c.ReservedFrames < 0 || c.ReservedFrames >= c.Frames {
		return errors.Newf("vmdemo: %d reserved frames out of %d", c.ReservedFrames, c.Frames)
	}
	if c.MaxObjects < 0 {
		return errors.Newf("vmdemo: negative object limit %d", c.MaxObjects)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.Newf("vmdemo: unknown log level %q", s)
	}
}
