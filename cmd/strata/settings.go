package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aretw0/strata/pkg/replication"
)

const defaultSettingsFile = "strata.toml"

// Settings holds the defaults read from strata.toml. Flags override them.
type Settings struct {
	Serve ServeSettings `toml:"serve"`
	Pull  PullSettings  `toml:"pull"`
	Push  PushSettings  `toml:"push"`
}

type ServeSettings struct {
	Addr        string `toml:"addr"`
	WatchSchema bool   `toml:"watch_schema"`
}

type PullSettings struct {
	Remote  string `toml:"remote"`
	Live    bool   `toml:"live"`
	Backoff string `toml:"backoff"`
}

type PushSettings struct {
	Remote      string `toml:"remote"`
	BatchSize   int    `toml:"batch_size"`
	Attachments *bool  `toml:"attachments"`
}

func defaultSettings() Settings {
	return Settings{
		Serve: ServeSettings{Addr: fmt.Sprintf(":%d", defaultPort)},
		Pull:  PullSettings{Backoff: replication.DefaultBackoff.String()},
		Push:  PushSettings{BatchSize: replication.DefaultBatchSize},
	}
}

// LoadSettings reads path over the defaults. With an empty path, a
// strata.toml in the working directory is used when there is one.
func LoadSettings(path string) (Settings, error) {
	s := defaultSettings()
	if path == "" {
		if _, err := os.Stat(defaultSettingsFile); errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		path = defaultSettingsFile
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if _, err := s.Pull.backoff(); err != nil {
		return s, err
	}
	return s, nil
}

func (p PullSettings) backoff() (time.Duration, error) {
	if p.Backoff == "" {
		return replication.DefaultBackoff, nil
	}
	d, err := time.ParseDuration(p.Backoff)
	if err != nil {
		return 0, fmt.Errorf("invalid pull backoff %q: %w", p.Backoff, err)
	}
	return d, nil
}

func (p PushSettings) attachments() bool {
	return p.Attachments == nil || *p.Attachments
}
