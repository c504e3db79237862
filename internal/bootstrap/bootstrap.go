// Package bootstrap loads the YAML seed file holding the actions,
// communities, DDoS Protector devices and user network ranges the daemon
// starts with.
package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jakubman1/exafs/internal/rule"
)

type File struct {
	Actions     []rule.Action    `yaml:"actions"`
	Communities []rule.Community `yaml:"communities"`
	Devices     []rule.DDPDevice `yaml:"devices"`
	Users       []User           `yaml:"users"`
}

// User lists the network ranges a user may create rules for.
type User struct {
	ID        int64    `yaml:"id"`
	NetRanges []string `yaml:"net_ranges"`
}

// Load reads and validates the seed file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	for i, a := range f.Actions {
		if a.Name == "" || a.Command == "" {
			return fmt.Errorf("action %d: name and command are required", i)
		}
	}
	for i, c := range f.Communities {
		if c.Name == "" {
			return fmt.Errorf("community %d: name is required", i)
		}
		if c.Comm == "" && c.LargeComm == "" && c.ExtComm == "" {
			return fmt.Errorf("community %q: at least one of comm, larcomm or extcomm is required", c.Name)
		}
	}
	for i, d := range f.Devices {
		if d.Name == "" || d.URL == "" {
			return fmt.Errorf("device %d: name and url are required", i)
		}
	}
	_, err := f.NetRanges()
	return err
}

// NetRanges returns the parsed network ranges keyed by user id.
func (f *File) NetRanges() (Ranges, error) {
	ranges := make(Ranges, len(f.Users))
	for _, u := range f.Users {
		for _, s := range u.NetRanges {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("user %d: %w", u.ID, err)
			}
			ranges[u.ID] = append(ranges[u.ID], p.Masked())
		}
	}
	return ranges, nil
}

// Ranges maps user ids to their network ranges.
type Ranges map[int64][]netip.Prefix

func (r Ranges) NetRangesFor(_ context.Context, userID int64) ([]netip.Prefix, error) {
	return r[userID], nil
}

type Store interface {
	SaveAction(ctx context.Context, a *rule.Action) error
	SaveCommunity(ctx context.Context, c *rule.Community) error
	Devices(ctx context.Context) ([]rule.DDPDevice, error)
	CreateDevice(ctx context.Context, d *rule.DDPDevice) error
	UpdateDevice(ctx context.Context, d *rule.DDPDevice) error
}

// Seed writes the file's catalog into the store. Actions and communities are
// matched by name, devices by name too; existing entries are overwritten.
func (f *File) Seed(ctx context.Context, s Store) error {
	for i := range f.Actions {
		if err := s.SaveAction(ctx, &f.Actions[i]); err != nil {
			return err
		}
	}
	for i := range f.Communities {
		if err := s.SaveCommunity(ctx, &f.Communities[i]); err != nil {
			return err
		}
	}

	existing, err := s.Devices(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(existing))
	for _, d := range existing {
		byName[d.Name] = d.ID
	}
	for i := range f.Devices {
		d := &f.Devices[i]
		if id, ok := byName[d.Name]; ok {
			d.ID = id
			err = s.UpdateDevice(ctx, d)
		} else {
			err = s.CreateDevice(ctx, d)
		}
		if err != nil {
			return err
		}
	}

	slog.Info("seeded store",
		slog.Int("actions", len(f.Actions)),
		slog.Int("communities", len(f.Communities)),
		slog.Int("devices", len(f.Devices)),
		slog.Int("users", len(f.Users)))
	return nil
}
