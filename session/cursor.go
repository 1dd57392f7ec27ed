package session

import (
	"github.com/go-ble/ble"
	"github.com/robertof/insuflo-client/insuflo"
	"github.com/rs/zerolog/log"
)

// cursor walks the readable characteristics of a profile round-robin.
type cursor struct {
	chars []*ble.Characteristic
	pos   int
	// completed passes over chars.
	passes int
}

// buildCursor collects every characteristic known to the registry that supports reads, in
// discovery order. A characteristic exposed under two services appears twice.
func buildCursor(profile *ble.Profile, registry *insuflo.Registry) cursor {
	var c cursor

	if profile == nil {
		return c
	}

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			if !registry.Contains(char.UUID) || char.Property&ble.CharRead == 0 {
				continue
			}

			expected, _ := registry.ServiceOf(char.UUID)

			if !expected.Equal(svc.UUID) {
				log.Debug().
					Stringer("Characteristic", char.UUID).
					Stringer("Service", svc.UUID).
					Stringer("ExpectedService", expected).
					Msg("session: characteristic discovered under unexpected service")
			}

			c.chars = append(c.chars, char)
		}
	}

	return c
}

func (c *cursor) empty() bool {
	return len(c.chars) == 0
}

func (c *cursor) current() *ble.Characteristic {
	if c.empty() {
		return nil
	}

	return c.chars[c.pos]
}

func (c *cursor) advance() {
	if c.empty() {
		return
	}

	c.pos = (c.pos + 1) % len(c.chars)

	if c.pos == 0 {
		c.passes++
	}
}

// drained reports whether every characteristic has been read at least once.
func (c *cursor) drained() bool {
	return c.empty() || c.passes > 0
}

func (c *cursor) clear() {
	*c = cursor{}
}

func (c *cursor) uuids() []string {
	out := make([]string, len(c.chars))

	for i, char := range c.chars {
		out[i] = char.UUID.String()
	}

	return out
}
