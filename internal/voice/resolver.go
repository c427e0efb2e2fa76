package voice

import (
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// NameResolver provides human-friendly names for IDs when available. An
// empty string means unknown.
type NameResolver interface {
	UserName(userID string) string
	GuildName(guildID string) string
	ChannelName(channelID string) string
}

// cacheTTL controls how long a resolved name is reused.
var cacheTTL = 5 * time.Minute

type cacheEntry struct {
	val    string
	expiry time.Time
}

type nameCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func (c *nameCache) get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiry) {
		delete(c.entries, id)
		return "", false
	}
	return e.val, true
}

func (c *nameCache) set(id, val string) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[id] = cacheEntry{val: val, expiry: time.Now().Add(cacheTTL)}
	c.mu.Unlock()
}

// resolve returns a cached name or calls fetch, caching non-empty results.
func (c *nameCache) resolve(id string, fetch func(string) string) string {
	if id == "" {
		return ""
	}
	if v, ok := c.get(id); ok {
		return v
	}
	v := fetch(id)
	if v != "" {
		c.set(id, v)
	}
	return v
}

// DiscordResolver resolves names from the session state cache, falling
// back to the REST API.
type DiscordResolver struct {
	s        *discordgo.Session
	users    nameCache
	guilds   nameCache
	channels nameCache
}

func NewDiscordResolver(s *discordgo.Session) *DiscordResolver {
	return &DiscordResolver{s: s}
}

func (d *DiscordResolver) UserName(userID string) string {
	if d.s == nil {
		return ""
	}
	return d.users.resolve(userID, func(id string) string {
		if u, err := d.s.User(id); err == nil && u != nil {
			if u.GlobalName != "" {
				return u.GlobalName
			}
			return u.Username
		}
		return ""
	})
}

func (d *DiscordResolver) GuildName(guildID string) string {
	if d.s == nil {
		return ""
	}
	return d.guilds.resolve(guildID, func(id string) string {
		if d.s.State != nil {
			if g, err := d.s.State.Guild(id); err == nil && g != nil {
				return g.Name
			}
		}
		if g, err := d.s.Guild(id); err == nil && g != nil {
			return g.Name
		}
		return ""
	})
}

func (d *DiscordResolver) ChannelName(channelID string) string {
	if d.s == nil {
		return ""
	}
	return d.channels.resolve(channelID, func(id string) string {
		if d.s.State != nil {
			if c, err := d.s.State.Channel(id); err == nil && c != nil {
				return c.Name
			}
		}
		if c, err := d.s.Channel(id); err == nil && c != nil {
			return c.Name
		}
		return ""
	})
}

// NoopResolver returns empty names. Used in tests and when REST lookups
// are unwanted.
type NoopResolver struct{}

func (NoopResolver) UserName(string) string    { return "" }
func (NoopResolver) GuildName(string) string   { return "" }
func (NoopResolver) ChannelName(string) string { return "" }
