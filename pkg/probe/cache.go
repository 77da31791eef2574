package probe

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netopt/netopt/pkg/clock"
	"github.com/netopt/netopt/pkg/util"
)

// deadToken is the on-disk sentinel for a confirmed-dead gateway
// (spec.md §6: "one line, either a decimal millisecond number or the
// literal token DEAD").
const deadToken = "DEAD"

// Cache is the one shared mutable structure in netopt (spec.md §5): an
// in-memory, mutex-guarded, last-writer-wins map, mirrored to a plaintext
// file per entry so a confirmed-dead gateway stays suppressed across
// process restarts even though the richer in-memory fields (jitter, loss,
// MTU) do not survive one.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Probe
	dir     string // empty disables the file mirror
}

// NewCache returns a Cache mirroring entries under dir. An empty dir keeps
// the cache purely in-memory.
func NewCache(dir string) *Cache {
	return &Cache{entries: make(map[string]Probe), dir: dir}
}

// Get returns a cached Probe for (link, gateway) if one exists with age <
// ttl, tagging it Source=cached (spec.md §8 invariant 3). Falls back to the
// on-disk dead-sentinel file when there is no in-memory entry yet.
func (c *Cache) Get(link, gateway string, ttl time.Duration) (Probe, bool) {
	k := key(link, gateway)

	c.mu.Lock()
	p, ok := c.entries[k]
	c.mu.Unlock()

	if ok {
		if clock.Now().Sub(p.MeasuredAt) < ttl {
			p.Source = SourceCached
			return p, true
		}
		return Probe{}, false
	}

	if fp, ok := c.readFile(link, gateway, ttl); ok {
		c.mu.Lock()
		c.entries[k] = fp
		c.mu.Unlock()
		return fp, true
	}
	return Probe{}, false
}

// Put stores p, overwriting any existing entry for the same key
// (last-writer-wins; spec.md §5). Dead results are cached identically to
// alive ones.
func (c *Cache) Put(link, gateway string, p Probe) {
	k := key(link, gateway)

	c.mu.Lock()
	c.entries[k] = p
	c.mu.Unlock()

	c.writeFile(link, gateway, p)
}

func (c *Cache) fileName(link, gateway string) string {
	return filepath.Join(c.dir, link+"_"+util.SanitizeName(gateway))
}

func (c *Cache) writeFile(link, gateway string, p Probe) {
	if c.dir == "" {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return
	}
	content := deadToken
	if p.LatencyMS != nil {
		content = strconv.FormatFloat(*p.LatencyMS, 'f', 3, 64)
	}
	_ = os.WriteFile(c.fileName(link, gateway), []byte(content+"\n"), 0o644)
}

// readFile loads the cache file for (link, gateway) when its mtime is
// within ttl. Only a DEAD file yields a hit; a file holding a latency
// value is reported as a miss, so alive gateways are always re-probed
// once the in-memory cache is empty (a fresh process).
func (c *Cache) readFile(link, gateway string, ttl time.Duration) (Probe, bool) {
	if c.dir == "" {
		return Probe{}, false
	}
	path := c.fileName(link, gateway)
	info, err := os.Stat(path)
	if err != nil {
		return Probe{}, false
	}
	if clock.Now().Sub(info.ModTime()) >= ttl {
		return Probe{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Probe{}, false
	}
	content := strings.TrimSpace(string(data))
	if content != deadToken {
		return Probe{}, false
	}
	return Probe{
		Link:       link,
		Gateway:    gateway,
		LossPct:    100,
		MeasuredAt: info.ModTime(),
		Source:     SourceCached,
	}, true
}
